package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/agent/rpc"
	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/stream"
)

// EventSink receives converted session notifications.
type EventSink func(ev stream.Event)

// PermissionHandler answers an agent permission request. It may block on
// user interaction; cancelling ctx releases it as denied.
type PermissionHandler func(ctx context.Context, sessionID string, req *stream.PermissionRequest) (optionID string, cancelled bool)

// ExitHandler is invoked once when the agent process exits.
type ExitHandler func(kind string, err error)

// Conn is one live agent connection for an executor kind.
type Conn struct {
	kind   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	client *rpc.Client
	logger *logger.Logger

	sideTasks *SideTaskStore

	info *Implementation
	caps AgentCapabilities

	onEvent      EventSink
	onPermission PermissionHandler
	onExit       ExitHandler

	mu     sync.Mutex
	closed bool
}

// TapFunc observes raw protocol lines tagged with the executor kind.
type TapFunc func(kind, direction string, line []byte)

// ConnOptions wires the daemon callbacks into a connection.
type ConnOptions struct {
	OnEvent      EventSink
	OnPermission PermissionHandler
	OnExit       ExitHandler
	Tap          TapFunc
}

// Spawn starts the agent binary and performs the initialize handshake.
// The returned Conn owns the child process.
func Spawn(ctx context.Context, kind string, spec BinarySpec, opts ConnOptions, log *logger.Logger) (*Conn, error) {
	bin, err := spec.Resolve()
	if err != nil {
		return nil, fmt.Errorf("executor %s: %w", kind, err)
	}

	cmd := exec.Command(bin, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("executor %s: stdin pipe: %w", kind, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("executor %s: stdout pipe: %w", kind, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("executor %s: stderr pipe: %w", kind, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("executor %s: failed to start %s: %w", kind, bin, err)
	}

	connLog := log.WithExecutor(kind)
	c := &Conn{
		kind:         kind,
		cmd:          cmd,
		stdin:        stdin,
		logger:       connLog,
		sideTasks:    NewSideTaskStore(connLog),
		onEvent:      opts.OnEvent,
		onPermission: opts.OnPermission,
		onExit:       opts.OnExit,
	}

	c.client = rpc.NewClient(stdin, stdout, connLog)
	c.client.SetNotificationHandler(c.handleNotification)
	c.client.SetRequestHandler(c.handleRequest)
	c.client.SetSideChannelHandler(c.sideTasks.Ingest)
	if opts.Tap != nil {
		tap := opts.Tap
		c.client.SetTap(func(direction string, line []byte) {
			tap(kind, direction, line)
		})
	}
	c.client.Start(ctx)

	go c.drainStderr(stderr)
	go c.wait()

	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	connLog.Info("agent connection established",
		zap.String("bin", bin),
		zap.Int("pid", cmd.Process.Pid))
	return c, nil
}

// initialize performs the protocol handshake and stores the agent identity.
func (c *Conn) initialize(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      Implementation{Name: "agentboard", Version: "1.0.0"},
	}
	params.Capabilities.FS.ReadTextFile = true
	params.Capabilities.FS.WriteTextFile = true

	raw, err := c.client.Call(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("initialize handshake: malformed result: %w", err)
	}

	c.mu.Lock()
	c.info = result.AgentInfo
	c.caps = result.Capabilities
	c.mu.Unlock()

	name, version := "unknown", "unknown"
	if result.AgentInfo != nil {
		name, version = result.AgentInfo.Name, result.AgentInfo.Version
	}
	c.logger.Info("agent initialized",
		zap.String("agent_name", name),
		zap.String("agent_version", version),
		zap.Bool("supports_load_session", result.Capabilities.LoadSession))
	return nil
}

// Kind returns the executor kind of this connection.
func (c *Conn) Kind() string { return c.kind }

// AgentInfo returns the agent identity from the handshake, or nil.
func (c *Conn) AgentInfo() *Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// SideTasks returns the side-channel task store for this connection.
func (c *Conn) SideTasks() *SideTaskStore { return c.sideTasks }

// NewSession creates a new agent session rooted at cwd.
func (c *Conn) NewSession(ctx context.Context, cwd string) (*NewSessionResult, error) {
	raw, err := c.client.Call(ctx, MethodNewSession, NewSessionParams{Cwd: cwd})
	if err != nil {
		return nil, err
	}
	var result NewSessionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("newSession: malformed result: %w", err)
	}
	if result.SessionID == "" {
		return nil, fmt.Errorf("newSession: agent returned empty session id")
	}
	return &result, nil
}

// ResumeSession reopens a persisted session.
func (c *Conn) ResumeSession(ctx context.Context, sessionID, cwd string) error {
	_, err := c.client.Call(ctx, MethodResumeSession, ResumeSessionParams{
		SessionID: sessionID,
		Cwd:       cwd,
	})
	return err
}

// Prompt runs one turn and blocks until the agent reports a stop reason.
// Streaming output arrives through the notification sink while this call is
// outstanding.
func (c *Conn) Prompt(ctx context.Context, sessionID string, chunks []ContentChunk) (*PromptResult, error) {
	raw, err := c.client.Call(ctx, MethodPrompt, PromptParams{
		SessionID: sessionID,
		Prompt:    chunks,
	})
	if err != nil {
		return nil, err
	}
	var result PromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("prompt: malformed result: %w", err)
	}
	return &result, nil
}

// Cancel requests cancellation of the active turn. The outstanding Prompt
// call returns with stopReason=cancelled; the RPC channel stays open.
func (c *Conn) Cancel(ctx context.Context, sessionID string) error {
	return c.client.Notify(MethodCancel, CancelParams{SessionID: sessionID})
}

// SetSessionMode switches the session mode.
func (c *Conn) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	_, err := c.client.Call(ctx, MethodSetSessionMode, SetSessionModeParams{
		SessionID: sessionID,
		ModeID:    modeID,
	})
	return err
}

// SetSessionModel switches the session model.
func (c *Conn) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	_, err := c.client.Call(ctx, MethodSetSessionModel, SetSessionModelParams{
		SessionID: sessionID,
		ModelID:   modelID,
	})
	return err
}

// ForkSession forks a session at its current state.
func (c *Conn) ForkSession(ctx context.Context, sessionID string) (*ForkSessionResult, error) {
	raw, err := c.client.Call(ctx, MethodForkSession, ForkSessionParams{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	var result ForkSessionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("forkSession: malformed result: %w", err)
	}
	return &result, nil
}

// Authenticate selects an authentication method.
func (c *Conn) Authenticate(ctx context.Context, methodID string) error {
	_, err := c.client.Call(ctx, MethodAuthenticate, AuthenticateParams{MethodID: methodID})
	return err
}

// Ext calls a pass-through ext method such as sessions/list.
func (c *Conn) Ext(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("ext %s: marshal params: %w", method, err)
		}
		paramsJSON = data
	}
	return c.client.Call(ctx, MethodExt, ExtParams{Method: method, Params: paramsJSON})
}

// Close terminates the connection by closing the agent's stdin; agents exit
// when stdin is closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Stop()
	return c.stdin.Close()
}

// wait reaps the child and surfaces the exit. Unterminated side-channel
// tasks are flushed as ended without confirmation.
func (c *Conn) wait() {
	err := c.cmd.Wait()
	c.sideTasks.Flush()
	c.client.Stop()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.logger.Warn("agent process exited", zap.Error(err))
	}
	if c.onExit != nil {
		c.onExit(c.kind, err)
	}
}

// drainStderr forwards agent stderr lines to the daemon log.
func (c *Conn) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.logger.Debug("agent stderr", zap.String("line", scanner.Text()))
	}
}

// handleNotification converts sessionUpdate notifications into broadcast
// events and forwards them to the sink in arrival order.
func (c *Conn) handleNotification(method string, params json.RawMessage) {
	if method != MethodSessionUpdate {
		c.logger.Debug("ignoring unknown notification", zap.String("method", method))
		return
	}

	var n SessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		c.logger.Warn("malformed sessionUpdate", zap.Error(err))
		return
	}

	ev := convertNotification(&n)
	if ev == nil {
		return
	}
	if c.onEvent != nil {
		c.onEvent(*ev)
	}
}

// convertNotification maps a session notification onto the broadcast
// envelope. Returns nil for updates with no client-visible payload.
func convertNotification(n *SessionNotification) *stream.Event {
	sid := stream.SessionID(n.SessionID)
	u := n.Update

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Type != "text" {
			return nil
		}
		return &stream.Event{Type: stream.EventText, SessionID: sid, Text: u.AgentMessageChunk.Content.Text}

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Type != "text" {
			return nil
		}
		return &stream.Event{Type: stream.EventThought, SessionID: sid, Text: u.AgentThoughtChunk.Content.Text}

	case u.ToolCall != nil:
		status := u.ToolCall.Status
		if status == "" {
			status = "running"
		}
		return &stream.Event{Type: stream.EventToolCall, SessionID: sid, Tool: &stream.ToolCall{
			ID:       u.ToolCall.ToolCallID,
			Name:     u.ToolCall.Name,
			Kind:     u.ToolCall.Kind,
			Title:    u.ToolCall.Title,
			Status:   status,
			RawInput: u.ToolCall.RawInput,
		}}

	case u.ToolCallUpdate != nil:
		return &stream.Event{Type: stream.EventToolCallUpdate, SessionID: sid, Tool: &stream.ToolCall{
			ID:     u.ToolCallUpdate.ToolCallID,
			Name:   u.ToolCallUpdate.Name,
			Status: u.ToolCallUpdate.Status,
		}}

	case u.Plan != nil:
		entries := make([]stream.PlanEntry, len(u.Plan.Entries))
		for i, e := range u.Plan.Entries {
			entries[i] = stream.PlanEntry{Content: e.Content, Status: e.Status, Priority: e.Priority}
		}
		return &stream.Event{Type: stream.EventPlan, SessionID: sid, Plan: entries}

	case u.SessionInfo != nil:
		return &stream.Event{Type: stream.EventSessionInfo, SessionID: sid, Meta: u.SessionInfo}

	case u.AvailableCommands != nil:
		return &stream.Event{Type: stream.EventCommands, SessionID: sid, Meta: u.AvailableCommands}
	}

	return nil
}

// handleRequest answers agent-initiated requests: permission prompts and
// workspace file access.
func (c *Conn) handleRequest(method string, params json.RawMessage) (any, *rpc.Error) {
	switch method {
	case MethodRequestPermission:
		return c.handlePermission(params)
	case MethodReadTextFile:
		return handleReadTextFile(params)
	case MethodWriteTextFile:
		return handleWriteTextFile(params)
	default:
		return nil, &rpc.Error{Code: -32601, Message: "method not found: " + method}
	}
}

func (c *Conn) handlePermission(params json.RawMessage) (any, *rpc.Error) {
	var p PermissionRequestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpc.Error{Code: -32602, Message: "malformed requestPermission params"}
	}

	// No options or no handler: cancel rather than guess.
	if len(p.Options) == 0 || c.onPermission == nil {
		return CancelledOutcome(), nil
	}

	req := &stream.PermissionRequest{
		RequestID:  uuid.New().String(),
		ToolCallID: p.ToolCall.ToolCallID,
		Title:      p.ToolCall.Title,
		Options:    make([]stream.PermissionOption, len(p.Options)),
	}
	for i, opt := range p.Options {
		req.Options[i] = stream.PermissionOption{OptionID: opt.OptionID, Name: opt.Name, Kind: opt.Kind}
	}

	optionID, cancelled := c.onPermission(context.Background(), p.SessionID, req)
	if cancelled {
		return CancelledOutcome(), nil
	}
	return SelectedOutcome(optionID), nil
}

func handleReadTextFile(params json.RawMessage) (any, *rpc.Error) {
	var p ReadTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpc.Error{Code: -32602, Message: "malformed readTextFile params"}
	}

	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, &rpc.Error{Code: -32000, Message: fmt.Sprintf("read %s: %v", p.Path, err)}
	}

	content := string(data)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 1 {
			start = *p.Line - 1
		}
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if p.Limit != nil && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return ReadTextFileResult{Content: content}, nil
}

func handleWriteTextFile(params json.RawMessage) (any, *rpc.Error) {
	var p WriteTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpc.Error{Code: -32602, Message: "malformed writeTextFile params"}
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return nil, &rpc.Error{Code: -32000, Message: fmt.Sprintf("write %s: %v", p.Path, err)}
	}
	if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
		return nil, &rpc.Error{Code: -32000, Message: fmt.Sprintf("write %s: %v", p.Path, err)}
	}
	return struct{}{}, nil
}
