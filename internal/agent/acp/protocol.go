// Package acp implements the agent-side dialect: newline-delimited JSON-RPC
// over the agent subprocess's stdio, the initialize handshake, session
// methods, and server-initiated requests.
package acp

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/agentboard/agentboard/internal/agent/rpc"
)

// ProtocolVersion is the dialect version exchanged during initialize.
const ProtocolVersion = 1

// Method names of the dialect.
const (
	MethodInitialize      = "initialize"
	MethodNewSession      = "newSession"
	MethodPrompt          = "prompt"
	MethodCancel          = "cancel"
	MethodSetSessionMode  = "setSessionMode"
	MethodSetSessionModel = "unstable_setSessionModel"
	MethodForkSession     = "unstable_forkSession"
	MethodResumeSession   = "unstable_resumeSession"
	MethodAuthenticate    = "authenticate"
	MethodExt             = "extMethod"
)

// Ext sub-method names routed through extMethod.
const (
	ExtSessionsList         = "sessions/list"
	ExtSessionsGetHistory   = "sessions/getHistory"
	ExtSessionsSubagentHist = "sessions/getSubagentHistory"
	ExtSessionsRename       = "sessions/rename"
	ExtSessionsDelete       = "sessions/delete"
	ExtSessionsGetCommands  = "sessions/getAvailableCommands"
	ExtSessionsGetSubagents = "sessions/getSubagents"
	ExtTasksList            = "tasks/list"
)

// Server-initiated (agent -> daemon) method names.
const (
	MethodSessionUpdate     = "sessionUpdate"
	MethodRequestPermission = "requestPermission"
	MethodReadTextFile      = "readTextFile"
	MethodWriteTextFile     = "writeTextFile"
)

// Implementation identifies one side of the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities advertises what the daemon supports.
type ClientCapabilities struct {
	FS struct {
		ReadTextFile  bool `json:"readTextFile"`
		WriteTextFile bool `json:"writeTextFile"`
	} `json:"fs"`
}

// AgentCapabilities is what the agent reported during initialize.
type AgentCapabilities struct {
	LoadSession bool `json:"loadSession"`
}

// InitializeParams is the initialize request payload.
type InitializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientInfo      Implementation     `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"capabilities"`
}

// InitializeResult is the initialize response payload.
type InitializeResult struct {
	ProtocolVersion int               `json:"protocolVersion"`
	AgentInfo       *Implementation   `json:"agentInfo,omitempty"`
	Capabilities    AgentCapabilities `json:"agentCapabilities"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ModeInfo describes one session mode.
type ModeInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// NewSessionParams creates a conversational session.
type NewSessionParams struct {
	Cwd string `json:"cwd"`
}

// NewSessionResult is the newSession response payload.
type NewSessionResult struct {
	SessionID string      `json:"sessionId"`
	Models    []ModelInfo `json:"models,omitempty"`
	Modes     []ModeInfo  `json:"modes,omitempty"`
}

// ResumeSessionParams reopens a persisted session.
type ResumeSessionParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
}

// ContentChunk is one piece of prompt content.
type ContentChunk struct {
	Type     string `json:"type"` // text, image, resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`     // base64 for images
	MimeType string `json:"mimeType,omitempty"` // for images
	URI      string `json:"uri,omitempty"`      // for file resources
}

// TextChunk builds a text content chunk.
func TextChunk(text string) ContentChunk {
	return ContentChunk{Type: "text", Text: text}
}

// ImageChunk builds an image content chunk.
func ImageChunk(data, mimeType string) ContentChunk {
	return ContentChunk{Type: "image", Data: data, MimeType: mimeType}
}

// FileChunk builds a file resource chunk.
func FileChunk(uri string) ContentChunk {
	return ContentChunk{Type: "resource", URI: uri}
}

// PromptParams runs one turn.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentChunk `json:"prompt"`
}

// TurnMeta carries completion stats reported by the agent.
type TurnMeta struct {
	DurationMs   int64   `json:"durationMs,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`
}

// PromptResult is the prompt response payload.
type PromptResult struct {
	StopReason string    `json:"stopReason"`
	Meta       *TurnMeta `json:"meta,omitempty"`
}

// CancelParams cancels the active turn of a session.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SetSessionModeParams switches the session mode.
type SetSessionModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetSessionModelParams switches the session model.
type SetSessionModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// ForkSessionParams forks a session at its current state.
type ForkSessionParams struct {
	SessionID string `json:"sessionId"`
}

// ForkSessionResult is the fork response payload.
type ForkSessionResult struct {
	SessionID string `json:"sessionId"`
}

// AuthenticateParams selects an authentication method.
type AuthenticateParams struct {
	MethodID string `json:"methodId"`
}

// ExtParams wraps a pass-through ext call.
type ExtParams struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SessionNotification is the sessionUpdate notification payload.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is a union; exactly one member is set.
type SessionUpdate struct {
	AgentMessageChunk *ContentChunkUpdate `json:"agentMessageChunk,omitempty"`
	AgentThoughtChunk *ContentChunkUpdate `json:"agentThoughtChunk,omitempty"`
	ToolCall          *ToolCallUpdate     `json:"toolCall,omitempty"`
	ToolCallUpdate    *ToolCallUpdate     `json:"toolCallUpdate,omitempty"`
	Plan              *PlanUpdate         `json:"plan,omitempty"`
	SessionInfo       json.RawMessage     `json:"sessionInfo,omitempty"`
	AvailableCommands json.RawMessage     `json:"availableCommandsUpdate,omitempty"`
}

// ContentChunkUpdate wraps streamed content.
type ContentChunkUpdate struct {
	Content ContentChunk `json:"content"`
}

// ToolCallUpdate carries tool call starts and progress.
type ToolCallUpdate struct {
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Title      string          `json:"title,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// PlanUpdate carries a plan revision.
type PlanUpdate struct {
	Entries []PlanEntry `json:"entries"`
}

// PlanEntry is one plan step.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// PermissionRequestParams is the requestPermission request payload.
type PermissionRequestParams struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		ToolCallID string `json:"toolCallId"`
		Title      string `json:"title,omitempty"`
		Kind       string `json:"kind,omitempty"`
	} `json:"toolCall"`
	Options []PermissionOption `json:"options"`
}

// PermissionOption is one selectable permission answer.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
}

// PermissionOutcome is the requestPermission response payload.
type PermissionOutcome struct {
	Outcome struct {
		Selected  *struct {
			OptionID string `json:"optionId"`
		} `json:"selected,omitempty"`
		Cancelled bool `json:"cancelled,omitempty"`
	} `json:"outcome"`
}

// SelectedOutcome builds a permission response selecting an option.
func SelectedOutcome(optionID string) PermissionOutcome {
	var out PermissionOutcome
	out.Outcome.Selected = &struct {
		OptionID string `json:"optionId"`
	}{OptionID: optionID}
	return out
}

// CancelledOutcome builds a cancelled permission response.
func CancelledOutcome() PermissionOutcome {
	var out PermissionOutcome
	out.Outcome.Cancelled = true
	return out
}

// ReadTextFileParams is the readTextFile request payload.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResult is the readTextFile response payload.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams is the writeTextFile request payload.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// sessionGoneSubstrings is the documented match set for transparent session
// replacement. Evolve it here, nowhere else.
var sessionGoneSubstrings = []string{
	"No conversation found",
	"Session not found",
}

// sessionGoneCode is the JSON-RPC error code agents use for a vanished
// session.
const sessionGoneCode = -32603

// IsSessionGone reports whether an RPC error means the agent lost the
// session and the caller should create a replacement.
func IsSessionGone(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == sessionGoneCode {
			return true
		}
	}
	msg := err.Error()
	for _, s := range sessionGoneSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
