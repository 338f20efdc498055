// Package rpc implements newline-delimited JSON-RPC 2.0 over an agent's
// stdio, with an observability tap and a side-channel line divert.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
)

// SideChannelPrefix marks out-of-band lines multiplexed on the agent's
// stdout. Lines starting with it are diverted before JSON-RPC parsing.
const SideChannelPrefix = "%TSK"

// ErrClientClosed is returned for calls pending when the connection closes.
var ErrClientClosed = errors.New("rpc client closed")

// maxLineBytes bounds a single protocol line. Agents stream large tool
// results in one line, so this is generous.
const maxLineBytes = 16 * 1024 * 1024

// Client handles JSON-RPC 2.0 communication over stdin/stdout streams.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	pending   map[int64]chan *Response
	mu        sync.Mutex
	writeMu   sync.Mutex
	closed    bool

	onNotification NotificationHandler
	onRequest      RequestHandler
	onSideChannel  SideChannelHandler
	onClose        func(err error)
	tap            Tap

	logger *logger.Logger
	done   chan struct{}
}

// NewClient creates a new JSON-RPC client over the given streams.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]chan *Response),
		logger:  log.WithFields(zap.String("component", "jsonrpc-client")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for inbound notifications.
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for inbound agent-initiated requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.onRequest = handler
}

// SetSideChannelHandler sets the handler for diverted side-channel lines.
func (c *Client) SetSideChannelHandler(handler SideChannelHandler) {
	c.onSideChannel = handler
}

// SetTap installs the observability tap. The tap sees every inbound and
// outbound line in order; it must not block.
func (c *Client) SetTap(tap Tap) {
	c.tap = tap
}

// SetCloseHandler sets the callback invoked once when the read loop exits.
func (c *Client) SetCloseHandler(handler func(err error)) {
	c.onClose = handler
}

// Start begins reading messages from stdout.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client and fails all pending calls.
func (c *Client) Stop() {
	c.failPending(nil)
}

// Call sends a request and waits for the matching response. A JSON-RPC error
// response is returned as a *Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  paramsJSON,
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, ErrClientClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return c.send(&Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if tap := c.tap; tap != nil {
		tap("send", data)
	}

	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	reader := newLineReader(c.stdout, maxLineBytes)

	var loopErr error
	for {
		select {
		case <-ctx.Done():
			c.failPending(ctx.Err())
			return
		case <-c.done:
			return
		default:
		}

		line, err := reader.next()
		if err != nil {
			if err != io.EOF {
				loopErr = err
				c.logger.Error("read loop error", zap.Error(err))
			}
			break
		}
		if len(line) == 0 {
			continue
		}

		// Side-channel lines never reach the JSON-RPC parser.
		if bytes.HasPrefix(line, []byte(SideChannelPrefix)) {
			if h := c.onSideChannel; h != nil {
				h(line[len(SideChannelPrefix):])
			}
			continue
		}

		if tap := c.tap; tap != nil {
			tap("recv", line)
		}

		c.dispatch(line)
	}

	c.failPending(loopErr)
}

// dispatch routes one protocol line: response, request, or notification.
func (c *Client) dispatch(line []byte) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		c.logger.Warn("received unparseable line", zap.ByteString("data", line))
		return
	}

	switch {
	case probe.ID != nil && probe.Method == "":
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("received malformed response", zap.Error(err))
			return
		}
		c.handleResponse(&resp)

	case probe.ID != nil:
		c.handleRequest(*probe.ID, probe.Method, probe.Params)

	case probe.Method != "":
		if h := c.onNotification; h != nil {
			h(probe.Method, probe.Params)
		}

	default:
		c.logger.Warn("received unknown message format", zap.ByteString("data", line))
	}
}

func (c *Client) handleResponse(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[*resp.ID]
	c.mu.Unlock()

	if ok {
		ch <- resp
	} else {
		c.logger.Warn("received response for unknown request", zap.Int64p("id", resp.ID))
	}
}

// handleRequest answers an agent-initiated request. Handlers may block on
// user interaction (permission prompts), so each runs on its own goroutine;
// the write mutex keeps response framing intact.
func (c *Client) handleRequest(id int64, method string, params json.RawMessage) {
	handler := c.onRequest
	go func() {
		resp := &Response{JSONRPC: "2.0", ID: &id}
		if handler == nil {
			resp.Error = &Error{Code: -32601, Message: "method not found: " + method}
		} else {
			result, rpcErr := handler(method, params)
			if rpcErr != nil {
				resp.Error = rpcErr
			} else if data, err := json.Marshal(result); err != nil {
				resp.Error = &Error{Code: -32603, Message: "failed to marshal result"}
			} else {
				resp.Result = data
			}
		}
		if err := c.send(resp); err != nil {
			c.logger.Error("failed to send response", zap.String("method", method), zap.Error(err))
		}
	}()
}

// failPending closes the client and fails outstanding calls exactly once.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan *Response)
	c.mu.Unlock()

	close(c.done)
	for _, ch := range pending {
		ch <- nil
	}
	if c.onClose != nil {
		c.onClose(err)
	}
}

// lineReader yields newline-delimited lines without the scanner's token
// size cliff: oversized lines error out instead of silently truncating.
type lineReader struct {
	r        io.Reader
	buf      []byte
	pending  []byte
	maxBytes int
}

func newLineReader(r io.Reader, maxBytes int) *lineReader {
	return &lineReader{r: r, buf: make([]byte, 64*1024), maxBytes: maxBytes}
}

func (lr *lineReader) next() ([]byte, error) {
	for {
		if i := bytes.IndexByte(lr.pending, '\n'); i >= 0 {
			line := lr.pending[:i]
			lr.pending = lr.pending[i+1:]
			return bytes.TrimSuffix(line, []byte("\r")), nil
		}
		if len(lr.pending) > lr.maxBytes {
			return nil, fmt.Errorf("protocol line exceeds %d bytes", lr.maxBytes)
		}
		n, err := lr.r.Read(lr.buf)
		if n > 0 {
			lr.pending = append(lr.pending, lr.buf[:n]...)
			continue
		}
		if err != nil {
			if err == io.EOF && len(lr.pending) > 0 {
				line := lr.pending
				lr.pending = nil
				return line, nil
			}
			return nil, err
		}
	}
}
