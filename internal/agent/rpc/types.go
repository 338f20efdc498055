package rpc

import (
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC 2.0 request. ID is nil for notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object. It implements the error interface so
// callers can inspect the code and message of a failed call.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NotificationHandler handles inbound notifications (no response expected).
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler handles inbound agent-initiated requests. The returned
// result is marshaled into the response; a non-nil *Error is sent instead.
type RequestHandler func(method string, params json.RawMessage) (any, *Error)

// Tap mirrors a raw protocol line. Direction is "send" or "recv".
type Tap func(direction string, line []byte)

// SideChannelHandler receives raw lines diverted before JSON-RPC parsing.
type SideChannelHandler func(line []byte)
