// Package websocket is the client transport: a hub fanning broadcast events
// out to connected board clients and a command surface mapping client
// messages onto daemon operations.
package websocket

import (
	"encoding/json"
	"fmt"
)

// Client command actions.
const (
	ActionCreateSession      = "create_session"
	ActionPrompt             = "prompt"
	ActionPoolPrompt         = "pool_prompt"
	ActionInterrupt          = "interrupt"
	ActionInterruptAndPrompt = "interrupt_and_prompt"
	ActionEnqueue            = "enqueue"
	ActionCancelQueued       = "cancel_queued"
	ActionRename             = "rename"
	ActionDelete             = "delete"
	ActionResolvePermission  = "resolve_permission"
	ActionKanbanOp           = "kanban_op"
	ActionListSessions       = "list_sessions"
	ActionAttach             = "attach"
	ActionGetHistory         = "get_history"
	ActionGetSubagents       = "get_subagents"
	ActionGetSubagentHistory = "get_subagent_history"
	ActionGetCommands        = "get_commands"
	ActionGetTasks           = "get_tasks"
)

// Command is one inbound client message.
type Command struct {
	ID      string          `json:"id,omitempty"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParsePayload unmarshals the command payload into v.
func (c *Command) ParsePayload(v any) error {
	if len(c.Payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(c.Payload, v)
}

// Response answers one command.
type Response struct {
	ID      string `json:"id,omitempty"`
	Action  string `json:"action"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

func okResponse(cmd *Command, payload any) *Response {
	return &Response{ID: cmd.ID, Action: cmd.Action, OK: true, Payload: payload}
}

func errResponse(cmd *Command, err error) *Response {
	return &Response{ID: cmd.ID, Action: cmd.Action, OK: false, Error: err.Error()}
}
