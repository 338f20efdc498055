// Package stream defines the broadcast event envelope the daemon pushes to
// connected clients, and the vocabulary shared by the session registry,
// queue, and gateway.
package stream

import (
	"encoding/json"
	"time"
)

// EventType discriminates broadcast envelopes.
type EventType string

const (
	EventText               EventType = "text"
	EventThought            EventType = "thought"
	EventToolCall           EventType = "tool_call"
	EventToolCallUpdate     EventType = "tool_call_update"
	EventPlan               EventType = "plan"
	EventPermissionRequest  EventType = "permission_request"
	EventPermissionResolved EventType = "permission_resolved"
	EventError              EventType = "error"
	EventTurnStart          EventType = "turn_start"
	EventTurnActivity       EventType = "turn_activity"
	EventTurnEnd            EventType = "turn_end"
	EventTurnContentReplay  EventType = "turn_content_replay"
	EventSessionInfo        EventType = "session_info"
	EventSessionTitle       EventType = "session_title_update"
	EventSessions           EventType = "sessions"
	EventSessionReplaced    EventType = "session_replaced"
	EventKanbanStateChanged EventType = "kanban_state_changed"
	EventMessageQueued      EventType = "message_queued"
	EventQueueDrainStart    EventType = "queue_drain_start"
	EventQueueCancelled     EventType = "queue_cancelled"
	EventExecutors          EventType = "executors"
	EventSystem             EventType = "system"
	EventCommands           EventType = "commands"
	EventProtocol           EventType = "protocol"

	// EventSetActivity is synthetic: side components inject it to override
	// the derived activity. It never reaches clients.
	EventSetActivity EventType = "set_activity"
)

// Activity is the short derived label describing what a session is doing.
type Activity string

const (
	ActivityBrewing    Activity = "brewing"
	ActivityThinking   Activity = "thinking"
	ActivityResponding Activity = "responding"
	ActivityReading    Activity = "reading"
	ActivityEditing    Activity = "editing"
	ActivityRunning    Activity = "running"
	ActivitySearching  Activity = "searching"
	ActivityDelegating Activity = "delegating"
	ActivityPlanning   Activity = "planning"
	ActivityCompacting Activity = "compacting"
)

// StopReason reports why a turn ended.
type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopError         StopReason = "error"
	StopMaxTokens     StopReason = "max_tokens"
	StopCancelled     StopReason = "cancelled"
	StopServerRestart StopReason = "server_restart"
	StopDisconnected  StopReason = "disconnected"
)

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

const (
	TurnInProgress TurnStatus = "in_progress"
	TurnCompleted  TurnStatus = "completed"
	TurnError      TurnStatus = "error"
)

// ToolCall carries tool invocation data for tool_call and tool_call_update
// events.
type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Title    string          `json:"title,omitempty"`
	Status   string          `json:"status,omitempty"`
	RawInput json.RawMessage `json:"raw_input,omitempty"`
}

// PlanEntry is one step of an agent plan update.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// PermissionOption is one selectable answer to a permission request.
type PermissionOption struct {
	OptionID string `json:"option_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
}

// PermissionRequest carries an agent permission prompt to clients.
type PermissionRequest struct {
	RequestID  string             `json:"request_id"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	Title      string             `json:"title,omitempty"`
	Options    []PermissionOption `json:"options"`
}

// PermissionResolution reports how a permission request was answered.
type PermissionResolution struct {
	RequestID  string `json:"request_id"`
	OptionID   string `json:"option_id"`
	OptionName string `json:"option_name,omitempty"`
}

// TurnSnapshot is the wire projection of a session's turn state.
type TurnSnapshot struct {
	Status             TurnStatus `json:"status"`
	StartedAt          int64      `json:"started_at,omitempty"` // epoch ms
	EndedAt            int64      `json:"ended_at,omitempty"`   // epoch ms
	ApproxTokens       int        `json:"approx_tokens"`
	ThinkingDurationMs int64      `json:"thinking_duration_ms"`
	Activity           Activity   `json:"activity,omitempty"`
	ActivityDetail     string     `json:"activity_detail,omitempty"`
	OutputTokens       int        `json:"output_tokens,omitempty"`
	CostUSD            float64    `json:"cost_usd,omitempty"`
	DurationMs         int64      `json:"duration_ms,omitempty"`
	StopReason         StopReason `json:"stop_reason,omitempty"`
}

// SessionSummary is the explicit projection of a listed session carried by
// the sessions event. Only the fields the board renders.
type SessionSummary struct {
	ID          string        `json:"id"`
	Executor    string        `json:"executor"`
	Live        bool          `json:"live"`
	Title       string        `json:"title,omitempty"`
	ProjectPath string        `json:"project_path,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at,omitempty"`
	Turn        *TurnSnapshot `json:"turn,omitempty"`
}

// Replacement reports a transparent session swap after a "session gone"
// error.
type Replacement struct {
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
}

// QueuedInfo describes one queued message for queue events.
type QueuedInfo struct {
	QueueID string    `json:"queue_id"`
	Text    string    `json:"text,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// ExecutorInfo reports availability of one executor kind.
type ExecutorInfo struct {
	Kind         string `json:"kind"`
	Available    bool   `json:"available"`
	AgentName    string `json:"agent_name,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
}

// ProtocolLine mirrors one raw RPC line for the protocol-debug panel.
type ProtocolLine struct {
	Executor  string `json:"executor"`
	Direction string `json:"direction"` // "send" or "recv"
	Line      string `json:"line"`
}

// Event is the tagged envelope broadcast to clients. Type selects which of
// the optional fields are populated; SessionID is nil for app-wide events.
type Event struct {
	Type      EventType `json:"type"`
	SessionID *string   `json:"session_id,omitempty"`

	Text       string                `json:"text,omitempty"`
	Tool       *ToolCall             `json:"tool,omitempty"`
	Plan       []PlanEntry           `json:"plan,omitempty"`
	Permission *PermissionRequest    `json:"permission,omitempty"`
	Resolution *PermissionResolution `json:"resolution,omitempty"`
	Detail     string                `json:"detail,omitempty"` // error detail, activity detail
	Activity   Activity              `json:"activity,omitempty"`
	Turn       *TurnSnapshot         `json:"turn,omitempty"`
	Sessions   []SessionSummary      `json:"sessions,omitempty"`
	Replaced   *Replacement          `json:"replaced,omitempty"`
	Queue      *QueuedInfo           `json:"queue,omitempty"`
	Executors  []ExecutorInfo        `json:"executors,omitempty"`
	Replay     []Event               `json:"replay,omitempty"`
	Protocol   *ProtocolLine         `json:"protocol,omitempty"`
	Title      string                `json:"title,omitempty"`
	Meta       json.RawMessage       `json:"meta,omitempty"`
	Stop       StopReason            `json:"stop_reason,omitempty"`
}

// bufferableTypes is the set replayed to clients that join mid-turn.
var bufferableTypes = map[EventType]bool{
	EventText:               true,
	EventThought:            true,
	EventToolCall:           true,
	EventToolCallUpdate:     true,
	EventPlan:               true,
	EventPermissionRequest:  true,
	EventPermissionResolved: true,
	EventError:              true,
}

// Bufferable reports whether the event belongs in the in-turn replay buffer.
func (e *Event) Bufferable() bool {
	return bufferableTypes[e.Type]
}

// metaTypes is the set kept per session and replayed on session switch.
var metaTypes = map[EventType]bool{
	EventSessionInfo: true,
	EventSystem:      true,
	EventCommands:    true,
}

// SessionMeta reports whether the event is session metadata cached for
// late-join replay.
func (e *Event) SessionMeta() bool {
	return metaTypes[e.Type]
}

// SID returns the event's session id or "" for app-wide events.
func (e *Event) SID() string {
	if e.SessionID == nil {
		return ""
	}
	return *e.SessionID
}

// SessionID is a convenience for building events.
func SessionID(id string) *string {
	return &id
}
