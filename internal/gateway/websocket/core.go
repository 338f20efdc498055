package websocket

import (
	"context"
	"encoding/json"

	"github.com/agentboard/agentboard/internal/agent/acp"
	"github.com/agentboard/agentboard/internal/kanban"
	"github.com/agentboard/agentboard/internal/queue"
	"github.com/agentboard/agentboard/internal/stream"
	"github.com/agentboard/agentboard/internal/workerpool"
)

// Core is the daemon surface the gateway drives. The daemon outlives the
// gateway across hot reloads; the gateway only holds this interface.
type Core interface {
	CreateSession(ctx context.Context, executor, projectPath string) (string, error)
	Prompt(ctx context.Context, sessionID, text string, images []queue.Attachment, files []string) error
	PoolPrompt(ctx context.Context, sessionID, text string) error
	Interrupt(ctx context.Context, sessionID string)
	InterruptAndPrompt(ctx context.Context, sessionID, text string, images []queue.Attachment, files []string) error
	EnqueueMessage(ctx context.Context, sessionID, text string, images []queue.Attachment, files []string) error
	CancelQueuedMessage(queueID string)
	RenameSession(ctx context.Context, sessionID, title string) error
	DeleteSession(ctx context.Context, sessionID string) ([]string, error)
	ResolvePermission(requestID, optionID string) error
	ApplyKanbanOps(ctx context.Context, ops []kanban.Op) error
	KanbanSnapshot(ctx context.Context) (kanban.Snapshot, error)
	BroadcastSessions(ctx context.Context)
	Replay(sessionID string) (meta []stream.Event, buffered []stream.Event, turn *stream.TurnSnapshot)
	GetHistory(ctx context.Context, sessionID string) (json.RawMessage, error)
	GetSubagentHistory(ctx context.Context, parentID, agentID string) (json.RawMessage, error)
	GetSubagents(ctx context.Context, sessionID string) (json.RawMessage, error)
	GetAvailableCommands(ctx context.Context, hint string) (json.RawMessage, error)
	GetTasksList(ctx context.Context, sessionID string) (json.RawMessage, []acp.SideTask, error)
	Executors() []stream.ExecutorInfo
	PoolMetrics() workerpool.MetricsSnapshot
}
