package kanban

import (
	"context"
)

// ManagedSession is what the daemon recorded when it created a session.
type ManagedSession struct {
	ProjectPath string
}

// Store is the durable board state. Implementations must apply op batches
// transactionally.
type Store interface {
	// Snapshot returns the current board state.
	Snapshot(ctx context.Context) (Snapshot, error)

	// ApplyOps applies an ordered batch; either all ops land or none do.
	ApplyOps(ctx context.Context, ops []Op) error

	// CleanStaleSessions removes every override, pending prompt, and
	// sort-order entry whose session is neither in valid nor managed.
	// Returns true when anything was removed.
	CleanStaleSessions(ctx context.Context, valid map[string]struct{}) (bool, error)

	// Executor-kind map. Kind lookups for unknown sessions return the
	// store's default (primary) kind.
	SetExecutorKind(ctx context.Context, sessionID, kind string) error
	ExecutorKind(ctx context.Context, sessionID string) (string, error)
	AllExecutorKinds(ctx context.Context) (map[string]string, error)
	DeleteExecutorKind(ctx context.Context, sessionID string) error

	// Managed-session registry.
	RegisterManagedSession(ctx context.Context, sessionID, projectPath string) error
	ManagedSessionInfo(ctx context.Context) (map[string]ManagedSession, error)
	ManagedSessionIDs(ctx context.Context) (map[string]struct{}, error)
	DeleteManagedSession(ctx context.Context, sessionID string) error

	Close() error
}
