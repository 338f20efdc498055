package kanban

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenStore(config.StoreConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "board.db"),
	}, "claude", logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestApplyOpsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.ApplyOps(ctx, []Op{
		SetColumnOp("s1", ColumnInProgress),
		SetColumnOp("s2", ColumnBacklog),
		{Type: OpSetSortOrder, Column: ColumnInProgress, Order: []string{"s1", "s3"}},
		{Type: OpSetPendingPrompt, SessionID: "s2", Text: "write the migration"},
	})
	require.NoError(t, err)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ColumnInProgress, snap.ColumnOverrides["s1"])
	assert.Equal(t, ColumnBacklog, snap.ColumnOverrides["s2"])
	assert.Equal(t, []string{"s1", "s3"}, snap.SortOrders[ColumnInProgress])
	assert.Equal(t, "write the migration", snap.PendingPrompts["s2"])
}

func TestApplyOpsLastWriterWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ApplyOps(ctx, []Op{
		SetColumnOp("s1", ColumnBacklog),
		SetColumnOp("s1", ColumnCompleted),
	}))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ColumnCompleted, snap.ColumnOverrides["s1"])
}

func TestApplyOpsInverseRestoresSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	before, err := store.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, store.ApplyOps(ctx, []Op{SetColumnOp("s1", ColumnInReview)}))
	require.NoError(t, store.ApplyOps(ctx, []Op{{Type: OpRemoveColumn, SessionID: "s1"}}))

	after, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApplyOpsRejectsInvalidBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.ApplyOps(ctx, []Op{
		SetColumnOp("s1", ColumnInProgress),
		{Type: OpSetColumn, SessionID: "s2", Column: "launchpad"},
	})
	require.Error(t, err)

	// Nothing from the batch landed.
	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.ColumnOverrides)
}

func TestBulkOps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ApplyOps(ctx, []Op{
		{Type: OpBulkSetColumns, Entries: []ColumnEntry{
			{SessionID: "s1", Column: ColumnCompleted},
			{SessionID: "s2", Column: ColumnCompleted},
		}},
		{Type: OpSetSortOrder, Column: ColumnCompleted, Order: []string{"s1", "s2", "s3"}},
		{Type: OpBulkRemoveSortEntries, SessionIDs: []string{"s2"}},
	}))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ColumnCompleted, snap.ColumnOverrides["s1"])
	assert.Equal(t, ColumnCompleted, snap.ColumnOverrides["s2"])
	assert.Equal(t, []string{"s1", "s3"}, snap.SortOrders[ColumnCompleted])
}

func TestCleanStaleSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ApplyOps(ctx, []Op{
		SetColumnOp("live", ColumnInProgress),
		SetColumnOp("managed-only", ColumnBacklog),
		SetColumnOp("stale", ColumnInReview),
		{Type: OpSetPendingPrompt, SessionID: "stale", Text: "gone"},
		{Type: OpSetSortOrder, Column: ColumnInProgress, Order: []string{"live", "stale"}},
	}))
	require.NoError(t, store.SetExecutorKind(ctx, "stale", "codex"))
	require.NoError(t, store.RegisterManagedSession(ctx, "managed-only", "/work"))

	removed, err := store.CleanStaleSessions(ctx, map[string]struct{}{"live": {}})
	require.NoError(t, err)
	assert.True(t, removed)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, snap.ColumnOverrides, "live")
	assert.Contains(t, snap.ColumnOverrides, "managed-only") // managed survives
	assert.NotContains(t, snap.ColumnOverrides, "stale")
	assert.NotContains(t, snap.PendingPrompts, "stale")
	assert.Equal(t, []string{"live"}, snap.SortOrders[ColumnInProgress])

	kind, err := store.ExecutorKind(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, "claude", kind) // binding pruned, falls back to default

	// Second pass with everything valid removes nothing.
	removed, err = store.CleanStaleSessions(ctx, map[string]struct{}{"live": {}})
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestExecutorKindDefaultsToPrimary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	kind, err := store.ExecutorKind(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, "claude", kind)

	require.NoError(t, store.SetExecutorKind(ctx, "s1", "codex"))
	kind, err = store.ExecutorKind(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "codex", kind)

	all, err := store.AllExecutorKinds(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s1": "codex"}, all)

	require.NoError(t, store.DeleteExecutorKind(ctx, "s1"))
	kind, err = store.ExecutorKind(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "claude", kind)
}

func TestManagedSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterManagedSession(ctx, "s1", "/repo/a"))
	require.NoError(t, store.RegisterManagedSession(ctx, "s2", ""))

	info, err := store.ManagedSessionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/repo/a", info["s1"].ProjectPath)

	ids, err := store.ManagedSessionIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	require.NoError(t, store.DeleteManagedSession(ctx, "s1"))
	ids, err = store.ManagedSessionIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, "s1")
}

func TestSchemaVersionMismatchResetsBoard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.db")
	cfg := config.StoreConfig{Driver: "sqlite", Path: path}
	ctx := context.Background()

	store, err := OpenStore(cfg, "claude", logger.Default())
	require.NoError(t, err)
	require.NoError(t, store.ApplyOps(ctx, []Op{SetColumnOp("s1", ColumnInProgress)}))
	_, err = store.db.Exec(store.db.Rebind("UPDATE board_meta SET value = ? WHERE key = ?"),
		"999", "schema_version")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenStore(cfg, "claude", logger.Default())
	require.NoError(t, err)
	defer reopened.Close()

	snap, err := reopened.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.ColumnOverrides)
}

func TestSnapshotApplyMatchesStore(t *testing.T) {
	ops := []Op{
		SetColumnOp("s1", ColumnInProgress),
		{Type: OpSetPendingPrompt, SessionID: "s1", Text: "p"},
		{Type: OpSetSortOrder, Column: ColumnInProgress, Order: []string{"s1", "s2"}},
		{Type: OpBulkRemoveSortEntries, SessionIDs: []string{"s2"}},
		{Type: OpRemovePendingPrompt, SessionID: "s1"},
	}

	mem := NewSnapshot()
	for _, op := range ops {
		mem.Apply(op)
	}

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.ApplyOps(ctx, ops))
	persisted, err := store.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, mem.ColumnOverrides, persisted.ColumnOverrides)
	assert.Equal(t, mem.SortOrders, persisted.SortOrders)
	assert.Equal(t, mem.PendingPrompts, persisted.PendingPrompts)
}
