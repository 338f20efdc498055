package kanban

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
)

// schemaVersion is bumped on incompatible layout changes. A stored mismatch
// resets the board: the snapshot is discarded and ops replay from empty.
const schemaVersion = 1

var boardTables = []string{
	"column_overrides",
	"sort_orders",
	"pending_prompts",
	"executor_kinds",
	"managed_sessions",
}

const createSchema = `
CREATE TABLE IF NOT EXISTS board_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS column_overrides (
	session_id TEXT PRIMARY KEY,
	col        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sort_orders (
	col     TEXT PRIMARY KEY,
	entries TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_prompts (
	session_id TEXT PRIMARY KEY,
	prompt     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS executor_kinds (
	session_id TEXT PRIMARY KEY,
	kind       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS managed_sessions (
	session_id   TEXT PRIMARY KEY,
	project_path TEXT NOT NULL DEFAULT ''
);
`

// SQLStore is the sqlx-backed board store. SQLite is the default embedded
// store; Postgres is supported for shared setups.
type SQLStore struct {
	db          *sqlx.DB
	defaultKind string
	logger      *logger.Logger
}

// OpenStore opens the configured store and ensures the schema.
func OpenStore(cfg config.StoreConfig, defaultKind string, log *logger.Logger) (*SQLStore, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = config.DefaultStorePath()
		}
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create store directory: %w", mkErr)
		}
		db, err = sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	case "postgres":
		db, err = sqlx.Connect("pgx", cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open board store: %w", err)
	}

	s := &SQLStore{
		db:          db,
		defaultKind: defaultKind,
		logger:      log.WithFields(zap.String("component", "kanban-store")),
	}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema() error {
	if _, err := s.db.Exec(createSchema); err != nil {
		return fmt.Errorf("create board schema: %w", err)
	}

	var stored string
	err := s.db.Get(&stored, s.db.Rebind("SELECT value FROM board_meta WHERE key = ?"), "schema_version")
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(s.db.Rebind("INSERT INTO board_meta (key, value) VALUES (?, ?)"),
			"schema_version", strconv.Itoa(schemaVersion))
		return err
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}

	if stored == strconv.Itoa(schemaVersion) {
		return nil
	}

	s.logger.Warn("board schema version mismatch, resetting board state",
		zap.String("stored", stored), zap.Int("expected", schemaVersion))
	for _, table := range boardTables {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("reset table %s: %w", table, err)
		}
	}
	_, err = s.db.Exec(s.db.Rebind("UPDATE board_meta SET value = ? WHERE key = ?"),
		strconv.Itoa(schemaVersion), "schema_version")
	return err
}

// Snapshot loads the full board state.
func (s *SQLStore) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := NewSnapshot()

	rows, err := s.db.QueryxContext(ctx, "SELECT session_id, col FROM column_overrides")
	if err != nil {
		return snap, fmt.Errorf("load column overrides: %w", err)
	}
	for rows.Next() {
		var id, col string
		if err := rows.Scan(&id, &col); err != nil {
			rows.Close()
			return snap, err
		}
		snap.ColumnOverrides[id] = Column(col)
	}
	rows.Close()

	rows, err = s.db.QueryxContext(ctx, "SELECT col, entries FROM sort_orders")
	if err != nil {
		return snap, fmt.Errorf("load sort orders: %w", err)
	}
	for rows.Next() {
		var col, entriesJSON string
		if err := rows.Scan(&col, &entriesJSON); err != nil {
			rows.Close()
			return snap, err
		}
		var order []string
		if err := json.Unmarshal([]byte(entriesJSON), &order); err != nil {
			rows.Close()
			return snap, fmt.Errorf("corrupt sort order for %s: %w", col, err)
		}
		snap.SortOrders[Column(col)] = order
	}
	rows.Close()

	rows, err = s.db.QueryxContext(ctx, "SELECT session_id, prompt FROM pending_prompts")
	if err != nil {
		return snap, fmt.Errorf("load pending prompts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, prompt string
		if err := rows.Scan(&id, &prompt); err != nil {
			return snap, err
		}
		snap.PendingPrompts[id] = prompt
	}
	return snap, rows.Err()
}

// ApplyOps applies the batch in one transaction.
func (s *SQLStore) ApplyOps(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin op batch: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if err := s.applyOp(ctx, tx, op); err != nil {
			return fmt.Errorf("apply %s: %w", op.Type, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) applyOp(ctx context.Context, tx *sqlx.Tx, op Op) error {
	switch op.Type {
	case OpSetColumn:
		return s.upsertColumn(ctx, tx, op.SessionID, op.Column)

	case OpRemoveColumn:
		_, err := tx.ExecContext(ctx,
			tx.Rebind("DELETE FROM column_overrides WHERE session_id = ?"), op.SessionID)
		return err

	case OpSetSortOrder:
		entries, err := json.Marshal(op.Order)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO sort_orders (col, entries) VALUES (?, ?)
			 ON CONFLICT (col) DO UPDATE SET entries = excluded.entries`),
			string(op.Column), string(entries))
		return err

	case OpSetPendingPrompt:
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO pending_prompts (session_id, prompt) VALUES (?, ?)
			 ON CONFLICT (session_id) DO UPDATE SET prompt = excluded.prompt`),
			op.SessionID, op.Text)
		return err

	case OpRemovePendingPrompt:
		_, err := tx.ExecContext(ctx,
			tx.Rebind("DELETE FROM pending_prompts WHERE session_id = ?"), op.SessionID)
		return err

	case OpBulkSetColumns:
		for _, e := range op.Entries {
			if err := s.upsertColumn(ctx, tx, e.SessionID, e.Column); err != nil {
				return err
			}
		}
		return nil

	case OpBulkRemoveSortEntries:
		return s.removeSortEntries(ctx, tx, op.SessionIDs)
	}
	return fmt.Errorf("unknown op type %q", op.Type)
}

func (s *SQLStore) upsertColumn(ctx context.Context, tx *sqlx.Tx, sessionID string, col Column) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO column_overrides (session_id, col) VALUES (?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET col = excluded.col`),
		sessionID, string(col))
	return err
}

func (s *SQLStore) removeSortEntries(ctx context.Context, tx *sqlx.Tx, sessionIDs []string) error {
	drop := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		drop[id] = true
	}

	rows, err := tx.QueryxContext(ctx, "SELECT col, entries FROM sort_orders")
	if err != nil {
		return err
	}
	type update struct {
		col     string
		entries string
	}
	var updates []update
	for rows.Next() {
		var col, entriesJSON string
		if err := rows.Scan(&col, &entriesJSON); err != nil {
			rows.Close()
			return err
		}
		var order []string
		if err := json.Unmarshal([]byte(entriesJSON), &order); err != nil {
			rows.Close()
			return err
		}
		kept := order[:0:0]
		for _, id := range order {
			if !drop[id] {
				kept = append(kept, id)
			}
		}
		if len(kept) != len(order) {
			data, err := json.Marshal(kept)
			if err != nil {
				rows.Close()
				return err
			}
			updates = append(updates, update{col: col, entries: string(data)})
		}
	}
	rows.Close()

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx,
			tx.Rebind("UPDATE sort_orders SET entries = ? WHERE col = ?"), u.entries, u.col); err != nil {
			return err
		}
	}
	return nil
}

// CleanStaleSessions removes board entries for sessions outside
// valid ∪ managed. Returns true when anything was removed.
func (s *SQLStore) CleanStaleSessions(ctx context.Context, valid map[string]struct{}) (bool, error) {
	managed, err := s.ManagedSessionIDs(ctx)
	if err != nil {
		return false, err
	}
	keep := make(map[string]bool, len(valid)+len(managed))
	for id := range valid {
		keep[id] = true
	}
	for id := range managed {
		keep[id] = true
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	removed := false
	for _, q := range []string{
		"SELECT session_id FROM column_overrides",
		"SELECT session_id FROM pending_prompts",
		"SELECT session_id FROM executor_kinds",
	} {
		stale, err := s.staleIDs(ctx, tx, q, keep)
		if err != nil {
			return false, err
		}
		table := q[len("SELECT session_id FROM "):]
		for _, id := range stale {
			if _, err := tx.ExecContext(ctx,
				tx.Rebind("DELETE FROM "+table+" WHERE session_id = ?"), id); err != nil {
				return false, err
			}
			removed = true
		}
	}

	// Sort orders hold session ids inside JSON arrays.
	staleInOrders, err := s.staleSortIDs(ctx, tx, keep)
	if err != nil {
		return false, err
	}
	if len(staleInOrders) > 0 {
		if err := s.removeSortEntries(ctx, tx, staleInOrders); err != nil {
			return false, err
		}
		removed = true
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	if removed {
		s.logger.Info("pruned stale board entries")
	}
	return removed, nil
}

func (s *SQLStore) staleIDs(ctx context.Context, tx *sqlx.Tx, query string, keep map[string]bool) ([]string, error) {
	rows, err := tx.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	return stale, rows.Err()
}

func (s *SQLStore) staleSortIDs(ctx context.Context, tx *sqlx.Tx, keep map[string]bool) ([]string, error) {
	rows, err := tx.QueryxContext(ctx, "SELECT entries FROM sort_orders")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var entriesJSON string
		if err := rows.Scan(&entriesJSON); err != nil {
			return nil, err
		}
		var order []string
		if err := json.Unmarshal([]byte(entriesJSON), &order); err != nil {
			return nil, err
		}
		for _, id := range order {
			if !keep[id] {
				stale = append(stale, id)
			}
		}
	}
	return stale, rows.Err()
}

// SetExecutorKind records which executor owns a session.
func (s *SQLStore) SetExecutorKind(ctx context.Context, sessionID, kind string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO executor_kinds (session_id, kind) VALUES (?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET kind = excluded.kind`),
		sessionID, kind)
	return err
}

// ExecutorKind returns the session's executor, defaulting to the primary
// kind for unknown sessions.
func (s *SQLStore) ExecutorKind(ctx context.Context, sessionID string) (string, error) {
	var kind string
	err := s.db.GetContext(ctx, &kind,
		s.db.Rebind("SELECT kind FROM executor_kinds WHERE session_id = ?"), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.defaultKind, nil
	}
	if err != nil {
		return "", err
	}
	return kind, nil
}

// AllExecutorKinds returns the full executor-kind map.
func (s *SQLStore) AllExecutorKinds(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT session_id, kind FROM executor_kinds")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, err
		}
		out[id] = kind
	}
	return out, rows.Err()
}

// DeleteExecutorKind forgets a session's executor binding.
func (s *SQLStore) DeleteExecutorKind(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM executor_kinds WHERE session_id = ?"), sessionID)
	return err
}

// RegisterManagedSession adds a session to the managed set.
func (s *SQLStore) RegisterManagedSession(ctx context.Context, sessionID, projectPath string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO managed_sessions (session_id, project_path) VALUES (?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET project_path = excluded.project_path`),
		sessionID, projectPath)
	return err
}

// ManagedSessionInfo returns the managed set with project paths.
func (s *SQLStore) ManagedSessionInfo(ctx context.Context) (map[string]ManagedSession, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT session_id, project_path FROM managed_sessions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]ManagedSession)
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, err
		}
		out[id] = ManagedSession{ProjectPath: path}
	}
	return out, rows.Err()
}

// ManagedSessionIDs returns the managed id set.
func (s *SQLStore) ManagedSessionIDs(ctx context.Context) (map[string]struct{}, error) {
	info, err := s.ManagedSessionInfo(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(info))
	for id := range info {
		out[id] = struct{}{}
	}
	return out, nil
}

// DeleteManagedSession removes a session from the managed set.
func (s *SQLStore) DeleteManagedSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM managed_sessions WHERE session_id = ?"), sessionID)
	return err
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
