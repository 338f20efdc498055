// Package kanban persists the board state: an ordered op log applied to an
// authoritative snapshot, plus the executor-kind map and the managed-session
// registry that scope board cleanup.
package kanban

import (
	"fmt"
)

// Column is a board column.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnInProgress Column = "in_progress"
	ColumnInReview   Column = "in_review"
	ColumnRecurring  Column = "recurring"
	ColumnCompleted  Column = "completed"
)

// ValidColumn reports whether c names a board column.
func ValidColumn(c Column) bool {
	switch c {
	case ColumnBacklog, ColumnInProgress, ColumnInReview, ColumnRecurring, ColumnCompleted:
		return true
	}
	return false
}

// OpType discriminates board mutations.
type OpType string

const (
	OpSetColumn             OpType = "set_column"
	OpRemoveColumn          OpType = "remove_column"
	OpSetSortOrder          OpType = "set_sort_order"
	OpSetPendingPrompt      OpType = "set_pending_prompt"
	OpRemovePendingPrompt   OpType = "remove_pending_prompt"
	OpBulkSetColumns        OpType = "bulk_set_columns"
	OpBulkRemoveSortEntries OpType = "bulk_remove_sort_entries"
)

// ColumnEntry pairs a session with a column for bulk ops.
type ColumnEntry struct {
	SessionID string `json:"session_id"`
	Column    Column `json:"column"`
}

// Op is one board mutation. Type selects which fields apply. Ops are
// idempotent on application and total-ordered by arrival at the daemon.
type Op struct {
	Type       OpType        `json:"type"`
	SessionID  string        `json:"session_id,omitempty"`
	Column     Column        `json:"column,omitempty"`
	Text       string        `json:"text,omitempty"`
	Order      []string      `json:"order,omitempty"`
	Entries    []ColumnEntry `json:"entries,omitempty"`
	SessionIDs []string      `json:"session_ids,omitempty"`
}

// Validate checks the op carries the fields its type requires.
func (op Op) Validate() error {
	switch op.Type {
	case OpSetColumn:
		if op.SessionID == "" {
			return fmt.Errorf("set_column: missing session_id")
		}
		if !ValidColumn(op.Column) {
			return fmt.Errorf("set_column: invalid column %q", op.Column)
		}
	case OpRemoveColumn, OpRemovePendingPrompt:
		if op.SessionID == "" {
			return fmt.Errorf("%s: missing session_id", op.Type)
		}
	case OpSetSortOrder:
		if !ValidColumn(op.Column) {
			return fmt.Errorf("set_sort_order: invalid column %q", op.Column)
		}
	case OpSetPendingPrompt:
		if op.SessionID == "" {
			return fmt.Errorf("set_pending_prompt: missing session_id")
		}
	case OpBulkSetColumns:
		for _, e := range op.Entries {
			if e.SessionID == "" || !ValidColumn(e.Column) {
				return fmt.Errorf("bulk_set_columns: invalid entry %+v", e)
			}
		}
	case OpBulkRemoveSortEntries:
	default:
		return fmt.Errorf("unknown op type %q", op.Type)
	}
	return nil
}

// SetColumnOp builds a set_column op.
func SetColumnOp(sessionID string, column Column) Op {
	return Op{Type: OpSetColumn, SessionID: sessionID, Column: column}
}

// Snapshot is the authoritative board state.
type Snapshot struct {
	ColumnOverrides map[string]Column   `json:"column_overrides"`
	SortOrders      map[Column][]string `json:"sort_orders"`
	PendingPrompts  map[string]string   `json:"pending_prompts"`
}

// NewSnapshot creates an empty snapshot with non-nil maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		ColumnOverrides: make(map[string]Column),
		SortOrders:      make(map[Column][]string),
		PendingPrompts:  make(map[string]string),
	}
}

// Apply folds one op into the snapshot. Last writer wins per key.
func (s *Snapshot) Apply(op Op) {
	switch op.Type {
	case OpSetColumn:
		s.ColumnOverrides[op.SessionID] = op.Column
	case OpRemoveColumn:
		delete(s.ColumnOverrides, op.SessionID)
	case OpSetSortOrder:
		s.SortOrders[op.Column] = append([]string(nil), op.Order...)
	case OpSetPendingPrompt:
		s.PendingPrompts[op.SessionID] = op.Text
	case OpRemovePendingPrompt:
		delete(s.PendingPrompts, op.SessionID)
	case OpBulkSetColumns:
		for _, e := range op.Entries {
			s.ColumnOverrides[e.SessionID] = e.Column
		}
	case OpBulkRemoveSortEntries:
		drop := make(map[string]bool, len(op.SessionIDs))
		for _, id := range op.SessionIDs {
			drop[id] = true
		}
		for col, order := range s.SortOrders {
			kept := order[:0:0]
			for _, id := range order {
				if !drop[id] {
					kept = append(kept, id)
				}
			}
			s.SortOrders[col] = kept
		}
	}
}
