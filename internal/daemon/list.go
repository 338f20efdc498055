package daemon

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentboard/agentboard/internal/agent/acp"
	"github.com/agentboard/agentboard/internal/stream"
)

// listStaleness is the cutoff after which an in-flight sessions/list is
// considered stuck and a new one may start.
const listStaleness = 15 * time.Second

type listFlight struct {
	done    chan struct{}
	started time.Time
}

// listedSession is one entry of an agent's sessions/list result.
type listedSession struct {
	SessionID string     `json:"sessionId"`
	Title     string     `json:"title,omitempty"`
	Cwd       string     `json:"cwd,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

type listResult struct {
	Sessions []listedSession `json:"sessions"`
}

// BroadcastSessions lists sessions on every executor, merges with managed
// state, and broadcasts a sessions event. Coalesced: concurrent callers
// wait on the in-flight pass unless it has gone stale.
func (d *Daemon) BroadcastSessions(ctx context.Context) {
	d.flightMu.Lock()
	if f := d.flight; f != nil && d.now().Sub(f.started) < listStaleness {
		d.flightMu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
		}
		return
	}
	f := &listFlight{done: make(chan struct{}), started: d.now()}
	d.flight = f
	d.flightMu.Unlock()

	defer func() {
		close(f.done)
		d.flightMu.Lock()
		if d.flight == f {
			d.flight = nil
		}
		d.flightMu.Unlock()
	}()

	if err := d.collectAndBroadcastSessions(ctx); err != nil {
		d.logger.Warn("sessions broadcast failed", zap.Error(err))
	}
}

func (d *Daemon) collectAndBroadcastSessions(ctx context.Context) error {
	managed, err := d.store.ManagedSessionInfo(ctx)
	if err != nil {
		return err
	}
	kinds, err := d.store.AllExecutorKinds(ctx)
	if err != nil {
		return err
	}

	// One sessions/list per executor, concurrently.
	var mu sync.Mutex
	listed := make(map[string]stream.SessionSummary)

	g, gctx := errgroup.WithContext(ctx)
	for _, info := range d.agents.Kinds() {
		kind := info.Kind
		g.Go(func() error {
			conn, err := d.agents.Get(kind)
			if err != nil {
				return nil // executor died mid-pass
			}
			raw, err := conn.Ext(gctx, acp.ExtSessionsList, nil)
			if err != nil {
				d.logger.Warn("sessions/list failed", zap.String("executor", kind), zap.Error(err))
				return nil
			}
			var result listResult
			if err := json.Unmarshal(raw, &result); err != nil {
				d.logger.Warn("malformed sessions/list result", zap.String("executor", kind), zap.Error(err))
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for _, s := range result.Sessions {
				summary := stream.SessionSummary{
					ID:          s.SessionID,
					Executor:    kind,
					Live:        true,
					Title:       s.Title,
					ProjectPath: s.Cwd,
				}
				if s.UpdatedAt != nil {
					summary.UpdatedAt = *s.UpdatedAt
				}
				listed[s.SessionID] = summary
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Managed-but-unlisted stubs: freshly created sessions must appear even
	// before the agent's list has caught up.
	for id, info := range managed {
		if _, ok := listed[id]; ok {
			continue
		}
		kind, ok := kinds[id]
		if !ok {
			kind = acp.KindClaude
		}
		listed[id] = stream.SessionSummary{
			ID:          id,
			Executor:    kind,
			Live:        false,
			ProjectPath: info.ProjectPath,
		}
	}

	// Only sessions this daemon manages reach the board.
	summaries := make([]stream.SessionSummary, 0, len(listed))
	valid := make(map[string]struct{}, len(listed))
	for id, summary := range listed {
		valid[id] = struct{}{}
		if _, ok := managed[id]; !ok {
			continue
		}
		if s, tracked := d.registry.Get(id); tracked {
			if s.Title != "" {
				summary.Title = s.Title
			}
			if s.Live {
				summary.Live = true
			}
		}
		summary.Turn = d.registry.Snapshot(id)
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
		}
		return summaries[i].ID < summaries[j].ID
	})

	d.emit(stream.Event{Type: stream.EventSessions, Sessions: summaries})

	// Board hygiene rides along with every listing pass.
	removed, err := d.store.CleanStaleSessions(ctx, valid)
	if err != nil {
		d.logger.Warn("stale session cleanup failed", zap.Error(err))
		return nil
	}
	if removed {
		d.broadcastKanbanState(ctx)
	}
	return nil
}
