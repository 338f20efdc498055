package daemon

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/kanban"
	"github.com/agentboard/agentboard/internal/stream"
)

// recover restores board continuity after a restart: every session the
// board shows as in_progress is resumed; sessions that cannot be resumed
// move to in_review with a synthetic server_restart error turn so the card
// explains itself.
func (d *Daemon) recover(ctx context.Context) error {
	snap, err := d.store.Snapshot(ctx)
	if err != nil {
		return err
	}

	var failed []string
	for id, col := range snap.ColumnOverrides {
		if col != kanban.ColumnInProgress {
			continue
		}
		if err := d.ResumeSession(ctx, id); err != nil {
			d.logger.Warn("could not resume in-progress session",
				zap.String("session_id", id), zap.Error(err))
			failed = append(failed, id)
			continue
		}
		d.logger.Info("resumed in-progress session", zap.String("session_id", id))
	}

	if len(failed) == 0 {
		return nil
	}

	ops := make([]kanban.Op, 0, len(failed))
	for _, id := range failed {
		ops = append(ops, kanban.SetColumnOp(id, kanban.ColumnInReview))

		d.ensureRecoveryStub(ctx, id)
		d.Broadcast(d.registry.EndTurn(id, stream.TurnError, stream.StopServerRestart, 0, 0, 0))
	}
	d.applyOpsQuiet(ctx, ops...)
	return nil
}

// ensureRecoveryStub makes the registry aware of a dead session so the
// synthetic error turn has somewhere to land.
func (d *Daemon) ensureRecoveryStub(ctx context.Context, sessionID string) {
	if _, ok := d.registry.Get(sessionID); ok {
		return
	}
	kind, err := d.store.ExecutorKind(ctx, sessionID)
	if err != nil {
		return
	}
	info, err := d.store.ManagedSessionInfo(ctx)
	if err != nil {
		return
	}
	d.registry.TrackStub(sessionID, kind, info[sessionID].ProjectPath)
}
