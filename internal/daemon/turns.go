package daemon

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/agent/acp"
	"github.com/agentboard/agentboard/internal/kanban"
	"github.com/agentboard/agentboard/internal/queue"
	"github.com/agentboard/agentboard/internal/session"
	"github.com/agentboard/agentboard/internal/stream"
	"github.com/agentboard/agentboard/internal/tracing"
)

// Prompt enqueues a user message and starts a drain loop when the session is
// idle. Asynchronous: streaming happens via broadcast.
func (d *Daemon) Prompt(ctx context.Context, sessionID, text string, images []queue.Attachment, files []string) error {
	if err := d.ensureTracked(ctx, sessionID); err != nil {
		return err
	}

	msg := d.queue.Enqueue(sessionID, text, images, files)
	d.Broadcast(stream.Event{
		Type:      stream.EventMessageQueued,
		SessionID: stream.SessionID(sessionID),
		Queue:     &stream.QueuedInfo{QueueID: msg.ID, Text: msg.Text, AddedAt: msg.AddedAt},
	})

	if d.registry.BeginQueued(sessionID) {
		go d.drainLoop(sessionID)
	}
	return nil
}

// EnqueueMessage is Prompt under its queue-centric name.
func (d *Daemon) EnqueueMessage(ctx context.Context, sessionID, text string, images []queue.Attachment, files []string) error {
	return d.Prompt(ctx, sessionID, text, images, files)
}

// CancelQueuedMessage removes one pending message. A no-op when the id is
// not queued (it may already be draining).
func (d *Daemon) CancelQueuedMessage(queueID string) {
	sessionID, ok := d.queue.Cancel(queueID)
	if !ok {
		return
	}
	d.Broadcast(stream.Event{
		Type:      stream.EventQueueCancelled,
		SessionID: stream.SessionID(sessionID),
		Queue:     &stream.QueuedInfo{QueueID: queueID},
	})
}

// Interrupt cancels the session's active turn. Fails silently when nothing
// is processing. Open permission requests are released (denied) before the
// cancel goes out so the agent is not left waiting.
func (d *Daemon) Interrupt(ctx context.Context, sessionID string) {
	if d.registry.Phase(sessionID) != session.PhaseProcessing {
		return
	}
	d.registry.SetPhase(sessionID, session.PhaseCancelling)
	d.releasePermissions(sessionID)

	conn, _, err := d.connFor(ctx, sessionID)
	if err != nil {
		d.logger.Warn("interrupt without live connection", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err := conn.Cancel(ctx, sessionID); err != nil {
		d.logger.Warn("cancel notification failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// InterruptAndPrompt atomically drops the queued messages, enqueues the new
// message as the sole pending one, and requests cancellation. The finally
// path of the cancelled turn picks the message up.
func (d *Daemon) InterruptAndPrompt(ctx context.Context, sessionID, text string, images []queue.Attachment, files []string) error {
	if err := d.ensureTracked(ctx, sessionID); err != nil {
		return err
	}

	d.queue.DrainAll(sessionID) // discard
	msg := d.queue.Enqueue(sessionID, text, images, files)
	d.Broadcast(stream.Event{
		Type:      stream.EventMessageQueued,
		SessionID: stream.SessionID(sessionID),
		Queue:     &stream.QueuedInfo{QueueID: msg.ID, Text: msg.Text, AddedAt: msg.AddedAt},
	})

	if d.registry.Phase(sessionID) == session.PhaseProcessing {
		d.Interrupt(ctx, sessionID)
		return nil
	}
	if d.registry.BeginQueued(sessionID) {
		go d.drainLoop(sessionID)
	}
	return nil
}

// drainLoop owns the session until its queue is empty. One loop per session
// at a time; the session is the serializer.
func (d *Daemon) drainLoop(sessionID string) {
	ctx := d.baseCtx
	for {
		drained := d.queue.DrainAll(sessionID)
		if drained == nil {
			// A prompt can enqueue between DrainAll and the release; its
			// BeginQueued fails and it counts on this loop. The release
			// re-checks the queue under the registry lock and keeps the
			// loop alive when a message slipped in.
			id := sessionID
			if d.registry.ReleaseIfEmpty(id, func() int { return d.queue.Len(id) }) {
				return
			}
			continue
		}
		d.Broadcast(stream.Event{
			Type:      stream.EventQueueDrainStart,
			SessionID: stream.SessionID(sessionID),
		})
		sessionID = d.runTurn(ctx, sessionID, drained)
	}
}

// runTurn executes one prompt turn. Returns the session id the next drain
// iteration should use, which differs from the input only after a
// transparent session replacement.
func (d *Daemon) runTurn(ctx context.Context, sessionID string, drained *queue.Drained) string {
	d.Broadcast(d.registry.BeginTurn(sessionID))
	d.applyOpsQuiet(ctx, kanban.SetColumnOp(sessionID, kanban.ColumnInProgress))
	d.maybeGenerateTitle(sessionID, drained.Text)

	conn, kind, err := d.connFor(ctx, sessionID)
	if err != nil {
		d.finishTurnError(ctx, sessionID, err)
		return sessionID
	}

	if s, ok := d.registry.Get(sessionID); !ok || !s.Live {
		if err := d.ResumeSession(ctx, sessionID); err != nil {
			if acp.IsSessionGone(err) {
				return d.replaceAndRequeue(ctx, sessionID, kind, drained)
			}
			d.finishTurnError(ctx, sessionID, err)
			return sessionID
		}
	}

	turnCtx, span := tracing.StartTurnSpan(ctx, kind, sessionID)
	result, err := conn.Prompt(turnCtx, sessionID, buildChunks(drained))
	endTurnSpan(span, result, err)

	// Turn is over one way or another; nothing should stay pending on it.
	d.releasePermissions(sessionID)

	if err != nil {
		if acp.IsSessionGone(err) {
			return d.replaceAndRequeue(ctx, sessionID, kind, drained)
		}
		d.finishTurnError(ctx, sessionID, err)
		return sessionID
	}

	stop := mapStopReason(result.StopReason)
	var outputTokens int
	var costUSD float64
	var durationMs int64
	if result.Meta != nil {
		outputTokens = result.Meta.OutputTokens
		costUSD = result.Meta.CostUSD
		durationMs = result.Meta.DurationMs
	}
	d.Broadcast(d.registry.EndTurn(sessionID, stream.TurnCompleted, stop, outputTokens, costUSD, durationMs))
	d.applyOpsQuiet(ctx, kanban.SetColumnOp(sessionID, kanban.ColumnInReview))
	return sessionID
}

func (d *Daemon) finishTurnError(ctx context.Context, sessionID string, err error) {
	d.logger.Error("turn failed", zap.String("session_id", sessionID), zap.Error(err))
	d.Broadcast(stream.Event{
		Type:      stream.EventError,
		SessionID: stream.SessionID(sessionID),
		Detail:    err.Error(),
	})
	d.Broadcast(d.registry.EndTurn(sessionID, stream.TurnError, stream.StopError, 0, 0, 0))
	d.applyOpsQuiet(ctx, kanban.SetColumnOp(sessionID, kanban.ColumnInReview))
}

// replaceAndRequeue creates a replacement session after a "session gone"
// error, moves all state under the new id, re-enqueues the drained prompt,
// and hands the new id back to the drain loop. session_replaced goes out
// before any event carrying the new id.
func (d *Daemon) replaceAndRequeue(ctx context.Context, oldID, kind string, drained *queue.Drained) string {
	newID, err := d.replaceSession(ctx, oldID, kind)
	if err != nil {
		d.finishTurnError(ctx, oldID, fmt.Errorf("session gone and replacement failed: %w", err))
		return oldID
	}
	d.queue.Enqueue(newID, drained.Text, drained.Images, drained.Files)
	d.registry.SetPhase(newID, session.PhaseQueued)
	return newID
}

func (d *Daemon) replaceSession(ctx context.Context, oldID, kind string) (string, error) {
	conn, err := d.agents.Get(kind)
	if err != nil {
		return "", err
	}

	info, err := d.store.ManagedSessionInfo(ctx)
	if err != nil {
		return "", err
	}
	projectPath := info[oldID].ProjectPath
	cwd := projectPath
	if cwd == "" {
		cwd = d.cfg.Executors.WorkDir
	}

	result, err := conn.NewSession(ctx, cwd)
	if err != nil {
		return "", err
	}
	newID := result.SessionID

	d.Broadcast(stream.Event{
		Type:     stream.EventSessionReplaced,
		Replaced: &stream.Replacement{OldID: oldID, NewID: newID},
	})

	if err := d.store.SetExecutorKind(ctx, newID, kind); err != nil {
		d.logger.Warn("failed to persist executor kind for replacement", zap.Error(err))
	}
	if err := d.store.RegisterManagedSession(ctx, newID, projectPath); err != nil {
		d.logger.Warn("failed to register replacement session", zap.Error(err))
	}

	// Move the board card, then drop the old bindings.
	snap, snapErr := d.store.Snapshot(ctx)
	ops := []kanban.Op{
		{Type: kanban.OpRemoveColumn, SessionID: oldID},
		{Type: kanban.OpBulkRemoveSortEntries, SessionIDs: []string{oldID}},
	}
	if snapErr == nil {
		if col, ok := snap.ColumnOverrides[oldID]; ok {
			ops = append([]kanban.Op{kanban.SetColumnOp(newID, col)}, ops...)
		}
		if prompt, ok := snap.PendingPrompts[oldID]; ok {
			ops = append(ops,
				kanban.Op{Type: kanban.OpSetPendingPrompt, SessionID: newID, Text: prompt},
				kanban.Op{Type: kanban.OpRemovePendingPrompt, SessionID: oldID})
		}
	}
	d.applyOpsQuiet(ctx, ops...)
	if err := d.store.DeleteExecutorKind(ctx, oldID); err != nil {
		d.logger.Warn("failed to drop old executor kind", zap.Error(err))
	}
	if err := d.store.DeleteManagedSession(ctx, oldID); err != nil {
		d.logger.Warn("failed to drop old managed session", zap.Error(err))
	}

	if !d.registry.Replace(oldID, newID) {
		d.registry.Track(newID, kind, projectPath)
	}
	d.queue.ReplaceAll(oldID, newID)

	d.logger.Info("session replaced",
		zap.String("old_id", oldID), zap.String("new_id", newID))
	go d.BroadcastSessions(d.baseCtx)
	return newID, nil
}

// ensureTracked guarantees the registry knows the session before queue and
// phase operations key off it.
func (d *Daemon) ensureTracked(ctx context.Context, sessionID string) error {
	if _, ok := d.registry.Get(sessionID); ok {
		return nil
	}
	kind, err := d.store.ExecutorKind(ctx, sessionID)
	if err != nil {
		return err
	}
	info, err := d.store.ManagedSessionInfo(ctx)
	if err != nil {
		return err
	}
	managed, ok := info[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	// Tracked but not live: the drain loop resumes it before prompting.
	d.registry.TrackStub(sessionID, kind, managed.ProjectPath)
	return nil
}

func buildChunks(drained *queue.Drained) []acp.ContentChunk {
	chunks := make([]acp.ContentChunk, 0, 1+len(drained.Images)+len(drained.Files))
	if drained.Text != "" {
		chunks = append(chunks, acp.TextChunk(drained.Text))
	}
	for _, img := range drained.Images {
		chunks = append(chunks, acp.ImageChunk(img.Data, img.MimeType))
	}
	for _, file := range drained.Files {
		chunks = append(chunks, acp.FileChunk(file))
	}
	return chunks
}

// endTurnSpan closes the turn span with the prompt outcome.
func endTurnSpan(span trace.Span, result *acp.PromptResult, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.String("stop_reason", string(mapStopReason(result.StopReason))))
	span.SetStatus(codes.Ok, "")
}

func mapStopReason(raw string) stream.StopReason {
	switch raw {
	case "end_turn", "":
		return stream.StopEndTurn
	case "max_tokens", "max_turn_requests":
		return stream.StopMaxTokens
	case "cancelled":
		return stream.StopCancelled
	case "error", "refusal":
		return stream.StopError
	}
	return stream.StopEndTurn
}
