package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/agent/acp"
	"github.com/agentboard/agentboard/internal/kanban"
	"github.com/agentboard/agentboard/internal/stream"
)

// CreateSession creates a new agent session on the given executor and
// registers it as managed.
func (d *Daemon) CreateSession(ctx context.Context, executor, projectPath string) (string, error) {
	if executor == "" {
		executor = acp.KindClaude
	}
	conn, err := d.agents.Get(executor)
	if err != nil {
		return "", err
	}

	cwd := projectPath
	if cwd == "" {
		cwd = d.cfg.Executors.WorkDir
	}

	result, err := conn.NewSession(ctx, cwd)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	id := result.SessionID

	if err := d.store.SetExecutorKind(ctx, id, executor); err != nil {
		d.logger.Warn("failed to persist executor kind", zap.String("session_id", id), zap.Error(err))
	}
	if err := d.store.RegisterManagedSession(ctx, id, projectPath); err != nil {
		d.logger.Warn("failed to register managed session", zap.String("session_id", id), zap.Error(err))
	}
	d.registry.Track(id, executor, projectPath)
	d.applyOpsQuiet(ctx, kanban.SetColumnOp(id, kanban.ColumnBacklog))

	d.logger.Info("session created",
		zap.String("session_id", id), zap.String("executor", executor))
	go d.BroadcastSessions(d.baseCtx)
	return id, nil
}

// ResumeSession reopens a persisted session. Idempotent; a no-op when the
// session is already live.
func (d *Daemon) ResumeSession(ctx context.Context, sessionID string) error {
	if s, ok := d.registry.Get(sessionID); ok && s.Live {
		return nil
	}
	conn, kind, err := d.connFor(ctx, sessionID)
	if err != nil {
		return err
	}

	info, err := d.store.ManagedSessionInfo(ctx)
	if err != nil {
		return err
	}
	projectPath := info[sessionID].ProjectPath

	cwd := projectPath
	if cwd == "" {
		cwd = d.cfg.Executors.WorkDir
	}
	if err := conn.ResumeSession(ctx, sessionID, cwd); err != nil {
		return err
	}
	d.registry.Track(sessionID, kind, projectPath)
	return nil
}

// RenameSession sets the session title on the agent and locally. A rename
// also cancels any in-flight auto-title generation so a late generated title
// cannot overwrite this one.
func (d *Daemon) RenameSession(ctx context.Context, sessionID, title string) error {
	d.cancelTitleGeneration(sessionID)
	conn, _, err := d.connFor(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := conn.Ext(ctx, acp.ExtSessionsRename, map[string]string{
		"sessionId": sessionID,
		"title":     title,
	}); err != nil {
		return err
	}
	d.registry.Rename(sessionID, title)
	d.Broadcast(stream.Event{
		Type:      stream.EventSessionTitle,
		SessionID: stream.SessionID(sessionID),
		Title:     title,
	})
	return nil
}

// DeleteSession deletes the session on the agent and clears every local map
// keyed by it. Returns the ids actually removed.
func (d *Daemon) DeleteSession(ctx context.Context, sessionID string) ([]string, error) {
	conn, _, err := d.connFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Ext(ctx, acp.ExtSessionsDelete, map[string]string{"sessionId": sessionID}); err != nil {
		// The agent may have dropped the session already; local cleanup
		// proceeds either way.
		if !acp.IsSessionGone(err) {
			return nil, err
		}
	}

	d.queue.DrainAll(sessionID)
	d.registry.Remove(sessionID)
	if err := d.store.DeleteExecutorKind(ctx, sessionID); err != nil {
		d.logger.Warn("failed to delete executor kind", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := d.store.DeleteManagedSession(ctx, sessionID); err != nil {
		d.logger.Warn("failed to delete managed session", zap.String("session_id", sessionID), zap.Error(err))
	}
	d.applyOpsQuiet(ctx,
		kanban.Op{Type: kanban.OpRemoveColumn, SessionID: sessionID},
		kanban.Op{Type: kanban.OpRemovePendingPrompt, SessionID: sessionID},
		kanban.Op{Type: kanban.OpBulkRemoveSortEntries, SessionIDs: []string{sessionID}},
	)

	d.logger.Info("session deleted", zap.String("session_id", sessionID))
	go d.BroadcastSessions(d.baseCtx)
	return []string{sessionID}, nil
}

// GetHistory returns the agent-side message history of a session.
func (d *Daemon) GetHistory(ctx context.Context, sessionID string) (json.RawMessage, error) {
	conn, _, err := d.connFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return conn.Ext(ctx, acp.ExtSessionsGetHistory, map[string]string{"sessionId": sessionID})
}

// GetSubagentHistory returns the history of one subagent of a session.
func (d *Daemon) GetSubagentHistory(ctx context.Context, parentID, agentID string) (json.RawMessage, error) {
	conn, _, err := d.connFor(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return conn.Ext(ctx, acp.ExtSessionsSubagentHist, map[string]string{
		"sessionId": parentID,
		"agentId":   agentID,
	})
}

// GetSubagents lists the subagents of a session.
func (d *Daemon) GetSubagents(ctx context.Context, sessionID string) (json.RawMessage, error) {
	conn, _, err := d.connFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return conn.Ext(ctx, acp.ExtSessionsGetSubagents, map[string]string{"sessionId": sessionID})
}

// GetAvailableCommands lists the slash commands the primary agent offers.
func (d *Daemon) GetAvailableCommands(ctx context.Context, hint string) (json.RawMessage, error) {
	conn, err := d.agents.Primary()
	if err != nil {
		return nil, err
	}
	params := map[string]string{}
	if hint != "" {
		params["hint"] = hint
	}
	return conn.Ext(ctx, acp.ExtSessionsGetCommands, params)
}

// GetTasksList returns the agent-side task list plus the side-channel tasks
// collected on the session's connection.
func (d *Daemon) GetTasksList(ctx context.Context, sessionID string) (json.RawMessage, []acp.SideTask, error) {
	conn, _, err := d.connFor(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	raw, err := conn.Ext(ctx, acp.ExtTasksList, map[string]string{"sessionId": sessionID})
	if err != nil {
		return nil, nil, err
	}
	return raw, conn.SideTasks().List(), nil
}

// connFor resolves the session's executor binding to a live connection.
func (d *Daemon) connFor(ctx context.Context, sessionID string) (agentConn, string, error) {
	kind, err := d.store.ExecutorKind(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	conn, err := d.agents.Get(kind)
	if err != nil {
		return nil, "", err
	}
	return conn, kind, nil
}
