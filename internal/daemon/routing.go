package daemon

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/stream"
)

// routeWhitelist holds short utterances that always continue the current
// session; they never justify a new card and never cost a model call.
var routeWhitelist = map[string]bool{
	"yes": true, "y": true, "yep": true, "yeah": true, "sure": true,
	"no": true, "n": true, "nope": true,
	"ok": true, "okay": true, "k": true,
	"go": true, "go ahead": true, "do it": true, "proceed": true,
	"continue": true, "keep going": true, "carry on": true,
	"stop": true, "wait": true, "hold on": true, "cancel": true,
	"thanks": true, "thank you": true, "ty": true, "lgtm": true,
}

// RouteWithFastModel decides whether a new utterance continues the current
// session (true) or should start a fresh one (false). Slash commands and
// whitelisted control phrases short-circuit to continue; everything else
// asks the worker pool. Pool failure defaults to continue.
func (d *Daemon) RouteWithFastModel(ctx context.Context, text, sessionTitle, lastSummary string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.HasPrefix(trimmed, "/") {
		return true
	}
	if routeWhitelist[strings.ToLower(strings.TrimRight(trimmed, ".!?"))] {
		return true
	}

	cont, err := d.pool.Route(ctx, trimmed, sessionTitle, lastSummary)
	if err != nil {
		d.logger.Warn("fast-model routing failed, defaulting to continue", zap.Error(err))
		return true
	}
	return cont
}

// PoolPrompt runs a prompt through the pre-warmed pool instead of the full
// session protocol. Same external contract as Prompt: returns immediately,
// output arrives via broadcast under the session id.
func (d *Daemon) PoolPrompt(ctx context.Context, sessionID, text string) error {
	if err := d.ensureTracked(ctx, sessionID); err != nil {
		return err
	}
	if !d.registry.BeginQueued(sessionID) {
		// Busy session: fall back to the ordinary queue so the message is
		// not lost.
		return d.Prompt(ctx, sessionID, text, nil, nil)
	}

	go func() {
		d.Broadcast(d.registry.BeginTurn(sessionID))
		d.maybeGenerateTitle(sessionID, text)

		chunks, errc := d.pool.Stream(d.baseCtx, text)
		for chunk := range chunks {
			ev := stream.Event{SessionID: stream.SessionID(sessionID), Text: chunk.Text}
			if chunk.Type == "thinking" {
				ev.Type = stream.EventThought
			} else {
				ev.Type = stream.EventText
			}
			d.Broadcast(ev)
		}

		if err := <-errc; err != nil {
			d.finishTurnError(d.baseCtx, sessionID, err)
		} else {
			d.Broadcast(d.registry.EndTurn(sessionID, stream.TurnCompleted, stream.StopEndTurn, 0, 0, 0))
		}
		// Anything queued while the pool streamed drains now.
		d.drainLoop(sessionID)
	}()
	return nil
}

// maybeGenerateTitle kicks off a pool title suggestion for untitled
// sessions, at most one in flight per session.
func (d *Daemon) maybeGenerateTitle(sessionID, userMessage string) {
	if userMessage == "" {
		return
	}
	if s, ok := d.registry.Get(sessionID); !ok || s.Title != "" {
		return
	}

	d.titleMu.Lock()
	if _, running := d.titleInFlight[sessionID]; running {
		d.titleMu.Unlock()
		return
	}
	d.titleInFlight[sessionID] = true
	d.titleMu.Unlock()

	go func() {
		defer func() {
			d.titleMu.Lock()
			delete(d.titleInFlight, sessionID)
			d.titleMu.Unlock()
		}()

		s, ok := d.registry.Get(sessionID)
		if !ok {
			return
		}
		title, err := d.pool.GenerateTitle(d.baseCtx, s.ProjectPath, userMessage)
		if err != nil || title == "" {
			return
		}
		d.applyGeneratedTitle(sessionID, title)
	}()
}

// cancelTitleGeneration marks the session's in-flight generation stale so
// its result is dropped instead of applied. The goroutine's deferred delete
// still clears the entry.
func (d *Daemon) cancelTitleGeneration(sessionID string) {
	d.titleMu.Lock()
	if d.titleInFlight[sessionID] {
		d.titleInFlight[sessionID] = false
	}
	d.titleMu.Unlock()
}

// applyGeneratedTitle installs a pool-suggested title unless a manual rename
// cancelled the generation or titled the session in the meantime.
func (d *Daemon) applyGeneratedTitle(sessionID, title string) {
	d.titleMu.Lock()
	active := d.titleInFlight[sessionID]
	d.titleMu.Unlock()
	if !active {
		return
	}
	if s, ok := d.registry.Get(sessionID); !ok || s.Title != "" {
		return
	}
	if err := d.RenameSession(d.baseCtx, sessionID, title); err != nil {
		d.logger.Debug("auto-title rename failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
