// Package session tracks live agent sessions: the per-session turn state
// machine, activity derived from the broadcast stream, and the in-turn
// replay buffer for late-joining clients.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/stream"
)

// Phase is the turn state machine position of a session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseQueued     Phase = "queued"
	PhaseProcessing Phase = "processing"
	PhaseCancelling Phase = "cancelling"
)

// thinkingGapCap bounds the credited gap between consecutive thought chunks
// so long tool stalls do not inflate the thinking timer.
const thinkingGapCap = 10 * time.Second

// turn is the mutable per-turn state. Reset on every turn start.
type turn struct {
	status           stream.TurnStatus
	startedAt        time.Time
	endedAt          time.Time
	approxTokens     int
	thinkingDuration time.Duration
	lastThoughtAt    time.Time
	activity         stream.Activity
	activityDetail   string
	outputTokens     int
	costUSD          float64
	durationMs       int64
	stop             stream.StopReason
	buffer           []stream.Event
}

// Session is one tracked agent session.
type Session struct {
	ID          string
	Executor    string
	Title       string
	ProjectPath string
	Live        bool
	UpdatedAt   time.Time

	phase Phase
	turn  turn
	meta  map[stream.EventType]stream.Event
}

// Registry is the in-memory session table. One mutex guards everything;
// operations are short.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *logger.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   log.WithFields(zap.String("component", "session-registry")),
		now:      time.Now,
	}
}

// Track upserts a session and marks it live.
func (r *Registry) Track(id, executor, projectPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		s = &Session{ID: id, phase: PhaseIdle, meta: make(map[stream.EventType]stream.Event)}
		r.sessions[id] = s
	}
	s.Executor = executor
	s.ProjectPath = projectPath
	s.Live = true
	s.UpdatedAt = r.now()
}

// TrackStub upserts a session without marking it live. The drain loop
// resumes stubs before prompting.
func (r *Registry) TrackStub(id, executor, projectPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return
	}
	r.sessions[id] = &Session{
		ID:          id,
		Executor:    executor,
		ProjectPath: projectPath,
		phase:       PhaseIdle,
		meta:        make(map[stream.EventType]stream.Event),
		UpdatedAt:   r.now(),
	}
}

// Remove forgets a session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Rename sets the session title.
func (r *Registry) Rename(id, title string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Title = title
		s.UpdatedAt = r.now()
	}
}

// Replace rebinds a session under a new id, keeping title, project path, and
// turn state. Used when the agent loses a session and the daemon creates a
// transparent replacement.
func (r *Registry) Replace(oldID, newID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[oldID]
	if !ok {
		return false
	}
	delete(r.sessions, oldID)
	s.ID = newID
	s.UpdatedAt = r.now()
	r.sessions[newID] = s
	return true
}

// Get returns a snapshot copy of a session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Phase returns the turn phase, PhaseIdle for unknown sessions.
func (r *Registry) Phase(id string) Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s.phase
	}
	return PhaseIdle
}

// BeginQueued transitions idle -> queued atomically. Returns false when a
// drain loop already owns the session or the session is unknown.
func (r *Registry) BeginQueued(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.phase != PhaseIdle {
		return false
	}
	s.phase = PhaseQueued
	s.UpdatedAt = r.now()
	return true
}

// ReleaseIfEmpty moves the session back to idle when pending reports no
// waiting messages, holding the registry lock across the check. A drain loop
// exits only through here: an enqueue that lost its BeginQueued race lands
// either before the check (the loop keeps going) or after the release (its
// own BeginQueued succeeds). Returns false when the loop must continue.
func (r *Registry) ReleaseIfEmpty(id string, pending func() int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return true
	}
	if pending() > 0 {
		return false
	}
	s.phase = PhaseIdle
	s.UpdatedAt = r.now()
	return true
}

// SetPhase moves the session's state machine. Returns false when the session
// is unknown.
func (r *Registry) SetPhase(id string, phase Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.phase = phase
	s.UpdatedAt = r.now()
	return true
}

// BeginTurn resets per-turn state and returns the turn_start event to
// broadcast.
func (r *Registry) BeginTurn(id string) stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s, ok := r.sessions[id]
	if ok {
		s.phase = PhaseProcessing
		s.turn = turn{
			status:    stream.TurnInProgress,
			startedAt: now,
			activity:  stream.ActivityBrewing,
		}
		s.UpdatedAt = now
	}

	return stream.Event{
		Type:      stream.EventTurnStart,
		SessionID: stream.SessionID(id),
		Turn: &stream.TurnSnapshot{
			Status:    stream.TurnInProgress,
			StartedAt: now.UnixMilli(),
			Activity:  stream.ActivityBrewing,
		},
	}
}

// EndTurn finalizes the turn and returns the turn_end event. Completion
// stats are taken from the prompt result when the agent reported them.
func (r *Registry) EndTurn(id string, status stream.TurnStatus, stop stream.StopReason, outputTokens int, costUSD float64, durationMs int64) stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ev := stream.Event{
		Type:      stream.EventTurnEnd,
		SessionID: stream.SessionID(id),
		Stop:      stop,
	}

	s, ok := r.sessions[id]
	if !ok {
		ev.Turn = &stream.TurnSnapshot{Status: status, EndedAt: now.UnixMilli(), StopReason: stop}
		return ev
	}

	// Phase stays with the drain loop; it releases to idle once the queue
	// is empty.
	s.turn.status = status
	s.turn.endedAt = now
	s.turn.stop = stop
	s.turn.outputTokens = outputTokens
	s.turn.costUSD = costUSD
	if durationMs > 0 {
		s.turn.durationMs = durationMs
	} else if !s.turn.startedAt.IsZero() {
		s.turn.durationMs = now.Sub(s.turn.startedAt).Milliseconds()
	}
	s.turn.buffer = nil
	s.UpdatedAt = now

	ev.Turn = snapshotLocked(s)
	return ev
}

// Observe folds one broadcast event into the session's turn state. It
// returns a turn_activity event when the derived activity changed, nil
// otherwise. Must be called in broadcast order.
func (r *Registry) Observe(ev *stream.Event) *stream.Event {
	id := ev.SID()
	if id == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}

	if ev.Bufferable() && s.turn.status == stream.TurnInProgress {
		s.turn.buffer = append(s.turn.buffer, *ev)
	}

	now := r.now()
	switch ev.Type {
	case stream.EventText:
		s.turn.approxTokens += approxTokens(ev.Text)
		s.turn.lastThoughtAt = time.Time{}
	case stream.EventThought:
		s.turn.approxTokens += approxTokens(ev.Text)
		if !s.turn.lastThoughtAt.IsZero() {
			gap := now.Sub(s.turn.lastThoughtAt)
			if gap > thinkingGapCap {
				gap = thinkingGapCap
			}
			s.turn.thinkingDuration += gap
		}
		s.turn.lastThoughtAt = now
	}

	activity, detail, ok := Derive(ev)
	if !ok || s.turn.status != stream.TurnInProgress {
		return nil
	}
	if activity == s.turn.activity && detail == s.turn.activityDetail {
		return nil
	}
	s.turn.activity = activity
	s.turn.activityDetail = detail

	return &stream.Event{
		Type:      stream.EventTurnActivity,
		SessionID: stream.SessionID(id),
		Activity:  activity,
		Detail:    detail,
		Turn:      snapshotLocked(s),
	}
}

// RecordMeta stores the latest session metadata event of its type for replay
// to late-joining clients.
func (r *Registry) RecordMeta(ev *stream.Event) {
	id := ev.SID()
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.meta[ev.Type] = *ev
	}
}

// Snapshot returns the wire projection of the session's turn, or nil when
// the session is unknown.
func (r *Registry) Snapshot(id string) *stream.TurnSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return snapshotLocked(s)
}

// Replay returns the events a late-joining client needs: stored metadata
// first, then the in-turn content buffer. Empty slices when idle.
func (r *Registry) Replay(id string) (meta []stream.Event, buffered []stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	for _, t := range []stream.EventType{stream.EventSessionInfo, stream.EventCommands} {
		if ev, ok := s.meta[t]; ok {
			meta = append(meta, ev)
		}
	}
	if s.turn.status == stream.TurnInProgress {
		buffered = append(buffered, s.turn.buffer...)
	}
	return meta, buffered
}

// Summaries lists all sessions as wire summaries, unordered.
func (r *Registry) Summaries() []stream.SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]stream.SessionSummary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, stream.SessionSummary{
			ID:          s.ID,
			Executor:    s.Executor,
			Live:        s.Live,
			Title:       s.Title,
			ProjectPath: s.ProjectPath,
			UpdatedAt:   s.UpdatedAt,
			Turn:        snapshotLocked(s),
		})
	}
	return out
}

// IDs returns all tracked session ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func snapshotLocked(s *Session) *stream.TurnSnapshot {
	t := s.turn
	if t.status == "" {
		return nil
	}
	snap := &stream.TurnSnapshot{
		Status:             t.status,
		ApproxTokens:       t.approxTokens,
		ThinkingDurationMs: t.thinkingDuration.Milliseconds(),
		Activity:           t.activity,
		ActivityDetail:     t.activityDetail,
		OutputTokens:       t.outputTokens,
		CostUSD:            t.costUSD,
		DurationMs:         t.durationMs,
		StopReason:         t.stop,
	}
	if !t.startedAt.IsZero() {
		snap.StartedAt = t.startedAt.UnixMilli()
	}
	if !t.endedAt.IsZero() {
		snap.EndedAt = t.endedAt.UnixMilli()
	}
	return snap
}
