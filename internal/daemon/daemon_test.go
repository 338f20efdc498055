package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentboard/agentboard/internal/agent/acp"
	"github.com/agentboard/agentboard/internal/agent/rpc"
	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/kanban"
	"github.com/agentboard/agentboard/internal/session"
	"github.com/agentboard/agentboard/internal/stream"
	"github.com/agentboard/agentboard/internal/workerpool"
)

// fakeConn scripts one executor connection.
type fakeConn struct {
	mu        sync.Mutex
	kind      string
	nextID    int
	gone      map[string]bool // session ids the agent has lost
	resumed   map[string]bool
	cancelled []string
	prompts   []string // coalesced texts, in order

	// promptStarted/promptRelease gate a blocking prompt when set.
	promptStarted chan string
	promptRelease chan stopOutcome

	// emit streams events into the daemon mid-prompt. Installed by the
	// test harness after daemon construction.
	emit func(ev stream.Event)

	listed []listedSession
}

type stopOutcome struct {
	stop string
	err  error
}

func newFakeConn(kind string) *fakeConn {
	return &fakeConn{
		kind:    kind,
		gone:    make(map[string]bool),
		resumed: make(map[string]bool),
	}
}

func (f *fakeConn) NewSession(ctx context.Context, cwd string) (*acp.NewSessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("%s-s%d", f.kind, f.nextID)
	f.resumed[id] = true
	return &acp.NewSessionResult{SessionID: id}, nil
}

func (f *fakeConn) ResumeSession(ctx context.Context, sessionID, cwd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[sessionID] {
		return &rpc.Error{Code: -32000, Message: "No conversation found with id " + sessionID}
	}
	f.resumed[sessionID] = true
	return nil
}

func (f *fakeConn) Prompt(ctx context.Context, sessionID string, chunks []acp.ContentChunk) (*acp.PromptResult, error) {
	f.mu.Lock()
	if f.gone[sessionID] {
		f.mu.Unlock()
		return nil, &rpc.Error{Code: -32000, Message: "No conversation found with id " + sessionID}
	}
	text := ""
	for _, c := range chunks {
		if c.Type == "text" {
			text = c.Text
		}
	}
	f.prompts = append(f.prompts, text)
	emit := f.emit
	started := f.promptStarted
	release := f.promptRelease
	f.mu.Unlock()

	if emit != nil {
		emit(stream.Event{Type: stream.EventText, SessionID: stream.SessionID(sessionID), Text: "Hi "})
		emit(stream.Event{Type: stream.EventText, SessionID: stream.SessionID(sessionID), Text: "there"})
	}

	if started != nil {
		started <- sessionID
		outcome := <-release
		if outcome.err != nil {
			return nil, outcome.err
		}
		return &acp.PromptResult{StopReason: outcome.stop}, nil
	}
	return &acp.PromptResult{StopReason: "end_turn", Meta: &acp.TurnMeta{DurationMs: 42, OutputTokens: 7}}, nil
}

func (f *fakeConn) Cancel(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, sessionID)
	release := f.promptRelease
	f.mu.Unlock()
	if release != nil {
		release <- stopOutcome{stop: "cancelled"}
	}
	return nil
}

func (f *fakeConn) Ext(ctx context.Context, method string, params any) (json.RawMessage, error) {
	switch method {
	case acp.ExtSessionsList:
		f.mu.Lock()
		defer f.mu.Unlock()
		return json.Marshal(listResult{Sessions: f.listed})
	case acp.ExtSessionsRename, acp.ExtSessionsDelete:
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeConn) SideTasks() *acp.SideTaskStore {
	return acp.NewSideTaskStore(logger.Default())
}

func (f *fakeConn) markGone(sessionID string) {
	f.mu.Lock()
	f.gone[sessionID] = true
	f.mu.Unlock()
}

type fakeManager struct {
	conns map[string]*fakeConn
}

func (m *fakeManager) Start(ctx context.Context) error { return nil }
func (m *fakeManager) Get(kind string) (agentConn, error) {
	c, ok := m.conns[kind]
	if !ok {
		return nil, fmt.Errorf("executor %q not available", kind)
	}
	return c, nil
}
func (m *fakeManager) Primary() (agentConn, error) { return m.Get(acp.KindClaude) }
func (m *fakeManager) Kinds() []stream.ExecutorInfo {
	out := make([]stream.ExecutorInfo, 0, len(m.conns))
	if _, ok := m.conns[acp.KindClaude]; ok {
		out = append(out, stream.ExecutorInfo{Kind: acp.KindClaude, Available: true})
	}
	for kind := range m.conns {
		if kind != acp.KindClaude {
			out = append(out, stream.ExecutorInfo{Kind: kind, Available: true})
		}
	}
	return out
}
func (m *fakeManager) Drop(kind string) { delete(m.conns, kind) }
func (m *fakeManager) Close()           {}

// eventLog collects broadcast events in order.
type eventLog struct {
	mu     sync.Mutex
	events []stream.Event
}

func (l *eventLog) sink(ev stream.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []stream.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]stream.Event(nil), l.events...)
}

func (l *eventLog) types(sessionID string) []stream.EventType {
	var out []stream.EventType
	for _, ev := range l.all() {
		if sessionID == "" || ev.SID() == sessionID {
			out = append(out, ev.Type)
		}
	}
	return out
}

// waitFor polls until the log contains an event of the given type for the
// session.
func (l *eventLog) waitFor(t *testing.T, sessionID string, typ stream.EventType) stream.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, ev := range l.all() {
			if ev.Type == typ && (sessionID == "" || ev.SID() == sessionID) {
				return ev
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newTestDaemon(t *testing.T) (*Daemon, *fakeConn, *eventLog) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Executors.WorkDir = "/work"

	store, err := kanban.OpenStore(config.StoreConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "board.db"),
	}, acp.KindClaude, logger.Default())
	require.NoError(t, err)

	pool := workerpool.New(config.WorkerPoolConfig{Model: "fast", CallBudget: 10},
		config.ExecutorConfig{}, logger.Default())

	d := New(cfg, store, pool, nil, logger.Default())
	claude := newFakeConn(acp.KindClaude)
	d.agents = &fakeManager{conns: map[string]*fakeConn{acp.KindClaude: claude}}

	log := &eventLog{}
	d.SetEventSink(log.sink)
	claude.emit = d.Broadcast

	t.Cleanup(func() { _ = store.Close() })
	return d, claude, log
}

func column(t *testing.T, d *Daemon, sessionID string) kanban.Column {
	t.Helper()
	snap, err := d.store.Snapshot(context.Background())
	require.NoError(t, err)
	return snap.ColumnOverrides[sessionID]
}

func TestHappyPathTurn(t *testing.T) {
	d, _, log := newTestDaemon(t)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "", "/repo")
	require.NoError(t, err)
	assert.Equal(t, kanban.ColumnBacklog, column(t, d, id))

	require.NoError(t, d.Prompt(ctx, id, "hello", nil, nil))
	end := log.waitFor(t, id, stream.EventTurnEnd)

	// Ordering: queued, drain, turn_start, streamed content with activity,
	// turn_end.
	types := log.types(id)
	idx := func(typ stream.EventType) int {
		for i, got := range types {
			if got == typ {
				return i
			}
		}
		t.Fatalf("missing %s in %v", typ, types)
		return -1
	}
	assert.Less(t, idx(stream.EventMessageQueued), idx(stream.EventQueueDrainStart))
	assert.Less(t, idx(stream.EventQueueDrainStart), idx(stream.EventTurnStart))
	assert.Less(t, idx(stream.EventTurnStart), idx(stream.EventText))
	assert.Less(t, idx(stream.EventText), idx(stream.EventTurnEnd))

	// Activity flipped to responding with token accounting.
	activity := log.waitFor(t, id, stream.EventTurnActivity)
	assert.Equal(t, stream.ActivityResponding, activity.Activity)
	require.NotNil(t, activity.Turn)
	assert.GreaterOrEqual(t, activity.Turn.ApproxTokens, 1)

	require.NotNil(t, end.Turn)
	assert.Equal(t, stream.StopEndTurn, end.Stop)
	assert.Equal(t, 7, end.Turn.OutputTokens)
	assert.Equal(t, kanban.ColumnInReview, column(t, d, id))
}

func TestQueuedMessagesCoalesceIntoOneTurn(t *testing.T) {
	d, claude, log := newTestDaemon(t)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "", "")
	require.NoError(t, err)

	claude.promptStarted = make(chan string)
	claude.promptRelease = make(chan stopOutcome)

	require.NoError(t, d.Prompt(ctx, id, "first", nil, nil))
	<-claude.promptStarted

	// Two messages arrive while the turn runs; they stay queued.
	require.NoError(t, d.Prompt(ctx, id, "second", nil, nil))
	require.NoError(t, d.Prompt(ctx, id, "third", nil, nil))
	assert.Equal(t, session.PhaseProcessing, d.registry.Phase(id))

	claude.promptRelease <- stopOutcome{stop: "end_turn"}
	<-claude.promptStarted // second turn begins with the coalesced prompt
	claude.promptRelease <- stopOutcome{stop: "end_turn"}

	log.waitFor(t, id, stream.EventTurnEnd)
	require.Eventually(t, func() bool {
		claude.mu.Lock()
		defer claude.mu.Unlock()
		return len(claude.prompts) == 2
	}, 2*time.Second, 5*time.Millisecond)

	claude.mu.Lock()
	defer claude.mu.Unlock()
	assert.Equal(t, "first", claude.prompts[0])
	assert.Equal(t, "second\n\nthird", claude.prompts[1])
}

func TestInterruptCancelsActiveTurn(t *testing.T) {
	d, claude, log := newTestDaemon(t)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "", "")
	require.NoError(t, err)

	claude.promptStarted = make(chan string)
	claude.promptRelease = make(chan stopOutcome, 1)

	require.NoError(t, d.Prompt(ctx, id, "long task", nil, nil))
	<-claude.promptStarted

	d.Interrupt(ctx, id)
	end := log.waitFor(t, id, stream.EventTurnEnd)
	assert.Equal(t, stream.StopCancelled, end.Stop)

	claude.mu.Lock()
	assert.Equal(t, []string{id}, claude.cancelled)
	claude.mu.Unlock()

	// Idempotent: nothing processing, silently ignored.
	d.Interrupt(ctx, id)
}

func TestInterruptAndPromptReplacesQueue(t *testing.T) {
	d, claude, _ := newTestDaemon(t)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "", "")
	require.NoError(t, err)

	claude.promptStarted = make(chan string)
	claude.promptRelease = make(chan stopOutcome, 1)

	require.NoError(t, d.Prompt(ctx, id, "original", nil, nil))
	<-claude.promptStarted

	require.NoError(t, d.Prompt(ctx, id, "stale one", nil, nil))
	require.NoError(t, d.InterruptAndPrompt(ctx, id, "replacement", nil, nil))

	// The cancelled turn's finally path drains only the replacement.
	<-claude.promptStarted
	claude.promptRelease <- stopOutcome{stop: "end_turn"}

	require.Eventually(t, func() bool {
		claude.mu.Lock()
		defer claude.mu.Unlock()
		return len(claude.prompts) == 2
	}, 2*time.Second, 5*time.Millisecond)

	claude.mu.Lock()
	defer claude.mu.Unlock()
	assert.Equal(t, "replacement", claude.prompts[1])
}

func TestDrainLoopReleaseSeesLateEnqueue(t *testing.T) {
	d, claude, log := newTestDaemon(t)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "", "")
	require.NoError(t, err)

	// Interleaving under test: the loop's DrainAll saw an empty queue, then
	// a prompt lands before the release. Its BeginQueued fails because the
	// loop still owns the phase, so only the loop can drain the message.
	require.True(t, d.registry.SetPhase(id, session.PhaseProcessing))
	require.NoError(t, d.Prompt(ctx, id, "late arrival", nil, nil))
	assert.False(t, d.registry.BeginQueued(id))
	assert.Equal(t, 1, d.queue.Len(id))

	// The release must refuse while a message is pending.
	assert.False(t, d.registry.ReleaseIfEmpty(id, func() int { return d.queue.Len(id) }))

	// The continuing loop drains it and only then goes idle.
	go d.drainLoop(id)
	log.waitFor(t, id, stream.EventTurnEnd)

	claude.mu.Lock()
	prompts := append([]string(nil), claude.prompts...)
	claude.mu.Unlock()
	assert.Equal(t, []string{"late arrival"}, prompts)
	assert.Equal(t, 0, d.queue.Len(id))
	require.Eventually(t, func() bool {
		return d.registry.Phase(id) == session.PhaseIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManualRenameCancelsTitleGeneration(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "", "")
	require.NoError(t, err)

	// A title generation is in flight when the user renames the card.
	d.titleMu.Lock()
	d.titleInFlight[id] = true
	d.titleMu.Unlock()
	require.NoError(t, d.RenameSession(ctx, id, "my title"))

	// The generated title arrives late and must be dropped.
	d.applyGeneratedTitle(id, "generated title")
	s, ok := d.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, "my title", s.Title)

	// Without a rename the generated title applies normally.
	id2, err := d.CreateSession(ctx, "", "")
	require.NoError(t, err)
	d.titleMu.Lock()
	d.titleInFlight[id2] = true
	d.titleMu.Unlock()
	d.applyGeneratedTitle(id2, "generated title")
	s2, ok := d.registry.Get(id2)
	require.True(t, ok)
	assert.Equal(t, "generated title", s2.Title)
}

func TestSessionGoneTriggersTransparentReplacement(t *testing.T) {
	d, claude, log := newTestDaemon(t)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "", "/repo")
	require.NoError(t, err)
	claude.markGone(id)

	require.NoError(t, d.Prompt(ctx, id, "hello again", nil, nil))

	replaced := log.waitFor(t, "", stream.EventSessionReplaced)
	require.NotNil(t, replaced.Replaced)
	assert.Equal(t, id, replaced.Replaced.OldID)
	newID := replaced.Replaced.NewID
	require.NotEmpty(t, newID)

	end := log.waitFor(t, newID, stream.EventTurnEnd)
	assert.Equal(t, stream.StopEndTurn, end.Stop)

	// session_replaced precedes every event carrying the new id.
	events := log.all()
	var replacedIdx, firstNewIdx int = -1, -1
	for i, ev := range events {
		if ev.Type == stream.EventSessionReplaced && replacedIdx < 0 {
			replacedIdx = i
		}
		if ev.SID() == newID && firstNewIdx < 0 {
			firstNewIdx = i
		}
	}
	require.GreaterOrEqual(t, replacedIdx, 0)
	require.GreaterOrEqual(t, firstNewIdx, 0)
	assert.Less(t, replacedIdx, firstNewIdx)

	// The prompt ran under the new id, and the old bindings are gone.
	claude.mu.Lock()
	assert.Equal(t, []string{"hello again"}, claude.prompts)
	claude.mu.Unlock()

	kind, err := d.store.ExecutorKind(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, acp.KindClaude, kind)
	ids, err := d.store.ManagedSessionIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, newID)
	assert.NotContains(t, ids, id)
}

func TestDeleteSessionClearsEverything(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "", "")
	require.NoError(t, err)

	deleted, err := d.DeleteSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, deleted)

	ids, err := d.store.ManagedSessionIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	snap, err := d.store.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotContains(t, snap.ColumnOverrides, id)
	_, tracked := d.registry.Get(id)
	assert.False(t, tracked)
}

func TestCancelQueuedMessage(t *testing.T) {
	d, claude, log := newTestDaemon(t)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "", "")
	require.NoError(t, err)

	claude.promptStarted = make(chan string)
	claude.promptRelease = make(chan stopOutcome, 1)
	require.NoError(t, d.Prompt(ctx, id, "busy", nil, nil))
	<-claude.promptStarted

	require.NoError(t, d.Prompt(ctx, id, "queued", nil, nil))
	queued := log.waitFor(t, id, stream.EventMessageQueued)
	var queueID string
	for _, ev := range log.all() {
		if ev.Type == stream.EventMessageQueued && ev.Queue.Text == "queued" {
			queueID = ev.Queue.QueueID
		}
	}
	require.NotEmpty(t, queueID, "queued event: %+v", queued)

	d.CancelQueuedMessage(queueID)
	cancelled := log.waitFor(t, id, stream.EventQueueCancelled)
	assert.Equal(t, queueID, cancelled.Queue.QueueID)

	// Unknown ids are a no-op.
	d.CancelQueuedMessage("nonexistent")

	claude.promptRelease <- stopOutcome{stop: "end_turn"}
	log.waitFor(t, id, stream.EventTurnEnd)

	claude.mu.Lock()
	defer claude.mu.Unlock()
	assert.Equal(t, []string{"busy"}, claude.prompts)
}

func TestPermissionResolveAndRelease(t *testing.T) {
	d, _, log := newTestDaemon(t)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "", "")
	require.NoError(t, err)

	req := &stream.PermissionRequest{
		RequestID: "perm-1",
		Title:     "Run ls?",
		Options: []stream.PermissionOption{
			{OptionID: "allow", Name: "Allow"},
			{OptionID: "deny", Name: "Deny"},
		},
	}

	answered := make(chan struct{})
	go func() {
		optionID, cancelled := d.onPermissionRequest(ctx, id, req)
		assert.Equal(t, "allow", optionID)
		assert.False(t, cancelled)
		close(answered)
	}()

	log.waitFor(t, id, stream.EventPermissionRequest)
	require.NoError(t, d.ResolvePermission("perm-1", "allow"))
	<-answered

	resolved := log.waitFor(t, id, stream.EventPermissionResolved)
	assert.Equal(t, "allow", resolved.Resolution.OptionID)
	assert.Equal(t, "Allow", resolved.Resolution.OptionName)

	// Resolving twice fails.
	assert.Error(t, d.ResolvePermission("perm-1", "allow"))

	// Release path: open requests are denied once.
	req2 := &stream.PermissionRequest{RequestID: "perm-2", Options: req.Options}
	denied := make(chan struct{})
	go func() {
		_, cancelled := d.onPermissionRequest(ctx, id, req2)
		assert.True(t, cancelled)
		close(denied)
	}()
	require.Eventually(t, func() bool {
		d.permMu.Lock()
		defer d.permMu.Unlock()
		return len(d.permissions) == 1
	}, time.Second, 5*time.Millisecond)
	d.releasePermissions(id)
	<-denied
}

func TestRouteWhitelistBypassesPool(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	ctx := context.Background()

	// The pool is cold, so any call reaching it errors and defaults to
	// continue; whitelisted inputs must not even get that far, but the
	// observable contract is the same: continue.
	for _, text := range []string{"/compact", "yes", "OK", "go ahead", "Stop!", "  thanks  "} {
		assert.True(t, d.RouteWithFastModel(ctx, text, "", ""), "whitelisted %q", text)
	}
}

func TestBroadcastSessionsStubsAndFiltering(t *testing.T) {
	d, claude, log := newTestDaemon(t)
	ctx := context.Background()

	managed, err := d.CreateSession(ctx, "", "/repo")
	require.NoError(t, err)

	// The agent also lists a foreign session this daemon never created.
	claude.mu.Lock()
	claude.listed = []listedSession{
		{SessionID: managed, Title: "from agent"},
		{SessionID: "foreign-1", Title: "someone else"},
	}
	claude.mu.Unlock()
	waitFlightDone(t, d)

	d.BroadcastSessions(ctx)

	require.Eventually(t, func() bool {
		for _, ev := range log.all() {
			if ev.Type != stream.EventSessions || len(ev.Sessions) != 1 {
				continue
			}
			s := ev.Sessions[0]
			if s.ID == managed && s.Live {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "foreign session not filtered out")

	// A freshly created session the agent does not list yet still appears
	// as a managed stub.
	claude.mu.Lock()
	claude.listed = nil
	claude.mu.Unlock()
	stub, err := d.CreateSession(ctx, "", "")
	require.NoError(t, err)
	waitFlightDone(t, d)

	d.BroadcastSessions(ctx)
	require.Eventually(t, func() bool {
		for _, ev := range log.all() {
			if ev.Type != stream.EventSessions {
				continue
			}
			for _, s := range ev.Sessions {
				if s.ID == stub {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "managed-but-unlisted session missing")
}

// waitFlightDone waits out any background sessions-list pass so the next
// explicit call observes fresh fake state.
func waitFlightDone(t *testing.T, d *Daemon) {
	t.Helper()
	require.Eventually(t, func() bool {
		d.flightMu.Lock()
		defer d.flightMu.Unlock()
		return d.flight == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecoverMovesDeadSessionsToReview(t *testing.T) {
	d, claude, log := newTestDaemon(t)
	ctx := context.Background()

	// Board remembers two in-progress sessions from before the restart.
	require.NoError(t, d.store.RegisterManagedSession(ctx, "alive", "/a"))
	require.NoError(t, d.store.RegisterManagedSession(ctx, "dead", "/b"))
	require.NoError(t, d.store.ApplyOps(ctx, []kanban.Op{
		kanban.SetColumnOp("alive", kanban.ColumnInProgress),
		kanban.SetColumnOp("dead", kanban.ColumnInProgress),
	}))
	claude.markGone("dead")

	require.NoError(t, d.recover(ctx))

	assert.Equal(t, kanban.ColumnInProgress, column(t, d, "alive"))
	assert.Equal(t, kanban.ColumnInReview, column(t, d, "dead"))

	end := log.waitFor(t, "dead", stream.EventTurnEnd)
	assert.Equal(t, stream.StopServerRestart, end.Stop)

	s, ok := d.registry.Get("alive")
	require.True(t, ok)
	assert.True(t, s.Live)
}
