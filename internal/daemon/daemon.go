// Package daemon is the singleton coordinator: it owns the agent
// connections, per-session turn state, message queues, the worker pool, and
// the board store, and it pushes every client-visible event through one
// replaceable sink so the transport layer can be reloaded without losing
// daemon state.
package daemon

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/agent/acp"
	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/events/bus"
	"github.com/agentboard/agentboard/internal/kanban"
	"github.com/agentboard/agentboard/internal/queue"
	"github.com/agentboard/agentboard/internal/session"
	"github.com/agentboard/agentboard/internal/stream"
	"github.com/agentboard/agentboard/internal/workerpool"
)

// Sink delivers one broadcast event to the installed transport. It must be
// fast; transports enqueue for async delivery.
type Sink func(ev stream.Event)

// Daemon is the long-lived coordinator.
type Daemon struct {
	cfg    *config.Config
	logger *logger.Logger

	agents   agentManager
	registry *session.Registry
	queue    *queue.Queue
	store    kanban.Store
	pool     *workerpool.Pool
	bus      bus.EventBus

	sinkMu sync.RWMutex
	sink   Sink

	// broadcastSessions single flight.
	flightMu sync.Mutex
	flight   *listFlight

	// Open permission requests, keyed by request id.
	permMu      sync.Mutex
	permissions map[string]*pendingPermission

	// Sessions with a title generation already running.
	titleMu       sync.Mutex
	titleInFlight map[string]bool

	baseCtx context.Context
	now     func() time.Time
}

// registration slot: the transport layer re-acquires the running daemon
// across hot reloads instead of constructing a new one.
var (
	slotMu  sync.Mutex
	current *Daemon
)

// Register installs d as the process-wide daemon instance.
func Register(d *Daemon) {
	slotMu.Lock()
	current = d
	slotMu.Unlock()
}

// Current returns the registered daemon, or nil before startup.
func Current() *Daemon {
	slotMu.Lock()
	defer slotMu.Unlock()
	return current
}

// New wires the daemon. Call Start to spawn executors and recover state.
func New(cfg *config.Config, store kanban.Store, pool *workerpool.Pool, eventBus bus.EventBus, log *logger.Logger) *Daemon {
	d := &Daemon{
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "daemon")),
		registry:      session.NewRegistry(log),
		queue:         queue.New(),
		store:         store,
		pool:          pool,
		bus:           eventBus,
		permissions:   make(map[string]*pendingPermission),
		titleInFlight: make(map[string]bool),
		baseCtx:       context.Background(),
		now:           time.Now,
	}
	d.agents = managerAdapter{m: acp.NewManager(cfg.Executors, acp.ConnOptions{
		OnEvent:      d.Broadcast,
		OnPermission: d.onPermissionRequest,
		OnExit:       d.onAgentExit,
		Tap:          d.onProtocolLine,
	}, log)}
	return d
}

// Start spawns the executors, warms the pool, and recovers board state.
func (d *Daemon) Start(ctx context.Context) error {
	d.baseCtx = ctx
	if err := d.agents.Start(ctx); err != nil {
		return err
	}
	if err := d.pool.Warmup(ctx); err != nil {
		d.logger.Warn("worker pool warmup failed, pool calls disabled", zap.Error(err))
	}
	if err := d.recover(ctx); err != nil {
		d.logger.Warn("startup recovery incomplete", zap.Error(err))
	}
	d.Broadcast(stream.Event{Type: stream.EventExecutors, Executors: d.agents.Kinds()})
	go d.BroadcastSessions(ctx)
	return nil
}

// Close tears everything down.
func (d *Daemon) Close() {
	d.releaseAllPermissions()
	d.agents.Close()
	d.pool.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("error closing board store", zap.Error(err))
	}
}

// SetEventSink replaces the broadcast sink. The daemon keeps running across
// transport reloads; only the sink changes.
func (d *Daemon) SetEventSink(sink Sink) {
	d.sinkMu.Lock()
	d.sink = sink
	d.sinkMu.Unlock()
}

// Executors lists the available executor kinds.
func (d *Daemon) Executors() []stream.ExecutorInfo {
	return d.agents.Kinds()
}

// Broadcast pushes one event through the pipeline: turn bookkeeping first,
// then meta caching, then the installed sink. set_activity events update
// state and emit a turn_activity but never reach clients themselves.
func (d *Daemon) Broadcast(ev stream.Event) {
	if activity := d.registry.Observe(&ev); activity != nil {
		defer d.emit(*activity)
	}
	if ev.Type == stream.EventSetActivity {
		return
	}
	if ev.SessionMeta() {
		d.registry.RecordMeta(&ev)
	}
	d.emit(ev)
}

func (d *Daemon) emit(ev stream.Event) {
	d.sinkMu.RLock()
	sink := d.sink
	d.sinkMu.RUnlock()
	if sink != nil {
		sink(ev)
	}
	d.mirror(ev)
}

// mirror publishes the event on the event bus for external subscribers.
// Best effort; the sink is the authoritative delivery path.
func (d *Daemon) mirror(ev stream.Event) {
	if d.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	subject := "stream." + string(ev.Type)
	busEv := bus.NewEvent(string(ev.Type), ev.SessionID, payload)
	if err := d.bus.Publish(d.baseCtx, subject, busEv); err != nil {
		d.logger.Debug("event bus publish failed", zap.Error(err))
	}
}

// Replay returns what a late-joining client needs for one session: cached
// metadata, the in-turn content buffer, and the current turn snapshot.
func (d *Daemon) Replay(sessionID string) (meta []stream.Event, buffered []stream.Event, turn *stream.TurnSnapshot) {
	meta, buffered = d.registry.Replay(sessionID)
	turn = d.registry.Snapshot(sessionID)
	return meta, buffered, turn
}

// KanbanSnapshot returns the authoritative board state.
func (d *Daemon) KanbanSnapshot(ctx context.Context) (kanban.Snapshot, error) {
	return d.store.Snapshot(ctx)
}

// ApplyKanbanOps applies a client op batch and broadcasts the new state.
func (d *Daemon) ApplyKanbanOps(ctx context.Context, ops []kanban.Op) error {
	if err := d.store.ApplyOps(ctx, ops); err != nil {
		return err
	}
	d.broadcastKanbanState(ctx)
	return nil
}

func (d *Daemon) broadcastKanbanState(ctx context.Context) {
	snap, err := d.store.Snapshot(ctx)
	if err != nil {
		d.logger.Error("failed to load board snapshot", zap.Error(err))
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	d.emit(stream.Event{Type: stream.EventKanbanStateChanged, Meta: payload})
}

// applyOpsQuiet applies daemon-internal board side effects without failing
// the surrounding turn.
func (d *Daemon) applyOpsQuiet(ctx context.Context, ops ...kanban.Op) {
	if err := d.store.ApplyOps(ctx, ops); err != nil {
		d.logger.Warn("board side effect failed", zap.Error(err))
		return
	}
	d.broadcastKanbanState(ctx)
}

// PoolMetrics exposes worker pool telemetry.
func (d *Daemon) PoolMetrics() workerpool.MetricsSnapshot {
	return d.pool.GetMetrics()
}

// onAgentExit surfaces a dead child as a system event. Children are not
// restarted; operators restart the daemon.
func (d *Daemon) onAgentExit(kind string, err error) {
	d.agents.Drop(kind)
	d.logger.Error("agent process exited", zap.String("executor", kind), zap.Error(err))
	d.emit(stream.Event{
		Type:   stream.EventSystem,
		Text:   "executor " + kind + " exited",
		Detail: errDetail(err),
	})
	d.emit(stream.Event{Type: stream.EventExecutors, Executors: d.agents.Kinds()})
}

// onProtocolLine mirrors raw RPC traffic for the protocol debug panel.
func (d *Daemon) onProtocolLine(kind, direction string, line []byte) {
	d.emit(stream.Event{
		Type: stream.EventProtocol,
		Protocol: &stream.ProtocolLine{
			Executor:  kind,
			Direction: direction,
			Line:      string(line),
		},
	})
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
