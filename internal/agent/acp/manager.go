package acp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/stream"
)

// Manager owns one connection per executor kind. The primary executor is
// required at startup; secondaries are best-effort.
type Manager struct {
	cfg    config.ExecutorsConfig
	opts   ConnOptions
	logger *logger.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewManager creates a manager; Start spawns the executors.
func NewManager(cfg config.ExecutorsConfig, opts ConnOptions, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		opts:   opts,
		logger: log.WithFields(zap.String("component", "agent-manager")),
		conns:  make(map[string]*Conn),
	}
}

// Start spawns the primary executor and any detected secondaries. A primary
// spawn failure is fatal; a secondary failure logs and continues.
func (m *Manager) Start(ctx context.Context) error {
	claudeSpec, err := SpecFor(KindClaude, m.cfg.Claude)
	if err != nil {
		return err
	}
	claude, err := Spawn(ctx, KindClaude, claudeSpec, m.opts, m.logger)
	if err != nil {
		return fmt.Errorf("primary executor unavailable: %w", err)
	}
	m.mu.Lock()
	m.conns[KindClaude] = claude
	m.mu.Unlock()

	codexSpec, err := SpecFor(KindCodex, m.cfg.Codex)
	if err == nil && codexSpec.Detected() {
		codex, spawnErr := Spawn(ctx, KindCodex, codexSpec, m.opts, m.logger)
		if spawnErr != nil {
			m.logger.Warn("secondary executor detected but failed to start, continuing without it",
				zap.Error(spawnErr))
		} else {
			m.mu.Lock()
			m.conns[KindCodex] = codex
			m.mu.Unlock()
		}
	}

	return nil
}

// Get returns the connection for an executor kind.
func (m *Manager) Get(kind string) (*Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[kind]
	if !ok {
		return nil, fmt.Errorf("executor %q not available", kind)
	}
	return conn, nil
}

// Primary returns the primary executor connection.
func (m *Manager) Primary() (*Conn, error) {
	return m.Get(KindClaude)
}

// Kinds lists available executors with their agent identity, primary first.
func (m *Manager) Kinds() []stream.ExecutorInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]stream.ExecutorInfo, 0, len(m.conns))
	for kind, conn := range m.conns {
		info := stream.ExecutorInfo{Kind: kind, Available: true}
		if ai := conn.AgentInfo(); ai != nil {
			info.AgentName = ai.Name
			info.AgentVersion = ai.Version
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind == KindClaude {
			return true
		}
		if out[j].Kind == KindClaude {
			return false
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Drop removes a dead connection so later Gets fail fast. Called from the
// exit handler.
func (m *Manager) Drop(kind string) {
	m.mu.Lock()
	delete(m.conns, kind)
	m.mu.Unlock()
}

// Close shuts down every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			m.logger.Warn("error closing agent connection",
				zap.String("executor", c.Kind()), zap.Error(err))
		}
	}
}
