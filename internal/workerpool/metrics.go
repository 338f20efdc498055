package workerpool

import (
	"sync"
	"time"
)

// MetricEntry is one recorded pool call.
type MetricEntry struct {
	Op         string        `json:"op"`
	Duration   time.Duration `json:"duration"`
	OverBudget bool          `json:"over_budget"`
	Failed     bool          `json:"failed"`
}

// MetricsSnapshot is the aggregate pool telemetry.
type MetricsSnapshot struct {
	Calls         int            `json:"calls"`
	Failures      int            `json:"failures"`
	OverBudget    int            `json:"over_budget"`
	TotalDuration time.Duration  `json:"total_duration"`
	LastDuration  time.Duration  `json:"last_duration"`
	ByOp          map[string]int `json:"by_op"`
}

// Metrics accumulates pool call telemetry.
type Metrics struct {
	mu   sync.Mutex
	snap MetricsSnapshot
}

func (m *Metrics) record(entry MetricEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.ByOp == nil {
		m.snap.ByOp = make(map[string]int)
	}
	m.snap.Calls++
	m.snap.ByOp[entry.Op]++
	m.snap.TotalDuration += entry.Duration
	m.snap.LastDuration = entry.Duration
	if entry.Failed {
		m.snap.Failures++
	}
	if entry.OverBudget {
		m.snap.OverBudget++
	}
}

func (m *Metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.snap
	out.ByOp = make(map[string]int, len(m.snap.ByOp))
	for k, v := range m.snap.ByOp {
		out.ByOp[k] = v
	}
	return out
}
