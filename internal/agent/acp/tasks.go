package acp

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
)

// Side-channel task states. Terminator states are done and failed; a child
// exit with tasks still open flushes them as unconfirmed.
const (
	SideTaskStarted     = "started"
	SideTaskProgress    = "progress"
	SideTaskDone        = "done"
	SideTaskFailed      = "failed"
	SideTaskUnconfirmed = "ended_without_confirmation"
)

// SideTask is one background task reported on the agent's out-of-band
// stdout convention.
type SideTask struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// sideTaskHeader is the typed header following the line prefix.
type sideTaskHeader struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// SideTaskStore collects side-channel task lines for one connection.
type SideTaskStore struct {
	mu     sync.Mutex
	tasks  map[string]*SideTask
	logger *logger.Logger
}

// NewSideTaskStore creates an empty store.
func NewSideTaskStore(log *logger.Logger) *SideTaskStore {
	return &SideTaskStore{
		tasks:  make(map[string]*SideTask),
		logger: log.WithFields(zap.String("component", "side-tasks")),
	}
}

// Ingest parses one diverted line (prefix already stripped).
func (s *SideTaskStore) Ingest(line []byte) {
	var hdr sideTaskHeader
	if err := json.Unmarshal(line, &hdr); err != nil || hdr.ID == "" {
		s.logger.Warn("dropping malformed side-channel line", zap.ByteString("line", line))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	task, ok := s.tasks[hdr.ID]
	if !ok {
		task = &SideTask{ID: hdr.ID, StartedAt: now}
		s.tasks[hdr.ID] = task
	}
	if hdr.Title != "" {
		task.Title = hdr.Title
	}
	if hdr.Detail != "" {
		task.Detail = hdr.Detail
	}
	if hdr.State != "" {
		task.State = hdr.State
	}
	task.UpdatedAt = now
}

// Flush marks every task without a terminator as ended without
// confirmation. Called when the agent process exits.
func (s *SideTaskStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, task := range s.tasks {
		if task.State != SideTaskDone && task.State != SideTaskFailed {
			task.State = SideTaskUnconfirmed
			task.UpdatedAt = now
		}
	}
}

// List returns all tasks ordered by start time.
func (s *SideTaskStore) List() []SideTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SideTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
