package acp

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentboard/agentboard/internal/agent/rpc"
	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/stream"
)

func TestIsSessionGone(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"internal error code", &rpc.Error{Code: -32603, Message: "internal"}, true},
		{"no conversation found", errors.New(`rpc error -32000: No conversation found with id "abc"`), true},
		{"session not found", &rpc.Error{Code: -32001, Message: "Session not found"}, true},
		{"wrapped", errors.New("prompt: Session not found"), true},
		{"unrelated error", errors.New("connection refused"), false},
		{"other rpc error", &rpc.Error{Code: -32602, Message: "invalid params"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSessionGone(tt.err))
		})
	}
}

func TestConvertNotification(t *testing.T) {
	mustEvent := func(n *SessionNotification) *stream.Event {
		t.Helper()
		ev := convertNotification(n)
		require.NotNil(t, ev)
		require.NotNil(t, ev.SessionID)
		assert.Equal(t, "s1", *ev.SessionID)
		return ev
	}

	t.Run("message chunk", func(t *testing.T) {
		ev := mustEvent(&SessionNotification{
			SessionID: "s1",
			Update: SessionUpdate{AgentMessageChunk: &ContentChunkUpdate{
				Content: TextChunk("hello"),
			}},
		})
		assert.Equal(t, stream.EventText, ev.Type)
		assert.Equal(t, "hello", ev.Text)
	})

	t.Run("thought chunk", func(t *testing.T) {
		ev := mustEvent(&SessionNotification{
			SessionID: "s1",
			Update: SessionUpdate{AgentThoughtChunk: &ContentChunkUpdate{
				Content: TextChunk("hmm"),
			}},
		})
		assert.Equal(t, stream.EventThought, ev.Type)
	})

	t.Run("tool call defaults to running", func(t *testing.T) {
		ev := mustEvent(&SessionNotification{
			SessionID: "s1",
			Update: SessionUpdate{ToolCall: &ToolCallUpdate{
				ToolCallID: "tc1",
				Name:       "Bash",
				RawInput:   json.RawMessage(`{"command":"ls"}`),
			}},
		})
		assert.Equal(t, stream.EventToolCall, ev.Type)
		require.NotNil(t, ev.Tool)
		assert.Equal(t, "running", ev.Tool.Status)
		assert.Equal(t, "Bash", ev.Tool.Name)
	})

	t.Run("tool call update", func(t *testing.T) {
		ev := mustEvent(&SessionNotification{
			SessionID: "s1",
			Update: SessionUpdate{ToolCallUpdate: &ToolCallUpdate{
				ToolCallID: "tc1",
				Status:     "completed",
			}},
		})
		assert.Equal(t, stream.EventToolCallUpdate, ev.Type)
		assert.Equal(t, "completed", ev.Tool.Status)
	})

	t.Run("plan", func(t *testing.T) {
		ev := mustEvent(&SessionNotification{
			SessionID: "s1",
			Update: SessionUpdate{Plan: &PlanUpdate{Entries: []PlanEntry{
				{Content: "step one", Status: "pending"},
			}}},
		})
		assert.Equal(t, stream.EventPlan, ev.Type)
		require.Len(t, ev.Plan, 1)
		assert.Equal(t, "step one", ev.Plan[0].Content)
	})

	t.Run("non-text chunk dropped", func(t *testing.T) {
		ev := convertNotification(&SessionNotification{
			SessionID: "s1",
			Update: SessionUpdate{AgentMessageChunk: &ContentChunkUpdate{
				Content: ImageChunk("aGk=", "image/png"),
			}},
		})
		assert.Nil(t, ev)
	})

	t.Run("empty update dropped", func(t *testing.T) {
		assert.Nil(t, convertNotification(&SessionNotification{SessionID: "s1"}))
	})
}

func TestSideTaskStore(t *testing.T) {
	store := NewSideTaskStore(logger.Default())

	store.Ingest([]byte(`{"id":"t1","state":"started","title":"index repo"}`))
	store.Ingest([]byte(`{"id":"t2","state":"started"}`))
	store.Ingest([]byte(`{"id":"t1","state":"progress","detail":"40%"}`))
	store.Ingest([]byte(`{"id":"t2","state":"done"}`))
	store.Ingest([]byte(`not json`)) // dropped
	store.Ingest([]byte(`{"state":"started"}`))

	tasks := store.List()
	require.Len(t, tasks, 2)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, "index repo", tasks[0].Title)
	assert.Equal(t, SideTaskProgress, tasks[0].State)
	assert.Equal(t, "40%", tasks[0].Detail)

	// Child exit: open tasks end without confirmation, terminated ones keep
	// their state.
	store.Flush()
	tasks = store.List()
	assert.Equal(t, SideTaskUnconfirmed, tasks[0].State)
	assert.Equal(t, SideTaskDone, tasks[1].State)
}

func TestSpecFor(t *testing.T) {
	t.Run("unknown kind", func(t *testing.T) {
		_, err := SpecFor("gemini", configExecutor())
		assert.Error(t, err)
	})

	t.Run("claude model flows through env", func(t *testing.T) {
		cfg := configExecutor()
		cfg.Model = "claude-sonnet-latest"
		cfg.ThinkingBudget = 8096
		spec, err := SpecFor(KindClaude, cfg)
		require.NoError(t, err)
		assert.Contains(t, spec.Env, "ANTHROPIC_MODEL=claude-sonnet-latest")
		assert.Contains(t, spec.Env, "MAX_THINKING_TOKENS=8096")
	})

	t.Run("codex model flows through args", func(t *testing.T) {
		cfg := configExecutor()
		cfg.Model = "gpt-5-codex"
		spec, err := SpecFor(KindCodex, cfg)
		require.NoError(t, err)
		assert.Equal(t, []string{"--model", "gpt-5-codex"}, spec.Args)
	})
}

func configExecutor() config.ExecutorConfig {
	return config.ExecutorConfig{}
}
