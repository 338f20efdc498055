package daemon

import (
	"context"
	"encoding/json"

	"github.com/agentboard/agentboard/internal/agent/acp"
	"github.com/agentboard/agentboard/internal/stream"
)

// agentConn is the slice of the agent connection the daemon drives.
type agentConn interface {
	NewSession(ctx context.Context, cwd string) (*acp.NewSessionResult, error)
	ResumeSession(ctx context.Context, sessionID, cwd string) error
	Prompt(ctx context.Context, sessionID string, chunks []acp.ContentChunk) (*acp.PromptResult, error)
	Cancel(ctx context.Context, sessionID string) error
	Ext(ctx context.Context, method string, params any) (json.RawMessage, error)
	SideTasks() *acp.SideTaskStore
}

// agentManager is the executor set the daemon coordinates.
type agentManager interface {
	Start(ctx context.Context) error
	Get(kind string) (agentConn, error)
	Primary() (agentConn, error)
	Kinds() []stream.ExecutorInfo
	Drop(kind string)
	Close()
}

// managerAdapter narrows *acp.Manager to the daemon's view.
type managerAdapter struct {
	m *acp.Manager
}

func (a managerAdapter) Start(ctx context.Context) error { return a.m.Start(ctx) }

func (a managerAdapter) Get(kind string) (agentConn, error) {
	conn, err := a.m.Get(kind)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (a managerAdapter) Primary() (agentConn, error) {
	conn, err := a.m.Primary()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (a managerAdapter) Kinds() []stream.ExecutorInfo { return a.m.Kinds() }
func (a managerAdapter) Drop(kind string)             { a.m.Drop(kind) }
func (a managerAdapter) Close()                       { a.m.Close() }
