package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentboard/agentboard/internal/common/logger"
)

// fakeAgent is the far side of the stdio pair: it reads what the client
// writes and can inject lines onto the client's read stream.
type fakeAgent struct {
	in  *bufio.Reader  // lines written by the client
	out io.WriteCloser // lines delivered to the client
}

func newTestClient(t *testing.T) (*Client, *fakeAgent) {
	t.Helper()

	clientIn, agentOut := io.Pipe()
	agentIn, clientOut := io.Pipe()

	c := NewClient(clientOut, clientIn, logger.Default())
	agent := &fakeAgent{in: bufio.NewReader(agentIn), out: agentOut}

	t.Cleanup(func() {
		c.Stop()
		_ = agentOut.Close()
		_ = clientOut.Close()
	})
	return c, agent
}

func (f *fakeAgent) readRequest(t *testing.T) Request {
	t.Helper()
	line, err := f.in.ReadBytes('\n')
	require.NoError(t, err)
	var req Request
	require.NoError(t, json.Unmarshal(line, &req))
	return req
}

func (f *fakeAgent) writeLine(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = f.out.Write(append(data, '\n'))
	require.NoError(t, err)
}

func TestCallRoundTrip(t *testing.T) {
	c, agent := newTestClient(t)
	c.Start(context.Background())

	go func() {
		req := agent.readRequest(t)
		agent.writeLine(t, Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`{"ok":true}`),
		})
	}()

	result, err := c.Call(context.Background(), "ping", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestCallErrorResponse(t *testing.T) {
	c, agent := newTestClient(t)
	c.Start(context.Background())

	go func() {
		req := agent.readRequest(t)
		agent.writeLine(t, Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &Error{Code: -32603, Message: "No conversation found"},
		})
	}()

	_, err := c.Call(context.Background(), "prompt", nil)
	require.Error(t, err)

	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32603, rpcErr.Code)
	assert.Equal(t, "No conversation found", rpcErr.Message)
}

func TestCallContextCancelled(t *testing.T) {
	c, _ := newTestClient(t)
	c.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Call(ctx, "prompt", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNotificationDispatch(t *testing.T) {
	c, agent := newTestClient(t)

	got := make(chan string, 1)
	c.SetNotificationHandler(func(method string, params json.RawMessage) {
		got <- method
	})
	c.Start(context.Background())

	agent.writeLine(t, Request{JSONRPC: "2.0", Method: "sessionUpdate", Params: json.RawMessage(`{}`)})

	select {
	case method := <-got:
		assert.Equal(t, "sessionUpdate", method)
	case <-time.After(time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestSideChannelDiverted(t *testing.T) {
	c, agent := newTestClient(t)

	diverted := make(chan []byte, 1)
	c.SetSideChannelHandler(func(line []byte) {
		cp := make([]byte, len(line))
		copy(cp, line)
		diverted <- cp
	})

	var tapped [][]byte
	var tapMu sync.Mutex
	c.SetTap(func(direction string, line []byte) {
		tapMu.Lock()
		cp := make([]byte, len(line))
		copy(cp, line)
		tapped = append(tapped, cp)
		tapMu.Unlock()
	})
	c.Start(context.Background())

	_, err := agent.out.Write([]byte(SideChannelPrefix + `{"id":"t1","state":"started"}` + "\n"))
	require.NoError(t, err)

	select {
	case line := <-diverted:
		assert.JSONEq(t, `{"id":"t1","state":"started"}`, string(line))
	case <-time.After(time.Second):
		t.Fatal("side-channel line not diverted")
	}

	// Diverted lines never reach the tap or the JSON-RPC parser.
	tapMu.Lock()
	assert.Empty(t, tapped)
	tapMu.Unlock()
}

func TestAgentInitiatedRequest(t *testing.T) {
	c, agent := newTestClient(t)

	c.SetRequestHandler(func(method string, params json.RawMessage) (any, *Error) {
		assert.Equal(t, "requestPermission", method)
		return map[string]string{"answer": "allow"}, nil
	})
	c.Start(context.Background())

	id := int64(7)
	agent.writeLine(t, Request{JSONRPC: "2.0", ID: &id, Method: "requestPermission", Params: json.RawMessage(`{}`)})

	line, err := agent.in.ReadBytes('\n')
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	require.NotNil(t, resp.ID)
	assert.Equal(t, id, *resp.ID)
	assert.JSONEq(t, `{"answer":"allow"}`, string(resp.Result))
}

func TestPendingCallsFailOnStop(t *testing.T) {
	c, agent := newTestClient(t)
	c.Start(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "prompt", nil)
		done <- err
	}()

	// Wait for the request to hit the wire, then close the agent.
	agent.readRequest(t)
	c.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not failed")
	}

	_, err := c.Call(context.Background(), "prompt", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestLineReaderLargeAndSplitLines(t *testing.T) {
	t.Run("line split across reads", func(t *testing.T) {
		r, w := io.Pipe()
		lr := newLineReader(r, 1024)

		go func() {
			_, _ = w.Write([]byte(`{"half":`))
			time.Sleep(5 * time.Millisecond)
			_, _ = w.Write([]byte("1}\n"))
		}()

		line, err := lr.next()
		require.NoError(t, err)
		assert.Equal(t, `{"half":1}`, string(line))
	})

	t.Run("oversized line errors instead of truncating", func(t *testing.T) {
		r, w := io.Pipe()
		lr := newLineReader(r, 16)

		go func() {
			_, _ = w.Write(make([]byte, 64))
		}()

		_, err := lr.next()
		require.Error(t, err)
	})

	t.Run("trailing line without newline at EOF", func(t *testing.T) {
		r, w := io.Pipe()
		lr := newLineReader(r, 1024)

		go func() {
			_, _ = w.Write([]byte(`{"tail":true}`))
			_ = w.Close()
		}()

		line, err := lr.next()
		require.NoError(t, err)
		assert.Equal(t, `{"tail":true}`, string(line))

		_, err = lr.next()
		assert.ErrorIs(t, err, io.EOF)
	})
}
