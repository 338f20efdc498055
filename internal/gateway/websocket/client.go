package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/kanban"
	"github.com/agentboard/agentboard/internal/queue"
	"github.com/agentboard/agentboard/internal/stream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is a single WebSocket connection.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		ID:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads commands from the connection and dispatches them. Runs in
// its own goroutine; exits on connection error and unregisters the client.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected websocket close", zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.logger.Warn("malformed command", zap.Error(err))
			continue
		}
		c.handleCommand(ctx, &cmd)
	}
}

// WritePump writes outbound messages and pings. Batches whatever is queued
// behind the first message into a single frame write.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
			return

		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON queues one message on the client's own buffer.
func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal outbound message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping message")
	}
}

func (c *Client) respond(cmd *Command, payload any, err error) {
	if err != nil {
		c.sendJSON(errResponse(cmd, err))
		return
	}
	c.sendJSON(okResponse(cmd, payload))
}

type attachmentPayload struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

type sessionPayload struct {
	SessionID string `json:"session_id"`
}

type promptPayload struct {
	SessionID string              `json:"session_id"`
	Text      string              `json:"text"`
	Images    []attachmentPayload `json:"images,omitempty"`
	Files     []string            `json:"files,omitempty"`
}

func (p *promptPayload) attachments() []queue.Attachment {
	if len(p.Images) == 0 {
		return nil
	}
	out := make([]queue.Attachment, 0, len(p.Images))
	for _, img := range p.Images {
		out = append(out, queue.Attachment{Data: img.Data, MimeType: img.MimeType})
	}
	return out
}

func (c *Client) handleCommand(ctx context.Context, cmd *Command) {
	core := c.hub.core

	switch cmd.Action {
	case ActionCreateSession:
		var p struct {
			Executor    string `json:"executor"`
			ProjectPath string `json:"project_path"`
		}
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		id, err := core.CreateSession(ctx, p.Executor, p.ProjectPath)
		c.respond(cmd, map[string]string{"session_id": id}, err)

	case ActionPrompt:
		var p promptPayload
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		err := core.Prompt(ctx, p.SessionID, p.Text, p.attachments(), p.Files)
		c.respond(cmd, nil, err)

	case ActionPoolPrompt:
		var p promptPayload
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		err := core.PoolPrompt(ctx, p.SessionID, p.Text)
		c.respond(cmd, nil, err)

	case ActionInterrupt:
		var p sessionPayload
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		core.Interrupt(ctx, p.SessionID)
		c.respond(cmd, nil, nil)

	case ActionInterruptAndPrompt:
		var p promptPayload
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		err := core.InterruptAndPrompt(ctx, p.SessionID, p.Text, p.attachments(), p.Files)
		c.respond(cmd, nil, err)

	case ActionEnqueue:
		var p promptPayload
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		err := core.EnqueueMessage(ctx, p.SessionID, p.Text, p.attachments(), p.Files)
		c.respond(cmd, nil, err)

	case ActionCancelQueued:
		var p struct {
			QueueID string `json:"queue_id"`
		}
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		core.CancelQueuedMessage(p.QueueID)
		c.respond(cmd, nil, nil)

	case ActionRename:
		var p struct {
			SessionID string `json:"session_id"`
			Title     string `json:"title"`
		}
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		err := core.RenameSession(ctx, p.SessionID, p.Title)
		c.respond(cmd, nil, err)

	case ActionDelete:
		var p sessionPayload
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		removed, err := core.DeleteSession(ctx, p.SessionID)
		c.respond(cmd, map[string][]string{"deleted_ids": removed}, err)

	case ActionResolvePermission:
		var p struct {
			RequestID string `json:"request_id"`
			OptionID  string `json:"option_id"`
		}
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		err := core.ResolvePermission(p.RequestID, p.OptionID)
		c.respond(cmd, nil, err)

	case ActionKanbanOp:
		var p struct {
			Ops []kanban.Op `json:"ops"`
		}
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		err := core.ApplyKanbanOps(ctx, p.Ops)
		c.respond(cmd, nil, err)

	case ActionListSessions:
		go core.BroadcastSessions(ctx)
		c.respond(cmd, nil, nil)

	case ActionAttach:
		var p sessionPayload
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		c.respond(cmd, nil, nil)
		c.replaySession(p.SessionID)

	case ActionGetHistory:
		var p sessionPayload
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		raw, err := core.GetHistory(ctx, p.SessionID)
		c.respond(cmd, raw, err)

	case ActionGetSubagents:
		var p sessionPayload
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		raw, err := core.GetSubagents(ctx, p.SessionID)
		c.respond(cmd, raw, err)

	case ActionGetSubagentHistory:
		var p struct {
			SessionID string `json:"session_id"`
			AgentID   string `json:"agent_id"`
		}
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		raw, err := core.GetSubagentHistory(ctx, p.SessionID, p.AgentID)
		c.respond(cmd, raw, err)

	case ActionGetCommands:
		var p struct {
			Hint string `json:"hint"`
		}
		// Payload is optional here.
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &p); err != nil {
				c.respond(cmd, nil, err)
				return
			}
		}
		raw, err := core.GetAvailableCommands(ctx, p.Hint)
		c.respond(cmd, raw, err)

	case ActionGetTasks:
		var p sessionPayload
		if err := cmd.ParsePayload(&p); err != nil {
			c.respond(cmd, nil, err)
			return
		}
		raw, side, err := core.GetTasksList(ctx, p.SessionID)
		c.respond(cmd, map[string]any{"tasks": raw, "side_tasks": side}, err)

	default:
		c.logger.Warn("unknown action", zap.String("action", cmd.Action))
		c.sendJSON(&Response{ID: cmd.ID, Action: cmd.Action, OK: false, Error: "unknown action"})
	}
}

// replaySession catches a late-joining client up on one session: cached meta
// events first, then the in-turn content buffer, then synthetic turn_start
// and turn_activity when a turn is still running.
func (c *Client) replaySession(sessionID string) {
	meta, buffered, turn := c.hub.core.Replay(sessionID)

	for _, ev := range meta {
		c.sendJSON(ev)
	}
	if len(buffered) > 0 {
		c.sendJSON(stream.Event{
			Type:      stream.EventTurnContentReplay,
			SessionID: stream.SessionID(sessionID),
			Replay:    buffered,
		})
	}
	if turn != nil && turn.Status == stream.TurnInProgress {
		c.sendJSON(stream.Event{
			Type:      stream.EventTurnStart,
			SessionID: stream.SessionID(sessionID),
			Turn:      turn,
		})
		c.sendJSON(stream.Event{
			Type:      stream.EventTurnActivity,
			SessionID: stream.SessionID(sessionID),
			Activity:  turn.Activity,
			Detail:    turn.ActivityDetail,
			Turn:      turn,
		})
	}
}
