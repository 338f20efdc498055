package daemon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/stream"
)

// pendingPermission is one agent permission request waiting on a client
// answer. The answer channel is buffered so resolution never blocks.
type pendingPermission struct {
	sessionID string
	req       *stream.PermissionRequest
	answer    chan permissionAnswer
}

type permissionAnswer struct {
	optionID  string
	cancelled bool
}

// onPermissionRequest is the agent-side callback: broadcast the request to
// clients and block until a client resolves it or the turn releases it.
func (d *Daemon) onPermissionRequest(ctx context.Context, sessionID string, req *stream.PermissionRequest) (string, bool) {
	p := &pendingPermission{
		sessionID: sessionID,
		req:       req,
		answer:    make(chan permissionAnswer, 1),
	}
	d.permMu.Lock()
	d.permissions[req.RequestID] = p
	d.permMu.Unlock()

	d.Broadcast(stream.Event{
		Type:       stream.EventPermissionRequest,
		SessionID:  stream.SessionID(sessionID),
		Permission: req,
	})

	defer func() {
		d.permMu.Lock()
		delete(d.permissions, req.RequestID)
		d.permMu.Unlock()
	}()

	select {
	case a := <-p.answer:
		return a.optionID, a.cancelled
	case <-ctx.Done():
		return "", true
	}
}

// ResolvePermission answers an open permission request on behalf of a
// client and broadcasts the resolution.
func (d *Daemon) ResolvePermission(requestID, optionID string) error {
	d.permMu.Lock()
	p, ok := d.permissions[requestID]
	if ok {
		delete(d.permissions, requestID)
	}
	d.permMu.Unlock()

	if !ok {
		return fmt.Errorf("no open permission request %s", requestID)
	}

	optionName := ""
	for _, opt := range p.req.Options {
		if opt.OptionID == optionID {
			optionName = opt.Name
		}
	}

	p.answer <- permissionAnswer{optionID: optionID}
	d.Broadcast(stream.Event{
		Type:      stream.EventPermissionResolved,
		SessionID: stream.SessionID(p.sessionID),
		Resolution: &stream.PermissionResolution{
			RequestID:  requestID,
			OptionID:   optionID,
			OptionName: optionName,
		},
	})
	return nil
}

// releasePermissions denies every open request of one session. Called
// before cancel goes out and when a turn ends, so the agent never hangs on
// a prompt nobody will answer.
func (d *Daemon) releasePermissions(sessionID string) {
	d.permMu.Lock()
	var released []*pendingPermission
	for id, p := range d.permissions {
		if p.sessionID == sessionID {
			released = append(released, p)
			delete(d.permissions, id)
		}
	}
	d.permMu.Unlock()

	for _, p := range released {
		p.answer <- permissionAnswer{cancelled: true}
		d.logger.Debug("released open permission request",
			zap.String("session_id", sessionID), zap.String("request_id", p.req.RequestID))
		d.Broadcast(stream.Event{
			Type:      stream.EventPermissionResolved,
			SessionID: stream.SessionID(sessionID),
			Resolution: &stream.PermissionResolution{
				RequestID: p.req.RequestID,
			},
		})
	}
}

func (d *Daemon) releaseAllPermissions() {
	d.permMu.Lock()
	var released []*pendingPermission
	for id, p := range d.permissions {
		released = append(released, p)
		delete(d.permissions, id)
	}
	d.permMu.Unlock()

	for _, p := range released {
		p.answer <- permissionAnswer{cancelled: true}
	}
}
