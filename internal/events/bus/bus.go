// Package bus provides the event bus the daemon's broadcast sink publishes
// into and the WebSocket gateway consumes from.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the event bus. Payload holds the serialized
// broadcast envelope; SessionID is nil for app-wide events.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SessionID *string         `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType string, sessionID *string, payload json.RawMessage) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the minimal pub/sub surface the daemon and gateway need.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// NATS-style wildcards are supported: * (single token) and > (tail).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the bus.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
