// Package bus carries the daemon's internal telemetry: turn completions,
// emotion snapshots, swarm agent results, work queue transitions and ambient
// notifications. The in-memory implementation is the default; NATS takes over
// when a URL is configured so external observers can tap the same subjects.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope published on every subject. The same shape is
// forwarded verbatim to websocket clients, so field names are part of the
// client protocol.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"` // component that produced the event
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent stamps a payload with a fresh ID and UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Returning an error is logged by the bus
// but never stops delivery to other subscribers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a handle for cancelling a subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish side plus subject subscriptions. Subjects follow
// NATS conventions: dot-separated tokens with * matching one token and >
// matching the remainder.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
