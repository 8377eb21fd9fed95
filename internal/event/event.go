// Package event publishes and consumes object lifecycle events.
// Delivery is at-least-once: publish failures after a committed store mutation
// land in a durable outbox for replay, and consumers deduplicate by event id
// before applying side effects.
package event

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type names an object lifecycle transition.
type Type string

// Lifecycle event types, used as routing keys.
const (
	TypeCreated  Type = "object.created"
	TypePromoted Type = "object.promoted"
	TypeDeleted  Type = "object.deleted"
)

// PayloadVersion is the current event payload schema version. Consumers must
// ignore fields they do not know.
const PayloadVersion = 1

// Event is an immutable fact about an object record transition.
type Event struct {
	EventID    string         `json:"eventId"`
	ObjectID   string         `json:"objectId"`
	Type       Type           `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	Version    int            `json:"version"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh unique id for the transition.
func New(objectID string, t Type, payload map[string]any) Event {
	return Event{
		EventID:    uuid.NewString(),
		ObjectID:   objectID,
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Version:    PayloadVersion,
		Payload:    payload,
	}
}

// ErrPublishFailed is returned when the broker rejected the event after the
// local retry budget was exhausted.
var ErrPublishFailed = errors.New("event publish failed")

// Publisher delivers lifecycle events to the broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Result is a consumer's verdict on one delivery.
type Result int

const (
	// ResultProcessed acknowledges the delivery; side effects are applied.
	ResultProcessed Result = iota
	// ResultRetry requeues the delivery for another attempt.
	ResultRetry
	// ResultDeadLetter routes the delivery to the dead-letter queue.
	ResultDeadLetter
)

// Handler processes one event and reports the outcome.
type Handler interface {
	Handle(ctx context.Context, ev Event) Result
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev Event) Result

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev Event) Result { return f(ctx, ev) }

// Deduper tracks which event ids a consumer has fully processed. Retention
// must exceed the broker's maximum redelivery window.
type Deduper interface {
	// Seen reports whether the event id was already processed.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Mark records the event id as processed.
	Mark(ctx context.Context, eventID string) error
}
