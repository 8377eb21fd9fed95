package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loopy/objectgate/internal/event"
	"github.com/loopy/objectgate/internal/object"
)

// Processor is the in-process consumer of lifecycle events. On created events
// it records post-upload processing results into the record's attributes; its
// dedup guard upstream makes redelivery harmless.
type Processor struct {
	store Store
}

// NewProcessor creates a Processor over the metadata store.
func NewProcessor(store Store) *Processor {
	return &Processor{store: store}
}

// Handle implements event.Handler.
func (p *Processor) Handle(ctx context.Context, ev event.Event) event.Result {
	switch ev.Type {
	case event.TypeCreated:
		return p.onCreated(ctx, ev)
	case event.TypePromoted, event.TypeDeleted:
		// Nothing derived from these yet; acknowledge so they leave the queue.
		return event.ResultProcessed
	default:
		// Forward compatibility: unknown event types from newer producers are
		// acknowledged, not dead-lettered.
		log.Debug().Str("type", string(ev.Type)).Msg("ignoring unknown event type")
		return event.ResultProcessed
	}
}

func (p *Processor) onCreated(ctx context.Context, ev event.Event) event.Result {
	rec, err := p.store.Get(ctx, ev.ObjectID)
	if errors.Is(err, object.ErrNotFound) {
		// The object is gone; no amount of retrying will bring it back.
		return event.ResultDeadLetter
	}
	if err != nil {
		return event.ResultRetry
	}
	if rec.LifecycleState == object.StateDeleted || rec.LifecycleState == object.StateDeleting {
		return event.ResultDeadLetter
	}

	err = p.store.UpdateAttributes(ctx, ev.ObjectID, map[string]any{
		"processing": map[string]any{
			"status":      "completed",
			"processedAt": time.Now().UTC().Format(time.RFC3339),
			"eventId":     ev.EventID,
		},
	})
	if errors.Is(err, object.ErrNotFound) {
		return event.ResultDeadLetter
	}
	if err != nil {
		return event.ResultRetry
	}

	log.Info().Str("objectId", ev.ObjectID).Str("eventId", ev.EventID).Msg("post-upload processing recorded")
	return event.ResultProcessed
}
