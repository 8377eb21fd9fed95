package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Outbox is the durable fallback for events whose broker publish failed after
// the triggering store mutation already committed. Rows are replayed in the
// background until they reach the broker; an event here is never dropped.
type Outbox struct {
	db *pgxpool.Pool
}

// NewOutbox creates an Outbox on the given pool.
func NewOutbox(db *pgxpool.Pool) *Outbox {
	return &Outbox{db: db}
}

// Add persists the event for later replay.
func (o *Outbox) Add(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = o.db.Exec(ctx,
		`INSERT INTO event_outbox (event_id, routing_key, payload)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, string(ev.Type), payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}

// Replay publishes up to batch unpublished rows, oldest first, and marks the
// ones that reached the broker. It returns the number published.
func (o *Outbox) Replay(ctx context.Context, pub Publisher, batch int) (int, error) {
	rows, err := o.db.Query(ctx,
		`SELECT event_id, payload FROM event_outbox
		 WHERE published_at IS NULL
		 ORDER BY created_at ASC
		 LIMIT $1`,
		batch,
	)
	if err != nil {
		return 0, fmt.Errorf("select outbox rows: %w", err)
	}

	type row struct {
		eventID string
		payload []byte
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.eventID, &r.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox row: %w", err)
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	published := 0
	for _, r := range pending {
		var ev Event
		if err := json.Unmarshal(r.payload, &ev); err != nil {
			log.Error().Err(err).Str("eventId", r.eventID).Msg("corrupt outbox payload, skipping")
			continue
		}
		if err := pub.Publish(ctx, ev); err != nil {
			// Broker still down; leave the row for the next tick.
			return published, err
		}
		if _, err := o.db.Exec(ctx,
			`UPDATE event_outbox SET published_at = NOW() WHERE event_id = $1`,
			r.eventID,
		); err != nil {
			return published, fmt.Errorf("mark outbox row published: %w", err)
		}
		published++
	}
	return published, nil
}

// Run replays the outbox on every tick until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context, pub Publisher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.Replay(ctx, pub, 100)
			if err != nil {
				log.Warn().Err(err).Msg("outbox replay incomplete")
			}
			if n > 0 {
				log.Info().Int("count", n).Msg("replayed outbox events")
			}
		}
	}
}

// Emitter publishes an event and falls back to the outbox when the broker is
// unreachable. The caller's primary write has already committed by the time
// Emit runs, so failures are absorbed here rather than surfaced.
type Emitter struct {
	pub    Publisher
	outbox *Outbox
}

// NewEmitter wires a publisher with its outbox fallback.
func NewEmitter(pub Publisher, outbox *Outbox) *Emitter {
	return &Emitter{pub: pub, outbox: outbox}
}

// Emit delivers the event, spilling to the outbox on publish failure.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	// The transition this event announces has already committed, so emission
	// must outlive the request: a client disconnect cancelling the inbound
	// context must not abort the publish or the outbox insert.
	ctx = context.WithoutCancel(ctx)

	err := e.pub.Publish(ctx, ev)
	if err == nil {
		return
	}
	log.Warn().Err(err).Str("eventId", ev.EventID).Msg("publish failed, spilling to outbox")
	if err := e.outbox.Add(ctx, ev); err != nil {
		// Last line of defense failed; this is operator-attention territory.
		log.Error().Err(err).Str("eventId", ev.EventID).Str("objectId", ev.ObjectID).Msg("event lost: outbox insert failed")
	}
}
