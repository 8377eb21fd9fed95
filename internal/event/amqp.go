package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Topology declares the exchange, processing queue, and dead-letter queue on
// the broker. Both queues are durable; rejected deliveries route to the DLQ
// through the default exchange.
type Topology struct {
	Exchange        string
	Queue           string
	DeadLetterQueue string
}

// Declare sets up the broker topology on the given channel.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}

	_, err := ch.QueueDeclare(t.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DeadLetterQueue,
	})
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	for _, key := range []Type{TypeCreated, TypePromoted, TypeDeleted} {
		if err := ch.QueueBind(t.Queue, string(key), t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue for %s: %w", key, err)
		}
	}
	return nil
}

// AMQPPublisher publishes lifecycle events to a RabbitMQ exchange with
// bounded retries. The event type doubles as the routing key.
type AMQPPublisher struct {
	ch       *amqp.Channel
	exchange string
	attempts int

	sleep func(time.Duration)
}

// NewAMQPPublisher declares the topology and returns a publisher on conn.
func NewAMQPPublisher(conn *amqp.Connection, topo Topology, attempts int) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := topo.Declare(ch); err != nil {
		return nil, err
	}
	if attempts < 1 {
		attempts = 1
	}
	return &AMQPPublisher{ch: ch, exchange: topo.Exchange, attempts: attempts, sleep: time.Sleep}, nil
}

// Publish delivers the event as a persistent JSON message. Transient broker
// failures are retried with backoff; exhaustion yields ErrPublishFailed.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		lastErr = p.ch.PublishWithContext(ctx, p.exchange, string(ev.Type), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.EventID,
			Timestamp:    ev.OccurredAt,
			Body:         body,
		})
		if lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Str("eventId", ev.EventID).Int("attempt", attempt).Msg("event publish failed")
		if attempt < p.attempts {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrPublishFailed, err)
			}
			p.sleep(200 * time.Millisecond << (attempt - 1))
		}
	}
	return fmt.Errorf("%w: %v", ErrPublishFailed, lastErr)
}

// Close releases the underlying channel.
func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}

// Consumer drives an acknowledge-after-processing loop over the processing
// queue. Deliveries are deduplicated by event id before side effects run.
type Consumer struct {
	ch      *amqp.Channel
	queue   string
	dedup   Deduper
	handler Handler
}

// NewConsumer declares the topology and returns a consumer on conn.
func NewConsumer(conn *amqp.Connection, topo Topology, dedup Deduper, handler Handler) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := topo.Declare(ch); err != nil {
		return nil, err
	}
	if err := ch.Qos(8, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Consumer{ch: ch, queue: topo.Queue, dedup: dedup, handler: handler}, nil
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return c.ch.Close()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.dispatch(ctx, d)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	var ev Event
	if err := json.Unmarshal(d.Body, &ev); err != nil || ev.EventID == "" {
		// Unparseable payloads can never succeed; straight to the DLQ.
		log.Error().Err(err).Msg("malformed event delivery")
		_ = d.Nack(false, false)
		return
	}

	logger := log.With().Str("eventId", ev.EventID).Str("objectId", ev.ObjectID).Str("type", string(ev.Type)).Logger()

	seen, err := c.dedup.Seen(ctx, ev.EventID)
	if err != nil {
		// Dedup store trouble degrades to at-least-once, never to a drop.
		logger.Warn().Err(err).Msg("dedup check failed, processing anyway")
	}
	if seen {
		logger.Debug().Msg("duplicate event, acking")
		_ = d.Ack(false)
		return
	}

	switch c.handler.Handle(ctx, ev) {
	case ResultProcessed:
		if err := c.dedup.Mark(ctx, ev.EventID); err != nil {
			logger.Warn().Err(err).Msg("dedup mark failed")
		}
		_ = d.Ack(false)
	case ResultRetry:
		logger.Warn().Msg("transient consumer failure, requeueing")
		_ = d.Nack(false, true)
	case ResultDeadLetter:
		logger.Error().Msg("unprocessable event, dead-lettering")
		_ = d.Nack(false, false)
	}
}
