package event

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsUniqueIDs(t *testing.T) {
	a := New("obj-1", TypeCreated, nil)
	b := New("obj-1", TypeCreated, nil)

	assert.NotEmpty(t, a.EventID)
	assert.NotEqual(t, a.EventID, b.EventID)
	assert.Equal(t, PayloadVersion, a.Version)
	assert.False(t, a.OccurredAt.IsZero())
}

func TestMemoryDeduper(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDeduper()

	seen, err := d.Seen(ctx, "ev-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Mark(ctx, "ev-1"))

	seen, err = d.Seen(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

// fakeAcker records the acknowledgment decision for one delivery.
type fakeAcker struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue []bool
}

func (a *fakeAcker) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcker) Reject(uint64, bool) error { return nil }

// countingHandler counts side-effect applications per event id.
type countingHandler struct {
	mu     sync.Mutex
	calls  map[string]int
	result Result
}

func newCountingHandler(result Result) *countingHandler {
	return &countingHandler{calls: make(map[string]int), result: result}
}

func (h *countingHandler) Handle(_ context.Context, ev Event) Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[ev.EventID]++
	return h.result
}

func delivery(t *testing.T, ev Event, acker *fakeAcker) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: acker, Body: body}
}

func TestDispatchAppliesSideEffectExactlyOnce(t *testing.T) {
	ctx := context.Background()
	handler := newCountingHandler(ResultProcessed)
	c := &Consumer{dedup: NewMemoryDeduper(), handler: handler}

	ev := New("obj-1", TypeCreated, nil)
	acker := &fakeAcker{}

	// At-least-once delivery: the broker hands us the same event twice.
	c.dispatch(ctx, delivery(t, ev, acker))
	c.dispatch(ctx, delivery(t, ev, acker))

	assert.Equal(t, 1, handler.calls[ev.EventID], "side effect must apply exactly once")
	assert.Equal(t, 2, acker.acks, "duplicates are acked, not redelivered forever")
}

func TestDispatchRetryRequeues(t *testing.T) {
	ctx := context.Background()
	handler := newCountingHandler(ResultRetry)
	c := &Consumer{dedup: NewMemoryDeduper(), handler: handler}

	ev := New("obj-1", TypeCreated, nil)
	acker := &fakeAcker{}
	c.dispatch(ctx, delivery(t, ev, acker))

	require.Equal(t, 1, acker.nacks)
	assert.True(t, acker.requeue[0])

	// A retried event was never marked seen, so redelivery processes again.
	c.dispatch(ctx, delivery(t, ev, acker))
	assert.Equal(t, 2, handler.calls[ev.EventID])
}

func TestDispatchDeadLetterDoesNotRequeue(t *testing.T) {
	ctx := context.Background()
	handler := newCountingHandler(ResultDeadLetter)
	c := &Consumer{dedup: NewMemoryDeduper(), handler: handler}

	ev := New("obj-1", TypeDeleted, nil)
	acker := &fakeAcker{}
	c.dispatch(ctx, delivery(t, ev, acker))

	require.Equal(t, 1, acker.nacks)
	assert.False(t, acker.requeue[0])
}

func TestDispatchMalformedPayloadDeadLetters(t *testing.T) {
	ctx := context.Background()
	handler := newCountingHandler(ResultProcessed)
	c := &Consumer{dedup: NewMemoryDeduper(), handler: handler}

	acker := &fakeAcker{}
	c.dispatch(ctx, amqp.Delivery{Acknowledger: acker, Body: []byte("{not json")})

	require.Equal(t, 1, acker.nacks)
	assert.False(t, acker.requeue[0])
	assert.Empty(t, handler.calls)
}

// capturingPublisher records the context state seen at publish time.
type capturingPublisher struct {
	calls  int
	ctxErr error
}

func (p *capturingPublisher) Publish(ctx context.Context, _ Event) error {
	p.calls++
	p.ctxErr = ctx.Err()
	return nil
}

func TestEmitSurvivesCancelledRequestContext(t *testing.T) {
	pub := &capturingPublisher{}
	e := NewEmitter(pub, nil)

	// The store commit already happened by the time Emit runs; a client
	// disconnect cancelling the request context must not drop the event.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e.Emit(ctx, New("obj-1", TypeCreated, nil))

	require.Equal(t, 1, pub.calls)
	assert.NoError(t, pub.ctxErr, "publish must run on a detached context")
}

func TestEventJSONForwardCompatible(t *testing.T) {
	// Consumers must ignore unknown fields from newer producers.
	raw := []byte(`{"eventId":"ev-1","objectId":"obj-1","type":"object.created","version":2,"futureField":"x"}`)

	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, "ev-1", ev.EventID)
	assert.Equal(t, TypeCreated, ev.Type)
	assert.Equal(t, 2, ev.Version)
}
