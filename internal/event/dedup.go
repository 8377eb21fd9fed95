package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupPrefix = "event:seen:"

// RedisDeduper tracks processed event ids in Redis with a retention TTL.
type RedisDeduper struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisDeduper creates a deduper retaining seen ids for retention.
func NewRedisDeduper(client *redis.Client, retention time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, retention: retention}
}

// Seen reports whether the event id was already marked processed.
func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

// Mark records the event id as processed.
func (d *RedisDeduper) Mark(ctx context.Context, eventID string) error {
	if err := d.client.Set(ctx, dedupPrefix+eventID, 1, d.retention).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

// MemoryDeduper is a process-local Deduper for tests and single-node use.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDeduper creates an empty in-memory deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

// Seen reports whether the event id was already marked.
func (d *MemoryDeduper) Seen(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[eventID]
	return ok, nil
}

// Mark records the event id.
func (d *MemoryDeduper) Mark(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[eventID] = struct{}{}
	return nil
}
