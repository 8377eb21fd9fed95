package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopy/objectgate/internal/object"
)

const keyPrefix = "object:meta:"

// RedisCache implements Cache on a Redis server, storing records as JSON.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the cached record or ErrMiss.
func (c *RedisCache) Get(ctx context.Context, id string) (*object.Record, error) {
	raw, err := c.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	rec := &object.Record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		// A corrupt entry behaves like a miss; the store refill overwrites it.
		return nil, ErrMiss
	}
	return rec, nil
}

// Put stores the record with the given TTL.
func (c *RedisCache) Put(ctx context.Context, id string, rec *object.Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+id, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Invalidate drops the entry. DEL on a missing key is already a no-op.
func (c *RedisCache) Invalidate(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
