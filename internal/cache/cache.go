// Package cache provides the read-through metadata cache.
// Cached records are derived copies with no authority of their own: the
// orchestrator invalidates only after the store commit is durable, and a miss
// always falls through to the store.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/loopy/objectgate/internal/object"
)

// ErrMiss is returned when the key is not cached. A miss is never an error
// condition for callers; it means "go ask the store".
var ErrMiss = errors.New("cache miss")

// Cache caches object metadata records keyed by object id.
type Cache interface {
	// Get returns the cached record or ErrMiss.
	Get(ctx context.Context, id string) (*object.Record, error)
	// Put stores the record with an advisory TTL. Failures are tolerable;
	// the cache is an optimization, not a source of truth.
	Put(ctx context.Context, id string, rec *object.Record, ttl time.Duration) error
	// Invalidate drops the entry unconditionally. Invalidating a missing
	// entry is a no-op, never an error.
	Invalidate(ctx context.Context, id string) error
}
