package cache

import (
	"context"
	"sync"
	"time"

	"github.com/loopy/objectgate/internal/object"
)

// MemoryCache is a process-local Cache with TTL expiry. It backs tests and
// single-node deployments where Redis is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	rec       *object.Record
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

// Get returns the cached record or ErrMiss. Expired entries count as misses
// and are dropped lazily.
func (c *MemoryCache) Get(_ context.Context, id string) (*object.Record, error) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, id)
		c.mu.Unlock()
		return nil, ErrMiss
	}
	cp := *e.rec
	return &cp, nil
}

// Put stores a copy of the record with the given TTL.
func (c *MemoryCache) Put(_ context.Context, id string, rec *object.Record, ttl time.Duration) error {
	cp := *rec
	c.mu.Lock()
	c.entries[id] = memoryEntry{rec: &cp, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate drops the entry; missing entries are a no-op.
func (c *MemoryCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return nil
}
