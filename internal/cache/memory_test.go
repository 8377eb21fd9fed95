package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopy/objectgate/internal/object"
)

func record(id string) *object.Record {
	return &object.Record{
		ID:             id,
		StorageKey:     "objects/u/" + id,
		BackendID:      "minio-primary",
		LifecycleState: object.StateActive,
	}
}

func TestMemoryCachePutGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	_, err := c.Get(ctx, "obj-1")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Put(ctx, "obj-1", record("obj-1"), time.Minute))

	got, err := c.Get(ctx, "obj-1")
	require.NoError(t, err)
	assert.Equal(t, "obj-1", got.ID)
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Put(ctx, "obj-1", record("obj-1"), -time.Second))

	_, err := c.Get(ctx, "obj-1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCacheInvalidateIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	// Invalidating an entry that was never cached is a no-op, never an error.
	require.NoError(t, c.Invalidate(ctx, "obj-1"))
	require.NoError(t, c.Invalidate(ctx, "obj-1"))

	require.NoError(t, c.Put(ctx, "obj-1", record("obj-1"), time.Minute))
	require.NoError(t, c.Invalidate(ctx, "obj-1"))

	_, err := c.Get(ctx, "obj-1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	rec := record("obj-1")
	require.NoError(t, c.Put(ctx, "obj-1", rec, time.Minute))

	// Mutating the caller's struct must not leak into the cached copy.
	rec.LifecycleState = object.StateDeleted

	got, err := c.Get(ctx, "obj-1")
	require.NoError(t, err)
	assert.Equal(t, object.StateActive, got.LifecycleState)

	// And mutating a returned copy must not poison later reads.
	got.LifecycleState = object.StateDeleted
	again, err := c.Get(ctx, "obj-1")
	require.NoError(t, err)
	assert.Equal(t, object.StateActive, again.LifecycleState)
}
