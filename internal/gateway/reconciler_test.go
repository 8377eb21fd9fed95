package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopy/objectgate/internal/backend"
	"github.com/loopy/objectgate/internal/event"
	"github.com/loopy/objectgate/internal/grant"
	"github.com/loopy/objectgate/internal/object"
)

func newTestReconciler(f *fixture) *Reconciler {
	return NewReconciler(f.store, f.blobs, f.cache, f.emitter, time.Hour, 24*time.Hour)
}

func TestSweepAbandonsStalePending(t *testing.T) {
	f := newFixture()
	_, err := f.store.Create(context.Background(), &object.Record{
		ID:             "obj-1",
		StorageKey:     "objects/user-42/obj-1",
		BackendID:      "minio-primary",
		LifecycleState: object.StatePending,
	})
	require.NoError(t, err)
	f.blobs.objects["objects/user-42/obj-1"] = []byte("partial")
	f.store.touch("obj-1", time.Now().Add(-2*time.Hour))

	newTestReconciler(f).Sweep(context.Background())

	assert.Equal(t, object.StateDeleted, f.store.state("obj-1"))
	assert.Empty(t, f.blobs.objects)
	assert.Len(t, f.emitter.ofType(event.TypeDeleted), 1)
}

func TestSweepLeavesFreshPendingAlone(t *testing.T) {
	f := newFixture()
	_, err := f.store.Create(context.Background(), &object.Record{
		ID:             "obj-1",
		LifecycleState: object.StatePending,
	})
	require.NoError(t, err)

	newTestReconciler(f).Sweep(context.Background())

	assert.Equal(t, object.StatePending, f.store.state("obj-1"))
	assert.Empty(t, f.emitter.events)
}

func TestSweepFinishesInterruptedDeletion(t *testing.T) {
	f := newFixture()
	f.upload(t, "obj-1", []byte("x"))
	f.blobs.delErr = backend.ErrUnavailable

	token := f.grantFor(t, "obj-1", grant.ActionUpload, time.Minute)
	_, err := f.gw.Delete(context.Background(), token, "obj-1")
	require.Error(t, err)
	require.Equal(t, object.StateDeleting, f.store.state("obj-1"))

	// The caller never retries; the sweep completes the purge.
	f.blobs.delErr = nil
	newTestReconciler(f).Sweep(context.Background())

	assert.Equal(t, object.StateDeleted, f.store.state("obj-1"))
	assert.Empty(t, f.blobs.objects)
	assert.Len(t, f.emitter.ofType(event.TypeDeleted), 1)
}

func TestSweepLeavesBlockedDeletionInPlace(t *testing.T) {
	f := newFixture()
	f.upload(t, "obj-1", []byte("x"))
	f.blobs.delErr = backend.ErrUnavailable

	token := f.grantFor(t, "obj-1", grant.ActionUpload, time.Minute)
	_, err := f.gw.Delete(context.Background(), token, "obj-1")
	require.Error(t, err)

	// Backend still down: the record stays DELETING for the next pass.
	newTestReconciler(f).Sweep(context.Background())

	assert.Equal(t, object.StateDeleting, f.store.state("obj-1"))
	assert.Empty(t, f.emitter.ofType(event.TypeDeleted))
}

func TestSweepPurgesExpiredTombstones(t *testing.T) {
	f := newFixture()
	f.upload(t, "obj-1", []byte("x"))

	token := f.grantFor(t, "obj-1", grant.ActionUpload, time.Minute)
	_, err := f.gw.Delete(context.Background(), token, "obj-1")
	require.NoError(t, err)
	f.store.touch("obj-1", time.Now().Add(-48*time.Hour))

	newTestReconciler(f).Sweep(context.Background())

	_, err = f.store.Get(context.Background(), "obj-1")
	assert.ErrorIs(t, err, object.ErrNotFound)
}

func TestSweepKeepsRecentTombstones(t *testing.T) {
	f := newFixture()
	f.upload(t, "obj-1", []byte("x"))

	token := f.grantFor(t, "obj-1", grant.ActionUpload, time.Minute)
	_, err := f.gw.Delete(context.Background(), token, "obj-1")
	require.NoError(t, err)

	newTestReconciler(f).Sweep(context.Background())

	assert.Equal(t, object.StateDeleted, f.store.state("obj-1"))
}
