// Package gateway orchestrates object storage operations: grant verification,
// durable backend and store writes, cache consistency, and lifecycle events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loopy/objectgate/internal/backend"
	"github.com/loopy/objectgate/internal/cache"
	"github.com/loopy/objectgate/internal/event"
	"github.com/loopy/objectgate/internal/grant"
	"github.com/loopy/objectgate/internal/object"
)

// Store is the metadata system of record, the only component allowed to
// mutate lifecycle state.
type Store interface {
	Create(ctx context.Context, rec *object.Record) (*object.Record, error)
	Get(ctx context.Context, id string) (*object.Record, error)
	UpdateState(ctx context.Context, id string, expected, next object.State) error
	UpdateAttributes(ctx context.Context, id string, attrs map[string]any) error
}

// Blobs is the backend adapter surface the gateway drives.
type Blobs interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) (backendID, checksum string, err error)
	Get(ctx context.Context, backendID, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, backendID, key string) error
	HealthCheck(ctx context.Context) map[string]error
}

// Verifier checks access grants. The gateway only verifies grants it is
// handed; issuing them belongs to the auth collaborator.
type Verifier interface {
	Verify(token string) (*grant.Claims, error)
}

// Emitter fans lifecycle events out to the broker (with outbox fallback).
type Emitter interface {
	Emit(ctx context.Context, ev event.Event)
}

// Gateway composes backends, the metadata store, the cache, grant
// verification, and the event pipeline.
type Gateway struct {
	store    Store
	cache    cache.Cache
	blobs    Blobs
	grants   Verifier
	events   Emitter
	cacheTTL time.Duration
}

// New wires a Gateway from its collaborators.
func New(store Store, c cache.Cache, blobs Blobs, grants Verifier, events Emitter, cacheTTL time.Duration) *Gateway {
	return &Gateway{
		store:    store,
		cache:    c,
		blobs:    blobs,
		grants:   grants,
		events:   events,
		cacheTTL: cacheTTL,
	}
}

// Upload verifies the grant, streams the bytes to a backend, commits the
// metadata record, invalidates the cache, and emits a created event.
//
// Bytes are not durable until the store commit succeeds: if the commit fails
// after a successful backend write, the backend object is rolled back
// best-effort so no bytes are ever reachable without a committed record.
func (g *Gateway) Upload(ctx context.Context, token, id string, body io.ReadSeeker, size int64, contentType string) (*object.Record, error) {
	claims, err := g.verifyAction(token, grant.ActionUpload)
	if err != nil {
		return nil, err
	}
	if claims.ObjectID != id {
		return nil, grant.ErrInvalid
	}

	if _, err := g.store.Get(ctx, claims.ObjectID); err == nil {
		return nil, object.ErrConflict
	} else if !errors.Is(err, object.ErrNotFound) {
		return nil, err
	}

	key := fmt.Sprintf("objects/%s/%s", claims.Subject, claims.ObjectID)
	backendID, checksum, err := g.blobs.Put(ctx, key, body, size, contentType)
	if err != nil {
		return nil, err
	}

	rec := &object.Record{
		ID:             claims.ObjectID,
		StorageKey:     key,
		BackendID:      backendID,
		SizeBytes:      size,
		Checksum:       checksum,
		ContentType:    contentType,
		LifecycleState: object.StateActive,
		Attributes:     map[string]any{"uploadedBy": claims.Subject},
	}

	created, err := g.store.Create(ctx, rec)
	if err != nil {
		// The record never committed, so the stored bytes must not remain
		// reachable. Rollback is best-effort; a failure here leaves an
		// orphaned backend object, not an inconsistent record.
		if delErr := g.blobs.Delete(ctx, backendID, key); delErr != nil {
			log.Error().Err(delErr).Str("objectId", claims.ObjectID).Str("key", key).
				Msg("rollback of uncommitted backend write failed")
		}
		return nil, err
	}

	// Store commit is durable; only now may downstream views change.
	g.invalidate(ctx, created.ID)
	g.events.Emit(ctx, event.New(created.ID, event.TypeCreated, map[string]any{
		"storageKey":  created.StorageKey,
		"backendId":   created.BackendID,
		"sizeBytes":   created.SizeBytes,
		"checksum":    created.Checksum,
		"contentType": created.ContentType,
	}))

	return created, nil
}

// Download verifies the grant and returns the object's bytes and record.
func (g *Gateway) Download(ctx context.Context, token, id string) (io.ReadCloser, *object.Record, error) {
	claims, err := g.verifyAction(token, grant.ActionDownload)
	if err != nil {
		return nil, nil, err
	}
	if claims.ObjectID != id {
		return nil, nil, grant.ErrInvalid
	}

	rec, err := g.record(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rec.LifecycleState != object.StateActive {
		return nil, nil, object.ErrNotFound
	}

	rc, err := g.blobs.Get(ctx, rec.BackendID, rec.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	return rc, rec, nil
}

// Metadata verifies the grant and returns the object record via the
// read-through cache.
func (g *Gateway) Metadata(ctx context.Context, token, id string) (*object.Record, error) {
	claims, err := g.verifyAction(token, grant.ActionDownload)
	if err != nil {
		return nil, err
	}
	if claims.ObjectID != id {
		return nil, grant.ErrInvalid
	}
	return g.record(ctx, id)
}

// Delete verifies the grant and runs the two-phase deletion:
// ACTIVE→DELETING, purge the backend bytes, DELETING→DELETED. The record is
// kept as a tombstone. Exactly one of several concurrent deletes wins the
// DELETING→DELETED compare-and-swap; the rest observe Conflict.
func (g *Gateway) Delete(ctx context.Context, token, id string) (*object.Record, error) {
	claims, err := g.verifyAction(token, grant.ActionUpload)
	if err != nil {
		return nil, err
	}
	if claims.ObjectID != id {
		return nil, grant.ErrInvalid
	}

	rec, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// A record already DELETING is an earlier delete whose backend purge
	// failed. Resume it from the purge instead of CASing from ACTIVE, which
	// would Conflict on every retry and strand the record.
	if rec.LifecycleState != object.StateDeleting {
		if err := g.store.UpdateState(ctx, id, object.StateActive, object.StateDeleting); err != nil {
			return nil, err
		}
		g.invalidate(ctx, id)
	}

	if err := g.blobs.Delete(ctx, rec.BackendID, rec.StorageKey); err != nil && !errors.Is(err, backend.ErrNotFound) {
		// Bytes still present; the record stays DELETING for a retried delete
		// or reconciliation. The caller sees the backend failure.
		return nil, err
	}

	if err := g.store.UpdateState(ctx, id, object.StateDeleting, object.StateDeleted); err != nil {
		return nil, err
	}
	g.invalidate(ctx, id)

	g.events.Emit(ctx, event.New(id, event.TypeDeleted, map[string]any{
		"storageKey": rec.StorageKey,
		"backendId":  rec.BackendID,
	}))

	rec.LifecycleState = object.StateDeleted
	return rec, nil
}

// Promote moves a PENDING record to ACTIVE and emits a promoted event. Used
// when deferred processing or reconciliation finishes a provisional upload.
func (g *Gateway) Promote(ctx context.Context, id string) (*object.Record, error) {
	if err := g.store.UpdateState(ctx, id, object.StatePending, object.StateActive); err != nil {
		return nil, err
	}
	g.invalidate(ctx, id)

	g.events.Emit(ctx, event.New(id, event.TypePromoted, nil))

	return g.store.Get(ctx, id)
}

// Health reports per-backend health.
func (g *Gateway) Health(ctx context.Context) map[string]error {
	return g.blobs.HealthCheck(ctx)
}

// record is the read-through cache path: hit serves the cached copy, miss
// falls through to the store and repopulates.
func (g *Gateway) record(ctx context.Context, id string) (*object.Record, error) {
	if rec, err := g.cache.Get(ctx, id); err == nil {
		return rec, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		log.Warn().Err(err).Str("objectId", id).Msg("cache read failed, falling through to store")
	}

	rec, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.cache.Put(ctx, id, rec, g.cacheTTL); err != nil {
		log.Warn().Err(err).Str("objectId", id).Msg("cache refill failed")
	}
	return rec, nil
}

// invalidate drops the cache entry after a durable store commit. Invalidation
// is unconditional; a failure only means readers pay a store round trip.
func (g *Gateway) invalidate(ctx context.Context, id string) {
	if err := g.cache.Invalidate(ctx, id); err != nil {
		log.Warn().Err(err).Str("objectId", id).Msg("cache invalidation failed")
	}
}

func (g *Gateway) verifyAction(token string, want grant.Action) (*grant.Claims, error) {
	claims, err := g.grants.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Action != want {
		return nil, grant.ErrInvalid
	}
	return claims, nil
}
