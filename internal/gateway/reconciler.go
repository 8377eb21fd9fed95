package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loopy/objectgate/internal/backend"
	"github.com/loopy/objectgate/internal/cache"
	"github.com/loopy/objectgate/internal/event"
	"github.com/loopy/objectgate/internal/object"
)

// ReconcileStore is the metadata surface the reconciler sweeps over.
type ReconcileStore interface {
	ListByState(ctx context.Context, state object.State, limit int) ([]*object.Record, error)
	UpdateState(ctx context.Context, id string, expected, next object.State) error
	Delete(ctx context.Context, id string) error
}

// Reconciler cleans up records the normal request paths left behind:
// uploads stuck in PENDING are abandoned (PENDING→DELETED) and their backend
// bytes removed, and DELETED tombstones past retention are purged outright.
type Reconciler struct {
	store  ReconcileStore
	blobs  Blobs
	cache  cache.Cache
	events Emitter

	// PENDING records older than abandonAfter are considered dead uploads.
	abandonAfter time.Duration
	// DELETED tombstones older than retainFor are hard-purged.
	retainFor time.Duration
	batch     int
}

// NewReconciler creates a Reconciler with the given age cutoffs.
func NewReconciler(store ReconcileStore, blobs Blobs, c cache.Cache, events Emitter, abandonAfter, retainFor time.Duration) *Reconciler {
	return &Reconciler{
		store:        store,
		blobs:        blobs,
		cache:        c,
		events:       events,
		abandonAfter: abandonAfter,
		retainFor:    retainFor,
		batch:        100,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	if n := r.abandonPending(ctx); n > 0 {
		log.Info().Int("count", n).Msg("abandoned stale pending uploads")
	}
	if n := r.finishDeleting(ctx); n > 0 {
		log.Info().Int("count", n).Msg("completed interrupted deletions")
	}
	if n := r.purgeTombstones(ctx); n > 0 {
		log.Info().Int("count", n).Msg("purged expired tombstones")
	}
}

// abandonPending moves stale PENDING records to DELETED and removes any bytes
// that made it to a backend before the upload died.
func (r *Reconciler) abandonPending(ctx context.Context) int {
	records, err := r.store.ListByState(ctx, object.StatePending, r.batch)
	if err != nil {
		log.Warn().Err(err).Msg("list pending records failed")
		return 0
	}

	cutoff := time.Now().Add(-r.abandonAfter)
	abandoned := 0
	for _, rec := range records {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}

		// CAS so a concurrent Promote wins cleanly over the sweep.
		if err := r.store.UpdateState(ctx, rec.ID, object.StatePending, object.StateDeleted); err != nil {
			if !errors.Is(err, object.ErrConflict) && !errors.Is(err, object.ErrNotFound) {
				log.Warn().Err(err).Str("objectId", rec.ID).Msg("abandon pending failed")
			}
			continue
		}
		if err := r.cache.Invalidate(ctx, rec.ID); err != nil {
			log.Warn().Err(err).Str("objectId", rec.ID).Msg("cache invalidation failed")
		}

		if err := r.blobs.Delete(ctx, rec.BackendID, rec.StorageKey); err != nil && !errors.Is(err, backend.ErrNotFound) {
			log.Warn().Err(err).Str("objectId", rec.ID).Msg("abandoned upload bytes not removed")
		}

		r.events.Emit(ctx, event.New(rec.ID, event.TypeDeleted, map[string]any{
			"reason": "abandoned upload",
		}))
		abandoned++
	}
	return abandoned
}

// finishDeleting completes deletions stuck in DELETING because the backend
// purge failed and the caller never retried. The bytes are removed and the
// record moves on to its tombstone.
func (r *Reconciler) finishDeleting(ctx context.Context) int {
	records, err := r.store.ListByState(ctx, object.StateDeleting, r.batch)
	if err != nil {
		log.Warn().Err(err).Msg("list deleting records failed")
		return 0
	}

	finished := 0
	for _, rec := range records {
		if err := r.blobs.Delete(ctx, rec.BackendID, rec.StorageKey); err != nil && !errors.Is(err, backend.ErrNotFound) {
			log.Warn().Err(err).Str("objectId", rec.ID).Msg("deletion still blocked on backend")
			continue
		}
		if err := r.store.UpdateState(ctx, rec.ID, object.StateDeleting, object.StateDeleted); err != nil {
			if !errors.Is(err, object.ErrConflict) && !errors.Is(err, object.ErrNotFound) {
				log.Warn().Err(err).Str("objectId", rec.ID).Msg("finish deleting failed")
			}
			continue
		}
		if err := r.cache.Invalidate(ctx, rec.ID); err != nil {
			log.Warn().Err(err).Str("objectId", rec.ID).Msg("cache invalidation failed")
		}

		r.events.Emit(ctx, event.New(rec.ID, event.TypeDeleted, map[string]any{
			"storageKey": rec.StorageKey,
			"backendId":  rec.BackendID,
		}))
		finished++
	}
	return finished
}

// purgeTombstones hard-deletes DELETED records older than the retention window.
func (r *Reconciler) purgeTombstones(ctx context.Context) int {
	records, err := r.store.ListByState(ctx, object.StateDeleted, r.batch)
	if err != nil {
		log.Warn().Err(err).Msg("list tombstones failed")
		return 0
	}

	cutoff := time.Now().Add(-r.retainFor)
	purged := 0
	for _, rec := range records {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, object.ErrNotFound) {
			log.Warn().Err(err).Str("objectId", rec.ID).Msg("tombstone purge failed")
			continue
		}
		purged++
	}
	return purged
}
