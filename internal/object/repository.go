package object

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles all object metadata database operations.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new object record and returns the stored row.
func (r *Repository) Create(ctx context.Context, rec *Record) (*Record, error) {
	attrs, err := marshalAttributes(rec.Attributes)
	if err != nil {
		return nil, err
	}

	out := &Record{}
	err = r.db.QueryRow(ctx,
		`INSERT INTO objects (id, storage_key, backend_id, size_bytes, checksum, content_type, lifecycle_state, attributes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, storage_key, backend_id, size_bytes, checksum, content_type, lifecycle_state, attributes, created_at, updated_at`,
		rec.ID, rec.StorageKey, rec.BackendID, rec.SizeBytes, rec.Checksum, rec.ContentType, rec.LifecycleState, attrs,
	).Scan(scanTargets(out)...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create object: %w", err)
	}
	return out, nil
}

// Get fetches an object record by id.
func (r *Repository) Get(ctx context.Context, id string) (*Record, error) {
	out := &Record{}
	err := r.db.QueryRow(ctx,
		`SELECT id, storage_key, backend_id, size_bytes, checksum, content_type, lifecycle_state, attributes, created_at, updated_at
		 FROM objects WHERE id = $1`,
		id,
	).Scan(scanTargets(out)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out, nil
}

// UpdateState is a compare-and-swap on lifecycle_state: the update applies only
// when the stored state equals expected. A concurrent transition that got there
// first yields ErrConflict; a missing row yields ErrNotFound.
func (r *Repository) UpdateState(ctx context.Context, id string, expected, next State) error {
	if !expected.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE objects SET lifecycle_state = $3, updated_at = NOW()
		 WHERE id = $1 AND lifecycle_state = $2`,
		id, expected, next,
	)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: either the record is gone or another writer moved the state.
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM objects WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check object existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// UpdateAttributes merges the given keys into the record's JSONB attributes.
func (r *Repository) UpdateAttributes(ctx context.Context, id string, attrs map[string]any) error {
	doc, err := marshalAttributes(attrs)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE objects SET attributes = attributes || $2::jsonb, updated_at = NOW()
		 WHERE id = $1`,
		id, doc,
	)
	if err != nil {
		return fmt.Errorf("update attributes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the object record outright. The normal deletion path keeps a
// DELETED tombstone instead; this exists for reconciliation of abandoned rows.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM objects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByState returns up to limit records in the given lifecycle state,
// oldest first. Used by reconciliation to find stale PENDING uploads.
func (r *Repository) ListByState(ctx context.Context, state State, limit int) ([]*Record, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, storage_key, backend_id, size_bytes, checksum, content_type, lifecycle_state, attributes, created_at, updated_at
		 FROM objects WHERE lifecycle_state = $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		state, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(scanTargets(rec)...); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scanTargets returns scan destinations in the canonical column order.
func scanTargets(rec *Record) []any {
	return []any{
		&rec.ID, &rec.StorageKey, &rec.BackendID, &rec.SizeBytes, &rec.Checksum,
		&rec.ContentType, &rec.LifecycleState, &rec.Attributes, &rec.CreatedAt, &rec.UpdatedAt,
	}
}

// isUniqueViolation checks whether an error is a PostgreSQL unique_violation (code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalAttributes(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	doc, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	return doc, nil
}
