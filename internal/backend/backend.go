// Package backend abstracts over S3-compatible object stores.
// The MinIO implementation covers MinIO and any S3-compatible provider used as
// the primary store; the AWS SDK implementation covers Cloudflare R2 and AWS S3
// proper. Failover composes several backends with retry and fallback ordering.
package backend

import (
	"context"
	"errors"
	"io"
	"net"
)

// ErrNotFound is returned when the requested key does not exist on the backend.
var ErrNotFound = errors.New("object not found on backend")

// ErrUnavailable is returned when all configured backends have been exhausted.
var ErrUnavailable = errors.New("backend unavailable")

// Backend is the interface a single S3-compatible store must implement.
type Backend interface {
	// ID identifies the configured backend (stored on object records).
	ID() string
	// Put streams data to the store under key and returns the hex SHA-256
	// checksum of the bytes actually transferred.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error)
	// Get returns a reader for the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key. Deleting a missing key returns ErrNotFound.
	Delete(ctx context.Context, key string) error
	// HealthCheck verifies the backend is reachable and the bucket exists.
	HealthCheck(ctx context.Context) error
}

// transientError marks a failure as retryable (network, timeout, 5xx).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// markTransient wraps err so IsTransient reports true for it.
func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying against the same or a
// fallback backend. Not-found and other permanent errors are excluded.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
