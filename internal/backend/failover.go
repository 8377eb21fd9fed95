package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

// Failover fans object I/O out to an ordered list of backends. Writes go to
// the first backend that accepts them: the primary is retried with bounded
// exponential backoff on transient failures, then each fallback gets the same
// treatment. Reads and deletes target the backend that holds the bytes.
type Failover struct {
	backends []Backend
	attempts int
	timeout  time.Duration
	base     time.Duration

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// NewFailover builds a Failover over backends in priority order. attempts is
// the per-backend try count; timeout bounds every individual backend call.
func NewFailover(attempts int, timeout time.Duration, backends ...Backend) *Failover {
	if attempts < 1 {
		attempts = 1
	}
	return &Failover{
		backends: backends,
		attempts: attempts,
		timeout:  timeout,
		base:     200 * time.Millisecond,
		sleep:    time.Sleep,
	}
}

// Put writes to the first backend that accepts the object and returns that
// backend's id along with the checksum. body must be seekable so attempts can
// restart from the beginning of the stream.
func (f *Failover) Put(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) (string, string, error) {
	var lastErr error
	for _, b := range f.backends {
		for attempt := 1; attempt <= f.attempts; attempt++ {
			if _, err := body.Seek(0, io.SeekStart); err != nil {
				return "", "", fmt.Errorf("rewind body: %w", err)
			}

			checksum, err := f.putOnce(ctx, b, key, body, size, contentType)
			if err == nil {
				return b.ID(), checksum, nil
			}
			lastErr = err
			if !IsTransient(err) {
				return "", "", err
			}

			log.Warn().Err(err).Str("backend", b.ID()).Int("attempt", attempt).Msg("put failed")
			if attempt < f.attempts {
				if err := f.backoff(ctx, attempt); err != nil {
					return "", "", err
				}
			}
		}
		log.Warn().Str("backend", b.ID()).Msg("backend exhausted, trying fallback")
	}
	return "", "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// Get reads the object from the named backend, retrying transient failures.
func (f *Failover) Get(ctx context.Context, backendID, key string) (io.ReadCloser, error) {
	b, err := f.Backend(backendID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		rc, err := b.Get(ctx, key)
		if err == nil {
			return rc, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		if attempt < f.attempts {
			if err := f.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// Delete removes the object from the named backend, retrying transient failures.
func (f *Failover) Delete(ctx context.Context, backendID, key string) error {
	b, err := f.Backend(backendID)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := b.Delete(cctx, key)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return err
		}
		if attempt < f.attempts {
			if err := f.backoff(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// Backend returns the configured backend with the given id.
func (f *Failover) Backend(id string) (Backend, error) {
	for _, b := range f.backends {
		if b.ID() == id {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrUnavailable, id)
}

// HealthCheck probes every backend and returns per-backend status.
func (f *Failover) HealthCheck(ctx context.Context) map[string]error {
	status := make(map[string]error, len(f.backends))
	for _, b := range f.backends {
		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		status[b.ID()] = b.HealthCheck(cctx)
		cancel()
	}
	return status
}

func (f *Failover) putOnce(ctx context.Context, b Backend, key string, body io.Reader, size int64, contentType string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return b.Put(cctx, key, body, size, contentType)
}

// backoff sleeps base * 2^(attempt-1), honoring context cancellation.
func (f *Failover) backoff(ctx context.Context, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.sleep(f.base << (attempt - 1))
	return nil
}
