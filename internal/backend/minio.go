package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/loopy/objectgate/internal/config"
)

// MinioBackend implements Backend using a MinIO (or any S3-compatible) server.
type MinioBackend struct {
	id     string
	client *minio.Client
	bucket string
}

// NewMinioBackend creates a MinIO client and ensures the bucket exists.
func NewMinioBackend(cfg config.BackendConfig) (*MinioBackend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx := context.Background()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
		log.Info().Str("backend", cfg.ID).Str("bucket", cfg.Bucket).Msg("created bucket")
	}

	return &MinioBackend{id: cfg.ID, client: client, bucket: cfg.Bucket}, nil
}

// ID returns the configured backend identifier.
func (b *MinioBackend) ID() string { return b.id }

// Put streams reader to MinIO under key. size must be the exact byte count.
// The checksum is computed locally while the bytes are in flight, so it covers
// exactly what was handed to the backend.
func (b *MinioBackend) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	hasher := sha256.New()
	_, err := b.client.PutObject(ctx, b.bucket, key, io.TeeReader(reader, hasher), size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", b.mapError(fmt.Errorf("put object %q: %w", key, err), err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Get returns a reader for the object at key.
func (b *MinioBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.mapError(fmt.Errorf("get object %q: %w", key, err), err)
	}
	// GetObject is lazy; a Stat forces the first request so missing keys
	// surface here instead of on the first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, b.mapError(fmt.Errorf("stat object %q: %w", key, err), err)
	}
	return obj, nil
}

// Delete removes the object at key from the bucket.
func (b *MinioBackend) Delete(ctx context.Context, key string) error {
	// RemoveObject on a missing key succeeds in S3 semantics; check first so
	// callers can distinguish NotFound.
	if _, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{}); err != nil {
		return b.mapError(fmt.Errorf("stat object %q: %w", key, err), err)
	}
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return b.mapError(fmt.Errorf("remove object %q: %w", key, err), err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (b *MinioBackend) HealthCheck(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return markTransient(fmt.Errorf("health check: %w", err))
	}
	if !exists {
		return fmt.Errorf("bucket %q does not exist", b.bucket)
	}
	return nil
}

// mapError normalizes MinIO errors: 404 becomes ErrNotFound, network errors
// and 5xx responses are marked transient.
func (b *MinioBackend) mapError(wrapped, cause error) error {
	resp := minio.ToErrorResponse(cause)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == 404:
		return ErrNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == 0:
		return markTransient(wrapped)
	default:
		return wrapped
	}
}
