package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/loopy/objectgate/internal/config"
)

// S3Backend implements Backend using the AWS SDK. It targets Cloudflare R2 in
// the reference deployment but works against any S3 endpoint.
type S3Backend struct {
	id     string
	client *s3.Client
	bucket string
}

// NewS3Backend builds an S3 client with static credentials and an endpoint
// override (R2 exposes a per-account S3 endpoint).
func NewS3Backend(cfg config.BackendConfig) (*S3Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.Endpoint
	if !strings.Contains(endpoint, "://") {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint = scheme + "://" + endpoint
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &S3Backend{id: cfg.ID, client: client, bucket: cfg.Bucket}, nil
}

// ID returns the configured backend identifier.
func (b *S3Backend) ID() string { return b.id }

// Put uploads the bytes and returns their locally computed SHA-256.
func (b *S3Backend) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	hasher := sha256.New()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          io.TeeReader(reader, hasher),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", b.mapError(fmt.Errorf("put object %q: %w", key, err), err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Get returns a reader for the object at key.
func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.mapError(fmt.Errorf("get object %q: %w", key, err), err)
	}
	return out.Body, nil
}

// Delete removes the object at key.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	// S3 DeleteObject succeeds on missing keys; probe first so NotFound is
	// reported to the caller.
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.mapError(fmt.Errorf("head object %q: %w", key, err), err)
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.mapError(fmt.Errorf("delete object %q: %w", key, err), err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return markTransient(fmt.Errorf("health check: %w", err))
	}
	return nil
}

// mapError normalizes AWS SDK errors: NoSuchKey/NotFound becomes ErrNotFound,
// server faults and connection errors are marked transient.
func (b *S3Backend) mapError(wrapped, cause error) error {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(cause, &noKey) || errors.As(cause, &notFound) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(cause, &apiErr) {
		switch apiErr.ErrorFault() {
		case smithy.FaultServer:
			return markTransient(wrapped)
		default:
			return wrapped
		}
	}
	// No typed API error means the request never got a response.
	return markTransient(wrapped)
}
