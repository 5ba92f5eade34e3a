// Package objectstore provides the object store adapter: presigned
// uploads, streamed reads, and deletes against an S3-compatible backend.
// It is the only package aware of the storage vendor; everything else
// talks to the Store interface.
package objectstore

import (
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ledgerflow.dev/ingest/apierr"
)

// Store is the object store contract every consumer depends on.
// Failures map to a single Storage error kind; vendor-specific
// errors never leak past this boundary.
type Store interface {
	// PresignPut returns a single-purpose, time-bound URL the client can
	// PUT bytes to directly.
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	// Put writes body to key directly, without a presigned round trip.
	// The worker uses it to persist chunk slices.
	Put(ctx context.Context, key, contentType string, body io.Reader) error
	// StreamGet returns the object body as a stream; callers must Close it.
	// The implementation never buffers the whole object in memory.
	StreamGet(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Config configures the S3-compatible backend.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// S3Store implements Store against any S3-compatible endpoint (AWS S3,
// MinIO, or similar). Endpoint is left blank to use AWS's default resolver.
type S3Store struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	bucket   string
}

// New constructs an S3Store from static credentials, following the same
// aws-sdk-go-v2 config/credentials wiring used throughout this codebase.
func New(ctx context.Context, cfg Config) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, apierr.Wrap(apierr.Storage, "load object store config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.Endpoint != ""
	})

	return &S3Store{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
	}, nil
}

// Put streams body into the object at key using the SDK's multipart
// uploader, so large chunk slices never require a contiguous buffer.
func (s *S3Store) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Body:        body,
	})
	if err != nil {
		return apierr.Wrap(apierr.Storage, "store object", err)
	}
	return nil
}

// PresignPut returns a PUT URL valid for ttl, scoped to a single key.
func (s *S3Store) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", apierr.Wrap(apierr.Storage, "presign upload", err)
	}
	return req.URL, nil
}

// StreamGet opens a streaming read of the object at key. The returned
// ReadCloser is backed directly by the HTTP response body — the object is
// never buffered whole in memory.
func (s *S3Store) StreamGet(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.Storage, "fetch object", err)
	}
	return out.Body, nil
}

// Delete removes the object at key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apierr.Wrap(apierr.Storage, "delete object", err)
	}
	return nil
}
