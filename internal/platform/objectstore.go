package platform

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore wraps an S3-compatible client with the upload/download/head/
// delete/presign operations the voice and synthesis pipelines need.
type ObjectStore struct {
	client     *s3.Client
	presign    *s3.PresignClient
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	useSSE     bool
}

// ObjectStoreConfig configures the S3-compatible client.
type ObjectStoreConfig struct {
	Bucket         string
	Region         string
	Endpoint       string // non-empty to target a non-AWS endpoint
	ForcePathStyle bool
	UseSSE         bool
}

// NewObjectStore builds an ObjectStore from the given configuration.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &ObjectStore{
		client:     client,
		presign:    s3.NewPresignClient(client),
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		useSSE:     cfg.UseSSE,
	}, nil
}

// Upload writes data to key with the given content type and user metadata,
// using multipart upload transparently for larger payloads. cacheControl and
// contentDisposition set the object's own response headers (served back by
// both a direct GET and a presigned URL); either may be empty. metadata sets
// arbitrary x-amz-meta-* user metadata, distinct from those response headers.
func (s *ObjectStore) Upload(ctx context.Context, key string, body io.Reader, contentType, cacheControl, contentDisposition string, metadata map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	}
	if cacheControl != "" {
		input.CacheControl = aws.String(cacheControl)
	}
	if contentDisposition != "" {
		input.ContentDisposition = aws.String(contentDisposition)
	}
	if s.useSSE {
		input.ServerSideEncryption = "AES256"
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("uploading object %q: %w", key, err)
	}
	return nil
}

// Download reads the full contents of key into memory.
func (s *ObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	if _, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, fmt.Errorf("downloading object %q: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Head checks whether key exists and returns its size, returning an error if not found.
func (s *ObjectStore) Head(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("heading object %q: %w", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Delete removes one or more keys. Missing keys are not an error.
func (s *ObjectStore) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("deleting object %q: %w", key, err)
		}
	}
	return nil
}

// PresignedURL returns a time-limited GET URL for key, with the given
// response Content-Disposition override (may be empty).
func (s *ObjectStore) PresignedURL(ctx context.Context, key string, ttl time.Duration, contentDisposition string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentDisposition != "" {
		input.ResponseContentDisposition = aws.String(contentDisposition)
	}

	req, err := s.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presigning object %q: %w", key, err)
	}
	return req.URL, nil
}
