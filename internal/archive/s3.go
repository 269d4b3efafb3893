// Package archive ages flow records out of the operational store into
// S3 as gzipped JSONL objects.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"netsentry/internal/config"
)

// Uploader stores one archive object. Satisfied by S3Client; tests
// substitute an in-memory fake.
type Uploader interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// S3Client uploads archive objects to an S3 bucket.
type S3Client struct {
	client *s3.Client
	bucket string
	logger *slog.Logger

	objects atomic.Int64
	bytes   atomic.Int64
	errs    atomic.Int64
}

// NewS3Client creates an S3 archive client from the archive settings.
// Explicit access keys take precedence; otherwise credentials come from
// the standard AWS provider chain.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		// Custom endpoints (MinIO, LocalStack) need path-style keys.
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	c := &S3Client{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		logger: logger,
	}

	logger.Info("archive client initialized", "bucket", cfg.Bucket, "region", cfg.Region)
	return c, nil
}

// Put uploads one object.
func (c *S3Client) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		c.errs.Add(1)
		return fmt.Errorf("archive: read object body: %w", err)
	}

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		c.errs.Add(1)
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}

	c.objects.Add(1)
	c.bytes.Add(int64(len(data)))
	c.logger.Debug("uploaded archive object", "key", key, "size", len(data))
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (c *S3Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return fmt.Errorf("archive: head bucket %s: %w", c.bucket, err)
	}
	return nil
}

// ClientMetrics holds upload totals.
type ClientMetrics struct {
	ObjectsUploaded int64
	BytesUploaded   int64
	Errors          int64
}

// Metrics returns current upload totals.
func (c *S3Client) Metrics() ClientMetrics {
	return ClientMetrics{
		ObjectsUploaded: c.objects.Load(),
		BytesUploaded:   c.bytes.Load(),
		Errors:          c.errs.Load(),
	}
}
