// Package storage provides the S3-compatible blob backend used by the
// content store and the cloud-batch JSONL exchange.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/fx"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/logger"
)

var Module = fx.Module("storage",
	fx.Provide(NewService),
)

// Service provides S3-compatible storage operations. When no endpoint is
// configured it stays disabled; the content store then falls back to
// DB-inline blobs.
type Service struct {
	client        *s3.Client
	cfg           *config.StorageConfig
	log           *slog.Logger
	bucketContent string
	bucketBatch   string
}

// NewService creates a new storage service
func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	sc := &cfg.Storage
	if !sc.IsConfigured() {
		log.Warn("storage service disabled - no configuration provided")
		return &Service{
			cfg: sc,
			log: log.With(logger.Scope("storage")),
		}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(sc.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			sc.AccessKey,
			sc.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing and a fixed endpoint, required for MinIO
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(sc.Endpoint)
	})

	log.Info("storage service initialized",
		slog.String("endpoint", sc.Endpoint),
		slog.String("content_bucket", sc.BucketContent),
		slog.String("batch_bucket", sc.BucketBatch),
	)

	return &Service{
		client:        client,
		cfg:           sc,
		log:           log.With(logger.Scope("storage")),
		bucketContent: sc.BucketContent,
		bucketBatch:   sc.BucketBatch,
	}, nil
}

// Enabled returns true if the storage service is properly configured
func (s *Service) Enabled() bool {
	return s.client != nil
}

// ContentBucket returns the content blob bucket name
func (s *Service) ContentBucket() string { return s.bucketContent }

// BatchBucket returns the batch-inference exchange bucket name
func (s *Service) BatchBucket() string { return s.bucketBatch }

// Put uploads data under key in the given bucket
func (s *Service) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if !s.Enabled() {
		return fmt.Errorf("storage service not enabled")
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		s.log.Error("failed to upload object",
			slog.String("bucket", bucket),
			slog.String("key", key),
			logger.Error(err),
		)
		return fmt.Errorf("upload failed: %w", err)
	}

	s.log.Debug("object uploaded",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.Int("size", len(data)),
	)
	return nil
}

// Get retrieves an object's bytes
func (s *Service) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("storage service not enabled")
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.log.Error("failed to download object",
			slog.String("bucket", bucket),
			slog.String("key", key),
			logger.Error(err),
		)
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}
	return data, nil
}

// GetStream retrieves an object as a stream; caller closes the reader.
// Batch output JSONL can be large, so ingestion reads it line by line.
func (s *Service) GetStream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("storage service not enabled")
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	return result.Body, nil
}

// Delete removes an object
func (s *Service) Delete(ctx context.Context, bucket, key string) error {
	if !s.Enabled() {
		return fmt.Errorf("storage service not enabled")
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.log.Error("failed to delete object",
			slog.String("bucket", bucket),
			slog.String("key", key),
			logger.Error(err),
		)
		return fmt.Errorf("delete failed: %w", err)
	}

	s.log.Debug("object deleted", slog.String("key", key))
	return nil
}

// Exists checks if an object exists
func (s *Service) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if !s.Enabled() {
		return false, fmt.Errorf("storage service not enabled")
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "NotFound") || strings.Contains(errStr, "404") || strings.Contains(errStr, "NoSuchKey") {
			return false, nil
		}
		return false, fmt.Errorf("head object failed: %w", err)
	}

	return true, nil
}
