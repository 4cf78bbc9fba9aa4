package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/internal/tlsutil"
)

// Config configures the MinIO-backed blob store.
type Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
	// PublicBaseURL is the externally reachable prefix returned to
	// clients (CDN or the MinIO endpoint itself).
	PublicBaseURL string `json:"public_base_url" yaml:"public_base_url"`
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("storage: endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("storage: bucket is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("storage: access and secret keys are required")
	}
	return nil
}

// MinIOStore implements BlobStore on a MinIO/S3 bucket.
type MinIOStore struct {
	client *minio.Client
	cfg    Config
	logger *zap.Logger
}

// NewMinIOStore connects to MinIO and ensures the bucket exists.
func NewMinIOStore(ctx context.Context, cfg Config, logger *zap.Logger) (*MinIOStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: tlsutil.SecureTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: connect minio: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("storage: make bucket: %w", err)
		}
	}

	return &MinIOStore{client: client, cfg: cfg, logger: logger.With(zap.String("component", "blob_store"))}, nil
}

// PutBase64 decodes and stores a base64 payload.
func (s *MinIOStore) PutBase64(ctx context.Context, encoded, path, mimeType string) (string, error) {
	data, err := decodeBase64(encoded)
	if err != nil {
		return "", fmt.Errorf("storage: decode base64: %w", err)
	}
	return s.PutBuffer(ctx, data, path, mimeType)
}

// PutBuffer stores raw bytes under path and returns the public URL.
func (s *MinIOStore) PutBuffer(ctx context.Context, data []byte, path, mimeType string) (string, error) {
	start := time.Now()
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, path, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: mimeType})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", path, err)
	}
	s.logger.Debug("blob stored",
		zap.String("path", path),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return s.URLFor(path), nil
}

// URLFor maps a storage path to its externally reachable URL.
func (s *MinIOStore) URLFor(path string) string {
	base := s.cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if s.cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, s.cfg.Endpoint, s.cfg.Bucket)
	}
	return strings.TrimRight(base, "/") + "/" + path
}
