// Package storage fetches raw inbound messages from S3-compatible object storage
// and computes the content hashes used to deduplicate deliveries.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/vdavid/mailhook/internal/config"
	"github.com/vdavid/mailhook/internal/logger"
	"lukechampine.com/blake3"
)

// MaxMessageSize caps the raw message size read from the bucket.
const MaxMessageSize = 50 << 20

var (
	// ErrObjectNotFound is returned when the bucket holds no object under the key.
	ErrObjectNotFound = errors.New("object not found")

	// ErrMessageTooLarge is returned when an object exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)

// ContentHash returns the hex-encoded BLAKE3-256 hash of a raw message.
func ContentHash(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

// New creates a client for the configured bucket.
func New(cfg config.S3Config) (*S3Storage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		logger.Error("Storage: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	return &S3Storage{
		Client:     client,
		BucketName: cfg.Bucket,
	}, nil
}

// Get reads the whole object stored under key.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(key, err)
	}
	defer func() {
		if err := object.Close(); err != nil {
			logger.Warn("Storage: failed to close S3 object", "key", key, "error", err)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(object, MaxMessageSize+1))
	if err != nil {
		return nil, classify(key, err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrMessageTooLarge, key, MaxMessageSize)
	}

	return data, nil
}

func classify(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return fmt.Errorf("failed to get object %s: %w", key, err)
}
