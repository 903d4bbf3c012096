// Package filestore keeps the raw bytes of uploaded documents. Documents in
// the database only carry the storage key.
package filestore

import (
	"context"
	"fmt"
	"io"

	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("file not found")

type FileStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Type() string
}

func New(cfg *config.StorageConfig) (FileStore, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocal(cfg.LocalPath)
	case "s3", "minio":
		return NewMinio(
			WithEndpoint(cfg.Endpoint),
			WithBucket(cfg.Bucket),
			WithAccessKey(cfg.AccessKey),
			WithSecretKey(cfg.SecretKey),
			WithSSL(cfg.UseSSL),
		)
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}
