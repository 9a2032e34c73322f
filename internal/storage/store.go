package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrObjectExists is returned by Put when overwrite is false and the key is present.
var ErrObjectExists = errors.New("object already exists")

// ErrObjectNotFound is returned by Get when the key is absent.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore abstracts the object storage the pipeline stages artifacts in.
// Implementations never retry; retry policy belongs to the calling stage.
type ObjectStore interface {
	// Put writes data under bucket/key. The object becomes visible only once
	// fully written. With overwrite=false an existing key yields ErrObjectExists.
	Put(ctx context.Context, bucket, key string, data []byte, overwrite bool) error

	// Exists reports whether bucket/key is present without reading its content.
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// Get reads the full content of bucket/key.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// URI returns the canonical URI for bucket/key.
	URI(bucket, key string) string

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the object storage backend.
type StorageConfig struct {
	Backend string // "s3" | "gcs" | "minio" | "file" | "mem"

	// S3 (also works for B2, R2)
	Region   string
	Endpoint string // custom endpoint for B2/R2/MinIO

	// MinIO
	AccessKey string
	SecretKey string
	UseSSL    bool

	// File backend root; each bucket is a directory below it.
	LocalDir string
}

// NewObjectStore creates a storage backend based on configuration.
func NewObjectStore(cfg StorageConfig) (ObjectStore, error) {
	switch cfg.Backend {
	case "s3", "gcs", "mem":
		return NewBlobStore(cfg)
	case "file":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for file backend")
		}
		return NewBlobStore(cfg)
	case "minio":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("Endpoint required for minio backend")
		}
		return NewMinIOStore(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
