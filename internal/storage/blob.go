package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local directory driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BlobStore implements ObjectStore on gocloud.dev/blob.
// Buckets are opened lazily on first use and kept open until Close.
type BlobStore struct {
	cfg     StorageConfig
	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// NewBlobStore creates a gocloud-backed store for the s3, gcs, file and mem backends.
func NewBlobStore(cfg StorageConfig) (*BlobStore, error) {
	switch cfg.Backend {
	case "s3", "gcs", "file", "mem":
	default:
		return nil, fmt.Errorf("backend %s is not served by gocloud blob", cfg.Backend)
	}
	return &BlobStore{
		cfg:     cfg,
		buckets: make(map[string]*blob.Bucket),
	}, nil
}

// bucketURL builds the gocloud URL for a bucket name.
func (s *BlobStore) bucketURL(name string) (string, error) {
	switch s.cfg.Backend {
	case "s3":
		// For AWS: s3://bucket-name?region=us-east-1
		// For custom endpoint: s3://bucket-name?endpoint=https://...&region=...
		bucketURL := fmt.Sprintf("s3://%s", name)
		params := url.Values{}
		if s.cfg.Region != "" {
			params.Set("region", s.cfg.Region)
		}
		if s.cfg.Endpoint != "" {
			params.Set("endpoint", s.cfg.Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		if len(params) > 0 {
			bucketURL = bucketURL + "?" + params.Encode()
		}
		return bucketURL, nil
	case "gcs":
		return fmt.Sprintf("gs://%s", name), nil
	case "file":
		dir, err := filepath.Abs(filepath.Join(s.cfg.LocalDir, name))
		if err != nil {
			return "", fmt.Errorf("resolve bucket directory: %w", err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create bucket directory %s: %w", dir, err)
		}
		return "file://" + filepath.ToSlash(dir), nil
	case "mem":
		return "mem://", nil
	default:
		return "", fmt.Errorf("unknown storage backend: %s", s.cfg.Backend)
	}
}

// bucket returns the open bucket handle for name, opening it if needed.
func (s *BlobStore) bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}

	bucketURL, err := s.bucketURL(name)
	if err != nil {
		return nil, err
	}
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open %s bucket %s: %w", s.cfg.Backend, name, err)
	}
	s.buckets[name] = b
	return b, nil
}

// Put writes data to bucket/key. gocloud writers publish the object on Close,
// so a failed write never leaves a partial object under key.
func (s *BlobStore) Put(ctx context.Context, bucket, key string, data []byte, overwrite bool) error {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return classify("put", bucket, key, err)
	}

	if !overwrite {
		exists, err := b.Exists(ctx, key)
		if err != nil {
			return classify("put", bucket, key, err)
		}
		if exists {
			return fmt.Errorf("put %s/%s: %w", bucket, key, ErrObjectExists)
		}
	}

	w, err := b.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType(key)})
	if err != nil {
		return classify("put", bucket, key, fmt.Errorf("create writer for %s: %w", key, err))
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return classify("put", bucket, key, fmt.Errorf("write data to %s: %w", key, err))
	}

	if err := w.Close(); err != nil {
		return classify("put", bucket, key, fmt.Errorf("close writer for %s: %w", key, err))
	}

	return nil
}

// Exists checks if bucket/key is present.
func (s *BlobStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return false, classify("exists", bucket, key, err)
	}
	exists, err := b.Exists(ctx, key)
	if err != nil {
		return false, classify("exists", bucket, key, err)
	}
	return exists, nil
}

// Get reads bucket/key in full.
func (s *BlobStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, classify("get", bucket, key, err)
	}
	data, err := b.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("get %s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, classify("get", bucket, key, err)
	}
	return data, nil
}

// URI returns the canonical URI for bucket/key.
func (s *BlobStore) URI(bucket, key string) string {
	switch s.cfg.Backend {
	case "gcs":
		return fmt.Sprintf("gs://%s/%s", bucket, key)
	case "file":
		return "file://" + filepath.Join(s.cfg.LocalDir, bucket, key)
	case "mem":
		return fmt.Sprintf("mem://%s/%s", bucket, key)
	default:
		return fmt.Sprintf("s3://%s/%s", bucket, key)
	}
}

// Close releases all open bucket handles.
func (s *BlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for name, b := range s.buckets {
		if err := b.Close(); err != nil {
			lastErr = err
		}
		delete(s.buckets, name)
	}
	return lastErr
}

func contentType(key string) string {
	switch filepath.Ext(key) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

// Verify BlobStore implements ObjectStore.
var _ ObjectStore = (*BlobStore)(nil)
