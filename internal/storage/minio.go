package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore implements ObjectStore on the MinIO client, for self-hosted
// S3-compatible deployments that need static credentials.
type MinIOStore struct {
	client *minio.Client
	cfg    StorageConfig
}

// NewMinIOStore creates a MinIO-backed store.
func NewMinIOStore(cfg StorageConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", cfg.Endpoint, err)
	}
	return &MinIOStore{client: client, cfg: cfg}, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Put uploads data to bucket/key. S3 PUT is atomic, the key is never partially visible.
func (s *MinIOStore) Put(ctx context.Context, bucket, key string, data []byte, overwrite bool) error {
	if !overwrite {
		exists, err := s.Exists(ctx, bucket, key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("put %s/%s: %w", bucket, key, ErrObjectExists)
		}
	}

	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType(key)})
	if err != nil {
		return classify("put", bucket, key, err)
	}
	return nil
}

// Exists stats bucket/key.
func (s *MinIOStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, classify("exists", bucket, key, err)
}

// Get reads bucket/key in full.
func (s *MinIOStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("get", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("get %s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, classify("get", bucket, key, err)
	}
	return data, nil
}

// URI returns the canonical URI for bucket/key.
func (s *MinIOStore) URI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// Close is a no-op; the MinIO client holds no per-store resources.
func (s *MinIOStore) Close() error {
	return nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// Verify MinIOStore implements ObjectStore.
var _ ObjectStore = (*MinIOStore)(nil)
