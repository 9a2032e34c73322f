package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"gocloud.dev/gcerrors"
)

// ErrorKind classifies object storage failures.
type ErrorKind string

const (
	KindAuth    ErrorKind = "Auth"
	KindNetwork ErrorKind = "Network"
	KindQuota   ErrorKind = "Quota"
)

// StorageError is a classified object storage failure.
type StorageError struct {
	Kind   ErrorKind
	Op     string // "put" | "exists" | "get" | "head"
	Bucket string
	Key    string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s/%s (%s): %v", e.Op, e.Bucket, e.Key, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrorKind returns the taxonomy name of the error, e.g. "StorageError.Network".
func (e *StorageError) ErrorKind() string { return "StorageError." + string(e.Kind) }

// Retryable reports whether the calling stage may retry. Only Network is.
func (e *StorageError) Retryable() bool { return e.Kind == KindNetwork }

// IsKind reports whether err is a StorageError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == kind
}

// classify wraps a backend error into a StorageError.
// Sentinel errors (ErrObjectExists, ErrObjectNotFound) and context
// cancellation pass through unchanged.
func classify(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrObjectExists) || errors.Is(err, ErrObjectNotFound) || errors.Is(err, context.Canceled) {
		return err
	}
	return &StorageError{Kind: kindOf(err), Op: op, Bucket: bucket, Key: key, Err: err}
}

func kindOf(err error) ErrorKind {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return KindAuth
		case "QuotaExceeded", "XMinioStorageFull", "XMinioAdminBucketQuotaExceeded", "SlowDown", "EntityTooLarge":
			return KindQuota
		}
		return KindNetwork
	}

	switch gcerrors.Code(err) {
	case gcerrors.PermissionDenied:
		return KindAuth
	case gcerrors.ResourceExhausted:
		return KindQuota
	}
	return KindNetwork
}
