// Package upload copies staged raw artifacts into object storage.
package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
	"github.com/withObsrvr/realtor-etl/internal/logging"
	"github.com/withObsrvr/realtor-etl/internal/metrics"
	"github.com/withObsrvr/realtor-etl/internal/retry"
	"github.com/withObsrvr/realtor-etl/internal/storage"
)

// StageUploader runs the upload stage.
type StageUploader struct {
	staging *storage.LocalStore
	store   storage.ObjectStore
	bucket  string
	policy  retry.Policy
}

// NewStageUploader creates an uploader reading from the staging area and
// writing into bucket.
func NewStageUploader(staging *storage.LocalStore, store storage.ObjectStore, bucket string, policy retry.Policy) *StageUploader {
	return &StageUploader{staging: staging, store: store, bucket: bucket, policy: policy}
}

// Upload copies raw to <bucket>/<raw.Key>, replacing any prior upload for
// the same logical date. Only network failures are retried.
func (u *StageUploader) Upload(ctx context.Context, raw artifact.RawArtifact) (artifact.Ref, error) {
	log := logging.FromContext(ctx, "upload").With("logical_date", raw.Date.String())
	ref := artifact.Ref{Bucket: u.bucket, Key: raw.Key}

	data, err := u.staging.Read(raw.Path)
	if err != nil {
		return artifact.Ref{}, err
	}
	if raw.Checksum != "" && !artifact.VerifyChecksum(data, raw.Checksum) {
		return artifact.Ref{}, fmt.Errorf("staged artifact %s changed since extraction", raw.Path)
	}

	m := metrics.Get()
	err = retry.Do(ctx, u.policy, log,
		func(attempt int, err error) {
			var se *storage.StorageError
			if errors.As(err, &se) {
				m.IncRetryAttempts("Uploading", se.ErrorKind())
			}
		},
		func(ctx context.Context, attempt int) error {
			return u.store.Put(ctx, ref.Bucket, ref.Key, data, true)
		})
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("upload %s: %w", ref, err)
	}
	m.ObserveArtifactBytes("Uploading", float64(len(data)))

	log.Info("raw artifact uploaded",
		"uri", u.store.URI(ref.Bucket, ref.Key),
		"bytes", len(data),
	)
	return ref, nil
}
