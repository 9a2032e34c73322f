// Package watcher blocks a run until the external transformer has produced
// the transformed artifact for its logical date.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
	"github.com/withObsrvr/realtor-etl/internal/logging"
	"github.com/withObsrvr/realtor-etl/internal/metrics"
	"github.com/withObsrvr/realtor-etl/internal/storage"
)

// Config holds the polling knobs.
type Config struct {
	PollInterval time.Duration // check cadence
	Timeout      time.Duration // max wait before failing the run
}

// TimeoutError is returned when the artifact did not appear in time.
// It is terminal for the run.
type TimeoutError struct {
	Bucket string
	Key    string
	Waited time.Duration
	Polls  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s (%d polls) waiting for %s/%s", e.Waited, e.Polls, e.Bucket, e.Key)
}

// ErrorKind returns "TimeoutError".
func (e *TimeoutError) ErrorKind() string { return "TimeoutError" }

// Retryable is always false.
func (e *TimeoutError) Retryable() bool { return false }

// ArtifactWaiter polls object storage for a key's existence.
type ArtifactWaiter struct {
	store storage.ObjectStore
	cfg   Config
}

// New creates an ArtifactWaiter.
func New(store storage.ObjectStore, cfg Config) *ArtifactWaiter {
	return &ArtifactWaiter{store: store, cfg: cfg}
}

// WaitFor returns nil as soon as ref exists. The first check is immediate,
// then one check per poll interval until the timeout. Checks never read
// object content. An auth failure ends the wait at once; other storage
// errors are logged and the next poll proceeds.
func (w *ArtifactWaiter) WaitFor(ctx context.Context, ref artifact.Ref) error {
	log := logging.FromContext(ctx, "watcher").With("bucket", ref.Bucket, "key", ref.Key)
	m := metrics.Get()

	waitCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		polls++
		m.IncWaitPolls()
		ok, err := w.store.Exists(waitCtx, ref.Bucket, ref.Key)
		switch {
		case err == nil && ok:
			log.Info("transformed artifact present",
				"polls", polls,
				"waited", time.Since(start).Round(time.Millisecond).String(),
			)
			return nil
		case err != nil && storage.IsKind(err, storage.KindAuth):
			return fmt.Errorf("check %s: %w", ref, err)
		case err != nil && waitCtx.Err() == nil:
			log.Warn("existence check failed", "poll", polls, "error", err)
		case err == nil:
			log.Debug("transformed artifact not yet present", "poll", polls)
		}

		select {
		case <-waitCtx.Done():
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			log.Error("gave up waiting for transformed artifact", "polls", polls, "timeout", w.cfg.Timeout.String())
			return &TimeoutError{
				Bucket: ref.Bucket,
				Key:    ref.Key,
				Waited: time.Since(start),
				Polls:  polls,
			}
		case <-ticker.C:
		}
	}
}

// IsTimeout reports whether err is a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
