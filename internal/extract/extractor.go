// Package extract fetches listings from the provider and stages the raw
// response on local disk under its logical-date key.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
	"github.com/withObsrvr/realtor-etl/internal/logging"
	"github.com/withObsrvr/realtor-etl/internal/metrics"
	"github.com/withObsrvr/realtor-etl/internal/retry"
	"github.com/withObsrvr/realtor-etl/internal/storage"
)

// Extractor runs the extract stage.
type Extractor struct {
	fetcher Fetcher
	staging *storage.LocalStore
	prefix  string
	policy  retry.Policy
	now     func() time.Time
}

// NewExtractor creates an Extractor writing to staging under prefix.
func NewExtractor(fetcher Fetcher, staging *storage.LocalStore, prefix string, policy retry.Policy) *Extractor {
	return &Extractor{
		fetcher: fetcher,
		staging: staging,
		prefix:  prefix,
		policy:  policy,
		now:     time.Now,
	}
}

// Extract fetches the provider response for date and persists it verbatim.
// The artifact becomes visible under its final name only once fully written.
func (e *Extractor) Extract(ctx context.Context, date artifact.LogicalDate) (artifact.RawArtifact, error) {
	log := logging.FromContext(ctx, "extract").With("logical_date", date.String())

	keys, err := artifact.KeysFor(e.prefix, date)
	if err != nil {
		return artifact.RawArtifact{}, err
	}

	m := metrics.Get()
	var body []byte
	err = retry.Do(ctx, e.policy, log,
		func(attempt int, err error) {
			m.IncRetryAttempts("Extracting", kindOf(err))
		},
		func(ctx context.Context, attempt int) error {
			b, err := e.fetcher.Fetch(ctx)
			m.IncProviderResponses(responseClass(err))
			if err != nil {
				return err
			}
			body = b
			return nil
		})
	if err != nil {
		return artifact.RawArtifact{}, fmt.Errorf("fetch listings for %s: %w", date, err)
	}

	path, err := e.staging.WriteAtomic(ctx, keys.Raw, body)
	if err != nil {
		return artifact.RawArtifact{}, fmt.Errorf("stage raw artifact: %w", err)
	}
	m.ObserveArtifactBytes("Extracting", float64(len(body)))

	raw := artifact.RawArtifact{
		Date:      date,
		Key:       keys.Raw,
		Path:      path,
		Size:      int64(len(body)),
		Checksum:  artifact.ComputeChecksum(body),
		FetchedAt: e.now().UTC(),
	}
	log.Info("raw artifact staged",
		slog.String("key", raw.Key),
		slog.String("path", raw.Path),
		slog.Int64("bytes", raw.Size),
	)
	return raw, nil
}

func kindOf(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.ErrorKind()
	}
	return "unknown"
}

func responseClass(err error) string {
	if err == nil {
		return "2xx"
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		return "transport"
	}
	switch fe.Kind {
	case KindProvider:
		return fmt.Sprintf("%dxx", fe.StatusCode/100)
	case KindDecode:
		return "2xx"
	default:
		return "transport"
	}
}
