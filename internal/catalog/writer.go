// Package catalog records pipeline run outcomes in a Postgres run ledger.
package catalog

import (
	"context"
	"time"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
)

type Config struct {
	PostgresDSN string
	Pipeline    string
}

// Writer persists run records.
type Writer interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	// LastSucceeded returns the latest logical date with a successful run.
	LastSucceeded(ctx context.Context) (artifact.LogicalDate, bool, error)
	// SucceededDates returns the dates in [from, to] that have a successful run.
	SucceededDates(ctx context.Context, from, to artifact.LogicalDate) (map[artifact.LogicalDate]bool, error)
	Close() error
}

// RunRecord is one pipeline run as stored in the catalog.
type RunRecord struct {
	RunID          string
	LogicalDate    artifact.LogicalDate
	State          string
	Stage          string
	ErrorKind      string
	ErrorMessage   string
	RowsLoaded     int64
	LoadSkipped    bool
	RawURI         string
	TransformedURI string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// NewWriter returns a Postgres writer, or a no-op writer when no DSN is
// configured.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

type noopWriter struct{}

func (noopWriter) RecordRun(context.Context, RunRecord) error { return nil }

func (noopWriter) LastSucceeded(context.Context) (artifact.LogicalDate, bool, error) {
	return artifact.LogicalDate{}, false, nil
}

func (noopWriter) SucceededDates(context.Context, artifact.LogicalDate, artifact.LogicalDate) (map[artifact.LogicalDate]bool, error) {
	return map[artifact.LogicalDate]bool{}, nil
}

func (noopWriter) Close() error { return nil }

// MissingDates returns the dates in [from, to] without a successful run,
// in ascending order.
func MissingDates(ctx context.Context, w Writer, from, to artifact.LogicalDate) ([]artifact.LogicalDate, error) {
	done, err := w.SucceededDates(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var missing []artifact.LogicalDate
	for _, d := range artifact.Range(from, to) {
		if !done[d] {
			missing = append(missing, d)
		}
	}
	return missing, nil
}
