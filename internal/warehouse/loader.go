// Package warehouse bulk-loads transformed artifacts into the analytical
// warehouse.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
	"github.com/withObsrvr/realtor-etl/internal/logging"
	"github.com/withObsrvr/realtor-etl/internal/metrics"
	"github.com/withObsrvr/realtor-etl/internal/retry"
)

// LoadResult is the outcome of a successful load.
type LoadResult struct {
	Rows    int64
	Skipped bool // source was already recorded in the load ledger
}

// Warehouse executes bulk copies. Implementations return raw driver
// errors; the Loader classifies them.
type Warehouse interface {
	Copy(ctx context.Context, spec CopySpec) (LoadResult, error)
	Close() error
}

// Options are the load target and COPY format options.
type Options struct {
	Schema       string
	Table        string
	IAMRole      string
	Region       string
	Delimiter    string
	IgnoreHeader int
}

// Loader runs the load stage.
type Loader struct {
	wh      Warehouse
	opts    Options
	policy  retry.Policy
	timeout time.Duration
}

// NewLoader creates a Loader. timeout bounds the whole stage including
// retries; zero means no bound beyond ctx.
func NewLoader(wh Warehouse, opts Options, policy retry.Policy, timeout time.Duration) *Loader {
	return &Loader{wh: wh, opts: opts, policy: policy, timeout: timeout}
}

// Spec returns the CopySpec for loading src.
func (l *Loader) Spec(src artifact.Ref) CopySpec {
	return CopySpec{
		Schema:       l.opts.Schema,
		Table:        l.opts.Table,
		Source:       src,
		IAMRole:      l.opts.IAMRole,
		Region:       l.opts.Region,
		Delimiter:    l.opts.Delimiter,
		IgnoreHeader: l.opts.IgnoreHeader,
	}
}

// Load copies src into the target table. Only Transient failures are
// retried; exhausting the attempts or the execution timeout is fatal.
func (l *Loader) Load(ctx context.Context, src artifact.Ref) (LoadResult, error) {
	spec := l.Spec(src)
	log := logging.FromContext(ctx, "warehouse").With("table", spec.Schema+"."+spec.Table, "source", src.URI())

	if _, err := BuildCopySQL(spec); err != nil {
		return LoadResult{}, fmt.Errorf("load %s: %w", src, err)
	}

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if l.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, l.timeout)
	}
	defer cancel()

	m := metrics.Get()
	var res LoadResult
	err := retry.Do(execCtx, l.policy, log,
		func(attempt int, err error) {
			var le *LoadError
			if errors.As(err, &le) {
				m.IncRetryAttempts("Loading", le.ErrorKind())
			}
		},
		func(ctx context.Context, attempt int) error {
			r, err := l.wh.Copy(ctx, spec)
			if err != nil {
				return Classify(err)
			}
			res = r
			return nil
		})
	if err != nil {
		if ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = &LoadError{
				Kind: KindTransient,
				Err:  fmt.Errorf("execution timeout %s exceeded: %w", l.timeout, err),
			}
		}
		return LoadResult{}, fmt.Errorf("load %s into %s: %w", src, spec.QualifiedTable(), err)
	}

	if res.Skipped {
		m.IncLoadsSkipped()
	} else {
		m.AddRowsLoaded(float64(res.Rows))
	}
	log.Info("load complete", "rows", res.Rows, "skipped", res.Skipped)
	return res, nil
}
