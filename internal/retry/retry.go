// Package retry runs stage operations under a fixed-delay retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how a stage retries its own failures.
type Policy struct {
	Attempts int           // total attempts, including the first
	Delay    time.Duration // wait between attempts
}

// Retryable is implemented by classified errors that know whether the
// owning stage may try again.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err (or anything it wraps) is a classified
// error that permits retrying.
func IsRetryable(err error) bool {
	var r Retryable
	return errors.As(err, &r) && r.Retryable()
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a non-retryable error, the policy
// runs out of attempts, or ctx ends. onRetry, if non-nil, is called before
// each wait with the attempt number that just failed.
func Do(ctx context.Context, p Policy, log *slog.Logger, onRetry func(attempt int, err error), fn func(ctx context.Context, attempt int) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if log == nil {
		log = slog.Default()
	}

	attempt := 0
	var lastErr error
	op := func() error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(p.Attempts-1))
	b = backoff.WithContext(b, ctx)

	notify := func(err error, wait time.Duration) {
		log.Warn("attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", p.Attempts,
			"retry_in", wait.String(),
			"error", err,
		)
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}

	err := backoff.RetryNotify(op, b, notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil && IsRetryable(lastErr) {
		// Canceled or timed out while waiting between attempts.
		return fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
	}
	if IsRetryable(err) && attempt >= p.Attempts {
		return &ExhaustedError{Attempts: attempt, Err: err}
	}
	return err
}
