package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type kindErr struct{ retry bool }

func (e kindErr) Error() string   { return "kind error" }
func (e kindErr) Retryable() bool { return e.retry }

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	var retried []int
	err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, nil,
		func(attempt int, _ error) { retried = append(retried, attempt) },
		func(ctx context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return kindErr{retry: true}
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("onRetry attempts = %v, want [1 2]", retried)
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Delay: time.Millisecond}, nil, nil,
		func(ctx context.Context, attempt int) error {
			calls++
			return kindErr{retry: true}
		})
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want *ExhaustedError", err)
	}
	if exhausted.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", exhausted.Attempts)
	}
	var ke kindErr
	if !errors.As(err, &ke) {
		t.Error("ExhaustedError should unwrap to the classified error")
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Delay: time.Millisecond}, nil, nil,
		func(ctx context.Context, attempt int) error {
			calls++
			return kindErr{retry: false}
		})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	var ke kindErr
	if !errors.As(err, &ke) {
		t.Errorf("err = %v, want kindErr", err)
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		t.Error("a permanent error must not be reported as exhausted")
	}
}

func TestDoUnclassifiedErrorIsPermanent(t *testing.T) {
	calls := 0
	plain := errors.New("boom")
	err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, nil, nil,
		func(ctx context.Context, attempt int) error {
			calls++
			return plain
		})
	if calls != 1 || !errors.Is(err, plain) {
		t.Errorf("calls = %d, err = %v; want 1, boom", calls, err)
	}
}

func TestDoHonorsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Do(ctx, Policy{Attempts: 5, Delay: time.Hour}, nil, nil,
		func(ctx context.Context, attempt int) error {
			return kindErr{retry: true}
		})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Do blocked past the context deadline")
	}
}
