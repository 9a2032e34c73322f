package warehouse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
	"github.com/withObsrvr/realtor-etl/internal/retry"
)

// fakeWarehouse returns queued errors before succeeding and records specs.
type fakeWarehouse struct {
	mu     sync.Mutex
	errs   []error
	always error
	rows   int64
	specs  []CopySpec
	loaded map[string]bool
}

func (f *fakeWarehouse) Copy(ctx context.Context, spec CopySpec) (LoadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.always != nil {
		return LoadResult{}, f.always
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return LoadResult{}, err
	}
	if f.loaded == nil {
		f.loaded = make(map[string]bool)
	}
	key := spec.QualifiedTable() + spec.Source.URI()
	if f.loaded[key] {
		return LoadResult{Skipped: true}, nil
	}
	f.loaded[key] = true
	return LoadResult{Rows: f.rows}, nil
}

func (f *fakeWarehouse) Close() error { return nil }

func (f *fakeWarehouse) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

var (
	src  = artifact.Ref{Bucket: "transformed-redfin-data", Key: "redfin_data_2024-12-25.csv"}
	opts = Options{
		Schema:       "public",
		Table:        "Realtordata",
		IAMRole:      "arn:aws:iam::123456789012:role/redshift-s3-access",
		Region:       "us-east-1",
		Delimiter:    ",",
		IgnoreHeader: 1,
	}
	transient = &pgconn.PgError{Code: "08006", Message: "connection failure"}
)

func fastPolicy() retry.Policy { return retry.Policy{Attempts: 5, Delay: time.Millisecond} }

func TestLoadSucceeds(t *testing.T) {
	wh := &fakeWarehouse{rows: 120}
	l := NewLoader(wh, opts, fastPolicy(), time.Minute)

	res, err := l.Load(context.Background(), src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Rows != 120 || res.Skipped {
		t.Errorf("result = %+v", res)
	}
	spec := wh.specs[0]
	if spec.QualifiedTable() != `"public"."Realtordata"` || spec.Source != src {
		t.Errorf("spec = %+v", spec)
	}
}

func TestLoadRerunIsSkipped(t *testing.T) {
	wh := &fakeWarehouse{rows: 7}
	l := NewLoader(wh, opts, fastPolicy(), time.Minute)

	if _, err := l.Load(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	res, err := l.Load(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.Rows != 0 {
		t.Errorf("rerun result = %+v, want skipped", res)
	}
}

func TestLoadTransientStopsAfterFiveAttempts(t *testing.T) {
	wh := &fakeWarehouse{always: transient}
	l := NewLoader(wh, opts, fastPolicy(), time.Minute)

	_, err := l.Load(context.Background(), src)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := wh.calls(); got != 5 {
		t.Errorf("Copy called %d times, want 5", got)
	}
	var le *LoadError
	if !errors.As(err, &le) || le.Kind != KindTransient {
		t.Fatalf("expected transient LoadError, got %v", err)
	}
	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 5 {
		t.Errorf("expected exhaustion after 5 attempts, got %v", err)
	}
}

func TestLoadTransientThenSuccess(t *testing.T) {
	wh := &fakeWarehouse{errs: []error{transient, transient}, rows: 3}
	l := NewLoader(wh, opts, fastPolicy(), time.Minute)

	res, err := l.Load(context.Background(), src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Rows != 3 || wh.calls() != 3 {
		t.Errorf("rows=%d calls=%d", res.Rows, wh.calls())
	}
}

func TestLoadDoesNotRetryAuthOrFormat(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want LoadKind
	}{
		{"auth", &pgconn.PgError{Code: "28000", Message: "invalid authorization"}, KindAuth},
		{"format", &pgconn.PgError{Code: "XX000", Message: "Check 'stl_load_errors' system table for details."}, KindFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wh := &fakeWarehouse{always: tt.err}
			l := NewLoader(wh, opts, fastPolicy(), time.Minute)

			_, err := l.Load(context.Background(), src)
			var le *LoadError
			if !errors.As(err, &le) || le.Kind != tt.want {
				t.Fatalf("expected %s LoadError, got %v", tt.want, err)
			}
			if got := wh.calls(); got != 1 {
				t.Errorf("Copy called %d times, want 1", got)
			}
		})
	}
}

func TestLoadExecutionTimeout(t *testing.T) {
	wh := &fakeWarehouse{always: transient}
	l := NewLoader(wh, opts, retry.Policy{Attempts: 5, Delay: 50 * time.Millisecond}, 20*time.Millisecond)

	start := time.Now()
	_, err := l.Load(context.Background(), src)
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
	var le *LoadError
	if !errors.As(err, &le) || le.Kind != KindTransient {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline in chain, got %v", err)
	}
	if got := wh.calls(); got >= 5 {
		t.Errorf("Copy called %d times; timeout should cut retries short", got)
	}
}

func TestLoadRejectsInvalidSpec(t *testing.T) {
	bad := opts
	bad.IAMRole = ""
	wh := &fakeWarehouse{}
	l := NewLoader(wh, bad, fastPolicy(), time.Minute)
	if _, err := l.Load(context.Background(), src); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("Load err = %v, want ErrInvalidSpec", err)
	}
	if wh.calls() != 0 {
		t.Error("warehouse should not be called with an invalid spec")
	}
}
