package watcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
	"github.com/withObsrvr/realtor-etl/internal/storage"
)

var ref = artifact.Ref{Bucket: "transformed-redfin-data", Key: "redfin_data_2024-12-25.csv"}

// countingStore records Exists/Get calls on top of a mem store.
type countingStore struct {
	storage.ObjectStore
	exists atomic.Int32
	gets   atomic.Int32
	err    error
}

func (c *countingStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	c.exists.Add(1)
	if c.err != nil {
		return false, c.err
	}
	return c.ObjectStore.Exists(ctx, bucket, key)
}

func (c *countingStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	c.gets.Add(1)
	return c.ObjectStore.Get(ctx, bucket, key)
}

func newStore(t *testing.T) *countingStore {
	t.Helper()
	s, err := storage.NewObjectStore(storage.StorageConfig{Backend: "mem"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return &countingStore{ObjectStore: s}
}

func TestWaitForPresentReturnsImmediately(t *testing.T) {
	store := newStore(t)
	if err := store.Put(context.Background(), ref.Bucket, ref.Key, []byte("a,b\n1,2\n"), true); err != nil {
		t.Fatal(err)
	}

	w := New(store, Config{PollInterval: time.Hour, Timeout: 2 * time.Hour})
	start := time.Now()
	if err := w.WaitFor(context.Background(), ref); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("took %s for an already present artifact", elapsed)
	}
	if got := store.exists.Load(); got != 1 {
		t.Errorf("Exists called %d times, want 1", got)
	}
	if got := store.gets.Load(); got != 0 {
		t.Errorf("waiter read object content %d times", got)
	}
}

func TestWaitForAppearsLater(t *testing.T) {
	store := newStore(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		store.Put(context.Background(), ref.Bucket, ref.Key, []byte("a\n"), true)
	}()

	w := New(store, Config{PollInterval: 10 * time.Millisecond, Timeout: 5 * time.Second})
	if err := w.WaitFor(context.Background(), ref); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if got := store.exists.Load(); got < 2 {
		t.Errorf("Exists called %d times, expected several polls", got)
	}
}

func TestWaitForTimesOutWithinBound(t *testing.T) {
	store := newStore(t)
	cfg := Config{PollInterval: 20 * time.Millisecond, Timeout: 100 * time.Millisecond}
	w := New(store, cfg)

	start := time.Now()
	err := w.WaitFor(context.Background(), ref)
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.ErrorKind() != "TimeoutError" || te.Retryable() {
		t.Errorf("unexpected classification: %s retryable=%v", te.ErrorKind(), te.Retryable())
	}
	if te.Bucket != ref.Bucket || te.Key != ref.Key {
		t.Errorf("timeout names %s/%s", te.Bucket, te.Key)
	}
	if elapsed < cfg.Timeout {
		t.Errorf("returned after %s, before the timeout", elapsed)
	}
	// Generous slack for scheduler jitter on top of timeout + one interval.
	if limit := cfg.Timeout + cfg.PollInterval + 200*time.Millisecond; elapsed > limit {
		t.Errorf("blocked %s, longer than %s", elapsed, limit)
	}
}

func TestWaitForAuthErrorFailsFast(t *testing.T) {
	store := newStore(t)
	store.err = &storage.StorageError{Kind: storage.KindAuth, Op: "exists", Err: errors.New("forbidden")}

	w := New(store, Config{PollInterval: 10 * time.Millisecond, Timeout: time.Second})
	err := w.WaitFor(context.Background(), ref)
	if !storage.IsKind(err, storage.KindAuth) {
		t.Fatalf("expected auth StorageError, got %v", err)
	}
	if got := store.exists.Load(); got != 1 {
		t.Errorf("Exists called %d times, want 1", got)
	}
}

func TestWaitForNetworkErrorsKeepPolling(t *testing.T) {
	store := newStore(t)
	store.err = &storage.StorageError{Kind: storage.KindNetwork, Op: "exists", Err: errors.New("reset")}

	w := New(store, Config{PollInterval: 10 * time.Millisecond, Timeout: 80 * time.Millisecond})
	err := w.WaitFor(context.Background(), ref)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if got := store.exists.Load(); got < 2 {
		t.Errorf("Exists called %d times, expected polling to continue", got)
	}
}

func TestWaitForParentCancel(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	w := New(store, Config{PollInterval: 10 * time.Millisecond, Timeout: time.Minute})
	err := w.WaitFor(ctx, ref)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if IsTimeout(err) {
		t.Error("cancellation must not be reported as a timeout")
	}
}
