package upload

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
	"github.com/withObsrvr/realtor-etl/internal/retry"
	"github.com/withObsrvr/realtor-etl/internal/storage"
)

var christmas = artifact.NewLogicalDate(2024, time.December, 25)

func newStaging(t *testing.T) *storage.LocalStore {
	t.Helper()
	local, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return local
}

func stage(t *testing.T, local *storage.LocalStore, body string) artifact.RawArtifact {
	t.Helper()
	key := artifact.Key("redfin_data", christmas, artifact.ExtRaw)
	path, err := local.WriteAtomic(context.Background(), key, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	return artifact.RawArtifact{
		Date:     christmas,
		Key:      key,
		Path:     path,
		Size:     int64(len(body)),
		Checksum: artifact.ComputeChecksum([]byte(body)),
	}
}

func memStore(t *testing.T) storage.ObjectStore {
	t.Helper()
	s, err := storage.NewObjectStore(storage.StorageConfig{Backend: "mem"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUploadOverwritesPriorRun(t *testing.T) {
	store := memStore(t)
	local := newStaging(t)
	up := NewStageUploader(local, store, "redfinraw-data", retry.Policy{Attempts: 2, Delay: time.Millisecond})
	ctx := context.Background()

	first, err := up.Upload(ctx, stage(t, local, `{"v":1}`))
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := up.Upload(ctx, stage(t, local, `{"v":2}`))
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}

	want := artifact.Ref{Bucket: "redfinraw-data", Key: "redfin_data_2024-12-25.json"}
	if first != want || second != want {
		t.Fatalf("refs = %v, %v; want %v", first, second, want)
	}
	got, err := store.Get(ctx, want.Bucket, want.Key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"v":2}` {
		t.Errorf("stored = %s, want second upload", got)
	}
}

// flakyStore fails Put with the configured errors before delegating.
type flakyStore struct {
	storage.ObjectStore
	errs  []error
	calls int
}

func (f *flakyStore) Put(ctx context.Context, bucket, key string, data []byte, overwrite bool) error {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return f.ObjectStore.Put(ctx, bucket, key, data, overwrite)
}

func TestUploadRetriesNetworkOnly(t *testing.T) {
	network := &storage.StorageError{Kind: storage.KindNetwork, Op: "put", Err: errors.New("connection reset")}
	auth := &storage.StorageError{Kind: storage.KindAuth, Op: "put", Err: errors.New("access denied")}

	tests := []struct {
		name      string
		errs      []error
		wantErr   bool
		wantCalls int
	}{
		{"network then ok", []error{network}, false, 2},
		{"network exhausted", []error{network, network}, true, 2},
		{"auth not retried", []error{auth}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := newStaging(t)
			fs := &flakyStore{ObjectStore: memStore(t), errs: tt.errs}
			up := NewStageUploader(local, fs, "redfinraw-data", retry.Policy{Attempts: 2, Delay: time.Millisecond})
			_, err := up.Upload(context.Background(), stage(t, local, `{}`))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if fs.calls != tt.wantCalls {
				t.Errorf("Put called %d times, want %d", fs.calls, tt.wantCalls)
			}
			if err != nil {
				var se *storage.StorageError
				if !errors.As(err, &se) {
					t.Errorf("error %v does not carry a StorageError", err)
				}
			}
		})
	}
}

func TestUploadDetectsTamperedStaging(t *testing.T) {
	local := newStaging(t)
	raw := stage(t, local, `{"v":1}`)
	raw.Checksum = artifact.ComputeChecksum([]byte("something else"))
	up := NewStageUploader(local, memStore(t), "redfinraw-data", retry.Policy{Attempts: 1})
	if _, err := up.Upload(context.Background(), raw); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestUploadMissingStagedFile(t *testing.T) {
	local := newStaging(t)
	raw := stage(t, local, `{"v":1}`)
	if err := os.Remove(raw.Path); err != nil {
		t.Fatal(err)
	}

	fs := &flakyStore{ObjectStore: memStore(t)}
	up := NewStageUploader(local, fs, "redfinraw-data", retry.Policy{Attempts: 2, Delay: time.Millisecond})
	_, err := up.Upload(context.Background(), raw)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Upload err = %v, want os.ErrNotExist", err)
	}
	if fs.calls != 0 {
		t.Errorf("Put called %d times, want 0", fs.calls)
	}
}
