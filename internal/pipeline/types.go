package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
	"github.com/withObsrvr/realtor-etl/internal/warehouse"
)

// State is a run's position in the stage sequence.
type State string

const (
	Pending    State = "Pending"
	Extracting State = "Extracting"
	Uploading  State = "Uploading"
	Waiting    State = "Waiting"
	Loading    State = "Loading"
	Succeeded  State = "Succeeded"
	Failed     State = "Failed"
)

// Stage interfaces. Each stage owns its retry policy and returns a
// classified error once that policy is exhausted.
type (
	Extractor interface {
		Extract(ctx context.Context, date artifact.LogicalDate) (artifact.RawArtifact, error)
	}
	Uploader interface {
		Upload(ctx context.Context, raw artifact.RawArtifact) (artifact.Ref, error)
	}
	Waiter interface {
		WaitFor(ctx context.Context, ref artifact.Ref) error
	}
	Loader interface {
		Load(ctx context.Context, src artifact.Ref) (warehouse.LoadResult, error)
	}
)

// RunResult is the outcome of one pipeline invocation.
type RunResult struct {
	RunID string
	Date  artifact.LogicalDate
	State State // Succeeded or Failed once the run returns
	Stage State // stage the run was in when it ended

	Err       error
	ErrorKind string // e.g. "FetchError.Provider", "TimeoutError", "Canceled"

	RowsLoaded  int64
	LoadSkipped bool

	Raw         artifact.RawArtifact
	RawRef      artifact.Ref
	Transformed artifact.Ref

	StageDurations map[State]time.Duration
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Succeeded reports whether the run completed every stage.
func (r RunResult) Succeeded() bool { return r.State == Succeeded }

// String renders the terminal state, e.g. "Failed(Extracting, FetchError.Provider)".
func (r RunResult) String() string {
	if r.State == Failed {
		return fmt.Sprintf("Failed(%s, %s)", r.Stage, r.ErrorKind)
	}
	return string(r.State)
}

// Kinds reported for errors outside the stage taxonomy.
const (
	KindCanceled = "Canceled"
	KindInvalid  = "InvalidInput"
	KindUnknown  = "Unknown"
)

// ErrorKind names the classified kind of err.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var k interface{ ErrorKind() string }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	if errors.Is(err, artifact.ErrZeroDate) || errors.Is(err, warehouse.ErrInvalidSpec) {
		return KindInvalid
	}
	return KindUnknown
}
