// Package pipeline sequences the extract, upload, wait and load stages for
// one logical date and reports the run's terminal state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
	"github.com/withObsrvr/realtor-etl/internal/catalog"
	"github.com/withObsrvr/realtor-etl/internal/checkpoint"
	"github.com/withObsrvr/realtor-etl/internal/events"
	"github.com/withObsrvr/realtor-etl/internal/logging"
	"github.com/withObsrvr/realtor-etl/internal/metrics"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// sideChannelTimeout bounds recording a finished run.
const sideChannelTimeout = 30 * time.Second

// Stages are the four stage implementations a Runner sequences.
type Stages struct {
	Extractor Extractor
	Uploader  Uploader
	Waiter    Waiter
	Loader    Loader
}

// Options configure a Runner. Catalog, Events and Checkpoint are optional.
type Options struct {
	Pipeline          string
	Prefix            string
	TransformedBucket string

	Catalog    catalog.Writer
	Events     events.Emitter
	Checkpoint checkpoint.Manager
}

// Runner executes pipeline runs. It holds no per-run state, so runs for
// different logical dates may execute concurrently.
type Runner struct {
	stages Stages
	opts   Options
	log    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(stages Stages, opts Options) (*Runner, error) {
	if stages.Extractor == nil || stages.Uploader == nil || stages.Waiter == nil || stages.Loader == nil {
		return nil, errors.New("all four stages are required")
	}
	if opts.Prefix == "" || opts.TransformedBucket == "" {
		return nil, errors.New("prefix and transformed bucket are required")
	}
	if opts.Pipeline == "" {
		opts.Pipeline = "realtor_etl"
	}
	return &Runner{
		stages: stages,
		opts:   opts,
		log:    logging.Component("pipeline"),
	}, nil
}

// step is one active state and the work it performs.
type step struct {
	state State
	run   func(ctx context.Context, res *RunResult) error
}

func (r *Runner) steps() []step {
	return []step{
		{Extracting, func(ctx context.Context, res *RunResult) error {
			raw, err := r.stages.Extractor.Extract(ctx, res.Date)
			if err != nil {
				return err
			}
			res.Raw = raw
			return nil
		}},
		{Uploading, func(ctx context.Context, res *RunResult) error {
			ref, err := r.stages.Uploader.Upload(ctx, res.Raw)
			if err != nil {
				return err
			}
			res.RawRef = ref
			return nil
		}},
		{Waiting, func(ctx context.Context, res *RunResult) error {
			return r.stages.Waiter.WaitFor(ctx, res.Transformed)
		}},
		{Loading, func(ctx context.Context, res *RunResult) error {
			lr, err := r.stages.Loader.Load(ctx, res.Transformed)
			if err != nil {
				return err
			}
			res.RowsLoaded = lr.Rows
			res.LoadSkipped = lr.Skipped
			return nil
		}},
	}
}

// Run executes the pipeline for date. Stages run strictly in order and a
// stage starts only after its predecessor succeeded; the first failure
// ends the run. Cancellation is observed between stages. Run never
// retries a stage itself, and re-running a date is safe because every
// key derives from the date alone.
func (r *Runner) Run(ctx context.Context, date artifact.LogicalDate) RunResult {
	res := RunResult{
		RunID:          uuid.NewString(),
		Date:           date,
		State:          Pending,
		Stage:          Pending,
		StageDurations: make(map[State]time.Duration),
		StartedAt:      time.Now().UTC(),
	}

	ctx = logging.WithRunID(ctx, res.RunID)
	log := logging.RunLogger(r.log, res.RunID, date.String())
	m := metrics.Get()
	m.RunStarted()

	keys, err := artifact.KeysFor(r.opts.Prefix, date)
	if err != nil {
		return r.finish(ctx, log, res, Pending, err)
	}
	res.Transformed = artifact.Ref{Bucket: r.opts.TransformedBucket, Key: keys.Transformed}

	log.Info("run started", "raw_key", keys.Raw, "transformed", res.Transformed.String())

	for _, s := range r.steps() {
		if err := ctx.Err(); err != nil {
			return r.finish(ctx, log, res, s.state, fmt.Errorf("canceled before %s: %w", s.state, err))
		}

		res.State, res.Stage = s.state, s.state
		log.Info("stage started", "stage", s.state)

		start := time.Now()
		err := s.run(ctx, &res)
		elapsed := time.Since(start)
		res.StageDurations[s.state] = elapsed
		m.ObserveStageDuration(string(s.state), elapsed.Seconds())

		if err != nil {
			return r.finish(ctx, log, res, s.state, err)
		}
		log.Info("stage succeeded", "stage", s.state, "duration", elapsed.Round(time.Millisecond).String())
	}

	return r.finish(ctx, log, res, Loading, nil)
}

// finish moves res to its terminal state and records it. Recording
// failures are logged and never change the result.
func (r *Runner) finish(ctx context.Context, log *slog.Logger, res RunResult, stage State, err error) RunResult {
	res.Stage = stage
	res.FinishedAt = time.Now().UTC()
	m := metrics.Get()

	if err != nil {
		res.State = Failed
		res.Err = err
		res.ErrorKind = ErrorKind(err)
		m.IncStageFailures(string(stage), res.ErrorKind)
		log.Error("run failed",
			"stage", stage,
			"error_kind", res.ErrorKind,
			"error", err,
		)
	} else {
		res.State = Succeeded
		m.SetLastSuccess(float64(res.Date.Time().Unix()))
		log.Info("run succeeded",
			"rows_loaded", res.RowsLoaded,
			"load_skipped", res.LoadSkipped,
			"duration", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond).String(),
		)
	}
	m.IncRuns(string(res.State))
	m.RunFinished(res.FinishedAt.Sub(res.StartedAt).Seconds())

	// Record even when the run itself was canceled.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideChannelTimeout)
	defer cancel()
	r.record(sctx, log, res)
	return res
}

func (r *Runner) record(ctx context.Context, log *slog.Logger, res RunResult) {
	m := metrics.Get()

	if r.opts.Catalog != nil {
		if err := r.opts.Catalog.RecordRun(ctx, r.runRecord(res)); err != nil {
			m.IncCatalogErrors()
			log.Warn("failed to record run in catalog", "error", err)
		}
	}

	if r.opts.Events != nil {
		if err := r.opts.Events.Emit(ctx, r.runEvent(res)); err != nil {
			m.IncEventErrors()
			log.Warn("failed to emit run event", "error", err)
		}
	}

	if r.opts.Checkpoint != nil && res.Succeeded() {
		if err := r.opts.Checkpoint.Advance(ctx, res.Date, res.RunID); err != nil {
			log.Warn("failed to advance checkpoint", "error", err)
		}
	}
}

func (r *Runner) runRecord(res RunResult) catalog.RunRecord {
	rec := catalog.RunRecord{
		RunID:       res.RunID,
		LogicalDate: res.Date,
		State:       string(res.State),
		Stage:       string(res.Stage),
		ErrorKind:   res.ErrorKind,
		RowsLoaded:  res.RowsLoaded,
		LoadSkipped: res.LoadSkipped,
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
	}
	if res.Err != nil {
		rec.ErrorMessage = res.Err.Error()
	}
	if res.RawRef.Key != "" {
		rec.RawURI = res.RawRef.URI()
	}
	if res.Transformed.Key != "" {
		rec.TransformedURI = res.Transformed.URI()
	}
	return rec
}

func (r *Runner) runEvent(res RunResult) events.RunEvent {
	info := events.RunInfo{
		RunID:       res.RunID,
		Pipeline:    r.opts.Pipeline,
		LogicalDate: res.Date.String(),
		State:       string(res.State),
		Stage:       string(res.Stage),
		ErrorKind:   res.ErrorKind,
		RowsLoaded:  res.RowsLoaded,
		LoadSkipped: res.LoadSkipped,
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
		StageMillis: make(map[string]int64, len(res.StageDurations)),
	}
	if res.Err != nil {
		info.Error = res.Err.Error()
	}
	if res.RawRef.Key != "" {
		info.RawURI = res.RawRef.URI()
	}
	if res.Transformed.Key != "" {
		info.TransformedURI = res.Transformed.URI()
	}
	for s, d := range res.StageDurations {
		info.StageMillis[string(s)] = d.Milliseconds()
	}
	return events.RunEvent{
		Run:      info,
		Producer: events.ProducerInfo{Name: "realtor-etl", Version: Version + "+" + GitSHA},
	}
}
