package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
)

// backfillTask is sent to workers for processing.
type backfillTask struct {
	index int
	date  artifact.LogicalDate
}

// Backfill runs the pipeline for every date with up to workers runs in
// flight. Each date is an independent run; duplicate dates run once.
// Results are returned in ascending date order. Dates not yet dispatched
// when ctx ends are reported as Failed(Pending, Canceled) without running.
func (r *Runner) Backfill(ctx context.Context, dates []artifact.LogicalDate, workers int) []RunResult {
	dates = uniqueSorted(dates)
	if len(dates) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(dates) {
		workers = len(dates)
	}

	r.log.Info("starting backfill",
		"dates", len(dates),
		"from", dates[0].String(),
		"to", dates[len(dates)-1].String(),
		"workers", workers,
	)

	results := make([]RunResult, len(dates))
	ran := make([]bool, len(dates))
	queue := make(chan backfillTask)

	// Start worker pool
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				// Each worker owns distinct indices, so no lock is needed.
				results[task.index] = r.Run(ctx, task.date)
				ran[task.index] = true
			}
		}()
	}

	// Dispatcher
dispatch:
	for i, d := range dates {
		select {
		case <-ctx.Done():
			break dispatch
		case queue <- backfillTask{index: i, date: d}:
		}
	}
	close(queue)
	wg.Wait()

	for i := range results {
		if !ran[i] {
			results[i] = canceledResult(dates[i], ctx.Err())
		}
	}

	succeeded, failed := Summarize(results)
	r.log.Info("backfill complete", "succeeded", succeeded, "failed", failed)
	return results
}

func canceledResult(date artifact.LogicalDate, cause error) RunResult {
	now := time.Now().UTC()
	return RunResult{
		Date:       date,
		State:      Failed,
		Stage:      Pending,
		Err:        fmt.Errorf("backfill canceled before run: %w", cause),
		ErrorKind:  KindCanceled,
		StartedAt:  now,
		FinishedAt: now,
	}
}

func uniqueSorted(dates []artifact.LogicalDate) []artifact.LogicalDate {
	out := make([]artifact.LogicalDate, 0, len(dates))
	seen := make(map[artifact.LogicalDate]bool, len(dates))
	for _, d := range dates {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Summarize counts succeeded and failed results.
func Summarize(results []RunResult) (succeeded, failed int) {
	for _, res := range results {
		if res.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}
