package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
	"github.com/withObsrvr/realtor-etl/internal/catalog"
	"github.com/withObsrvr/realtor-etl/internal/checkpoint"
	"github.com/withObsrvr/realtor-etl/internal/config"
	"github.com/withObsrvr/realtor-etl/internal/events"
	"github.com/withObsrvr/realtor-etl/internal/extract"
	"github.com/withObsrvr/realtor-etl/internal/logging"
	"github.com/withObsrvr/realtor-etl/internal/metrics"
	"github.com/withObsrvr/realtor-etl/internal/pipeline"
	"github.com/withObsrvr/realtor-etl/internal/retry"
	"github.com/withObsrvr/realtor-etl/internal/storage"
	"github.com/withObsrvr/realtor-etl/internal/upload"
	"github.com/withObsrvr/realtor-etl/internal/warehouse"
	"github.com/withObsrvr/realtor-etl/internal/watcher"
)

// flags holds the command line.
type flags struct {
	configPath  string
	date        string
	from        string
	to          string
	resume      bool
	missingOnly bool
	workers     int
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("realtor-etl", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	fs.StringVar(&f.date, "date", "", "logical date to run (YYYY-MM-DD); defaults to yesterday (UTC)")
	fs.StringVar(&f.from, "from", "", "first logical date of a backfill")
	fs.StringVar(&f.to, "to", "", "last logical date of a backfill; defaults to yesterday (UTC)")
	fs.BoolVar(&f.resume, "resume", false, "backfill from the day after the last successful run")
	fs.BoolVar(&f.missingOnly, "missing-only", false, "with -from/-resume, skip dates the catalog records as succeeded")
	fs.IntVar(&f.workers, "workers", 0, "concurrent runs during a backfill (default MAX_CONCURRENT_RUNS)")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	if f.date != "" && (f.from != "" || f.resume) {
		return flags{}, errors.New("-date cannot be combined with -from or -resume")
	}
	if f.from != "" && f.resume {
		return flags{}, errors.New("-from cannot be combined with -resume")
	}
	return f, nil
}

// yesterday is the logical date a daily schedule runs for today.
func yesterday(now time.Time) artifact.LogicalDate {
	return artifact.DateOf(now.UTC()).AddDays(-1)
}

// resumePoint returns the first date after the last recorded success,
// preferring the local checkpoint over the catalog.
func resumePoint(ctx context.Context, cp checkpoint.Manager, cat catalog.Writer) (artifact.LogicalDate, error) {
	c, err := cp.Load(ctx)
	if err == nil {
		return c.LastSucceeded.AddDays(1), nil
	}
	if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return artifact.LogicalDate{}, err
	}
	last, ok, err := cat.LastSucceeded(ctx)
	if err != nil {
		return artifact.LogicalDate{}, err
	}
	if !ok {
		return artifact.LogicalDate{}, errors.New("nothing to resume from: no checkpoint and no successful run in the catalog; use -from")
	}
	return last.AddDays(1), nil
}

// selectDates resolves the flags to the logical dates to run.
func selectDates(ctx context.Context, f flags, now time.Time, cp checkpoint.Manager, cat catalog.Writer) ([]artifact.LogicalDate, error) {
	if f.date != "" {
		d, err := artifact.ParseDate(f.date)
		if err != nil {
			return nil, err
		}
		return []artifact.LogicalDate{d}, nil
	}
	if f.from == "" && !f.resume {
		return []artifact.LogicalDate{yesterday(now)}, nil
	}

	to := yesterday(now)
	if f.to != "" {
		d, err := artifact.ParseDate(f.to)
		if err != nil {
			return nil, err
		}
		to = d
	}

	var from artifact.LogicalDate
	if f.resume {
		d, err := resumePoint(ctx, cp, cat)
		if err != nil {
			return nil, err
		}
		from = d
	} else {
		d, err := artifact.ParseDate(f.from)
		if err != nil {
			return nil, err
		}
		from = d
	}
	if from.After(to) {
		if f.resume {
			return nil, nil
		}
		return nil, fmt.Errorf("-from %s is after -to %s", from, to)
	}

	if f.missingOnly {
		return catalog.MissingDates(ctx, cat, from, to)
	}
	return artifact.Range(from, to), nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Printf("[main] %v", err)
		return 2
	}

	cfg := config.MustLoad(f.configPath)
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	logger := logging.Component("main")
	logger.Info("starting realtor-etl", "version", pipeline.Version, "git_sha", pipeline.GitSHA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler: the current stage finishes, no new stage starts.
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		logger.Warn("received signal, canceling after the current stage", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init("realtor_etl")
		go func() {
			logger.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	runner, cleanup, err := build(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize pipeline", "error", err)
		return 1
	}
	defer cleanup()

	dates, err := selectDates(ctx, f, time.Now(), runner.checkpoint, runner.catalog)
	if err != nil {
		logger.Error("failed to select logical dates", "error", err)
		return 2
	}
	if len(dates) == 0 {
		logger.Info("nothing to run")
		return 0
	}

	var results []pipeline.RunResult
	if len(dates) == 1 {
		results = []pipeline.RunResult{runner.Run(ctx, dates[0])}
	} else {
		workers := f.workers
		if workers == 0 {
			workers = cfg.Perf.MaxConcurrentRuns
		}
		results = runner.Backfill(ctx, dates, workers)
	}

	for _, res := range results {
		attrs := []any{
			slog.String("logical_date", res.Date.String()),
			slog.String("run_id", res.RunID),
			slog.String("result", res.String()),
		}
		if res.Succeeded() {
			logger.Info("run finished", append(attrs, slog.Int64("rows_loaded", res.RowsLoaded))...)
		} else {
			logger.Error("run finished", append(attrs, slog.Any("error", res.Err))...)
		}
	}

	if _, failed := pipeline.Summarize(results); failed > 0 {
		return 1
	}
	return 0
}

// app bundles the runner with the side channels the date selection needs.
type app struct {
	*pipeline.Runner
	catalog    catalog.Writer
	checkpoint checkpoint.Manager
}

// build wires every component from cfg.
func build(ctx context.Context, cfg config.Config) (*app, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("close failed", "error", err)
			}
		}
	}
	fail := func(err error) (*app, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	client, err := extract.NewHTTPClient(extract.ClientConfig{
		Endpoint:   cfg.Provider.URL,
		Query:      cfg.Provider.Query,
		KeyHeader:  cfg.Provider.KeyHeader,
		HostHeader: cfg.Provider.HostHeader,
		APIKey:     cfg.Provider.APIKey,
		APIHost:    cfg.Provider.APIHost,
		Timeout:    cfg.Provider.Timeout,
	})
	if err != nil {
		return fail(fmt.Errorf("create provider client: %w", err))
	}

	staging, err := storage.NewLocalStore(cfg.Dataset.StagingDir)
	if err != nil {
		return fail(fmt.Errorf("create staging dir: %w", err))
	}

	store, err := storage.NewObjectStore(storage.StorageConfig{
		Backend:   cfg.Storage.Backend,
		Region:    cfg.Storage.Region,
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		LocalDir:  cfg.Storage.LocalDir,
	})
	if err != nil {
		return fail(fmt.Errorf("create object store: %w", err))
	}
	closers = append(closers, store.Close)

	wh, err := warehouse.NewRedshiftWarehouse(ctx, warehouse.RedshiftConfig{
		DSN:    cfg.Warehouse.DSN,
		Schema: cfg.Warehouse.Schema,
		Dedup:  cfg.Warehouse.Dedup,
	})
	if err != nil {
		return fail(fmt.Errorf("connect warehouse: %w", err))
	}
	closers = append(closers, wh.Close)

	cat, err := catalog.NewWriter(ctx, catalog.Config{
		PostgresDSN: cfg.Catalog.PostgresDSN,
		Pipeline:    cfg.Catalog.Pipeline,
	})
	if err != nil {
		return fail(fmt.Errorf("connect catalog: %w", err))
	}
	closers = append(closers, cat.Close)

	cp, err := checkpoint.NewManager(checkpoint.Config{
		Enabled:  cfg.Checkpoint.Enabled,
		Dir:      cfg.Checkpoint.Dir,
		Pipeline: cfg.Catalog.Pipeline,
	})
	if err != nil {
		return fail(fmt.Errorf("create checkpoint manager: %w", err))
	}

	em, err := events.NewEmitter(events.Config{
		Enabled:   cfg.Events.Enabled,
		Endpoint:  cfg.Events.Endpoint,
		BackupDir: cfg.Events.BackupDir,
	})
	if err != nil {
		return fail(fmt.Errorf("create event emitter: %w", err))
	}
	closers = append(closers, em.Close)

	runner, err := pipeline.NewRunner(pipeline.Stages{
		Extractor: extract.NewExtractor(client, staging, cfg.Dataset.Prefix, retry.Policy{
			Attempts: cfg.Provider.RetryAttempts,
			Delay:    cfg.Provider.RetryDelay,
		}),
		Uploader: upload.NewStageUploader(staging, store, cfg.Storage.RawBucket, retry.Policy{
			Attempts: cfg.Storage.RetryAttempts,
			Delay:    cfg.Storage.RetryDelay,
		}),
		Waiter: watcher.New(store, watcher.Config{
			PollInterval: cfg.Wait.PollInterval,
			Timeout:      cfg.Wait.Timeout,
		}),
		Loader: warehouse.NewLoader(wh, warehouse.Options{
			Schema:       cfg.Warehouse.Schema,
			Table:        cfg.Warehouse.Table,
			IAMRole:      cfg.Warehouse.IAMRole,
			Region:       cfg.Warehouse.Region,
			Delimiter:    cfg.Warehouse.Delimiter,
			IgnoreHeader: cfg.Warehouse.IgnoreHeader,
		}, retry.Policy{
			Attempts: cfg.Warehouse.RetryAttempts,
			Delay:    cfg.Warehouse.RetryBackoff,
		}, cfg.Warehouse.ExecutionTimeout),
	}, pipeline.Options{
		Pipeline:          cfg.Catalog.Pipeline,
		Prefix:            cfg.Dataset.Prefix,
		TransformedBucket: cfg.Storage.TransformedBucket,
		Catalog:           cat,
		Events:            em,
		Checkpoint:        cp,
	})
	if err != nil {
		return fail(err)
	}

	return &app{Runner: runner, catalog: cat, checkpoint: cp}, cleanup, nil
}
