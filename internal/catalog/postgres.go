package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
	"github.com/withObsrvr/realtor-etl/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(ctx context.Context, cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool, cfg: cfg}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logging.Component("catalog").Info("connected to PostgreSQL catalog", "pipeline", cfg.Pipeline)
	return w, nil
}

// initSchema creates the _etl_runs table if it doesn't exist.
func (w *PostgresWriter) initSchema(ctx context.Context) error {
	_, err := w.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// RecordRun upserts a run record keyed by run id.
func (w *PostgresWriter) RecordRun(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO _etl_runs (
			run_id, pipeline, logical_date, state, stage, error_kind, error_message,
			rows_loaded, load_skipped, raw_uri, transformed_uri, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id)
		DO UPDATE SET
			state = EXCLUDED.state,
			stage = EXCLUDED.stage,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			rows_loaded = EXCLUDED.rows_loaded,
			load_skipped = EXCLUDED.load_skipped,
			finished_at = EXCLUDED.finished_at
	`

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		w.cfg.Pipeline,
		rec.LogicalDate.Time(),
		rec.State,
		rec.Stage,
		nullable(rec.ErrorKind),
		nullable(rec.ErrorMessage),
		rec.RowsLoaded,
		rec.LoadSkipped,
		nullable(rec.RawURI),
		nullable(rec.TransformedURI),
		rec.StartedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	logging.Component("catalog").Debug("recorded run",
		"run_id", rec.RunID,
		"logical_date", rec.LogicalDate.String(),
		"state", rec.State,
	)
	return nil
}

// LastSucceeded returns the highest logical date with a successful run.
func (w *PostgresWriter) LastSucceeded(ctx context.Context) (artifact.LogicalDate, bool, error) {
	query := `
		SELECT MAX(logical_date)
		FROM _etl_runs
		WHERE pipeline = $1 AND state = 'Succeeded'
	`

	var last *time.Time
	err := w.pool.QueryRow(ctx, query, w.cfg.Pipeline).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return artifact.LogicalDate{}, false, nil
		}
		return artifact.LogicalDate{}, false, fmt.Errorf("get last succeeded: %w", err)
	}
	if last == nil {
		return artifact.LogicalDate{}, false, nil
	}
	return artifact.DateOf(*last), true, nil
}

// SucceededDates returns the dates in [from, to] with at least one
// successful run.
func (w *PostgresWriter) SucceededDates(ctx context.Context, from, to artifact.LogicalDate) (map[artifact.LogicalDate]bool, error) {
	query := `
		SELECT DISTINCT logical_date
		FROM _etl_runs
		WHERE pipeline = $1
		  AND state = 'Succeeded'
		  AND logical_date BETWEEN $2 AND $3
	`

	rows, err := w.pool.Query(ctx, query, w.cfg.Pipeline, from.Time(), to.Time())
	if err != nil {
		return nil, fmt.Errorf("query succeeded dates: %w", err)
	}
	defer rows.Close()

	done := make(map[artifact.LogicalDate]bool)
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		done[artifact.DateOf(d)] = true
	}
	return done, rows.Err()
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
