package warehouse

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/realtor-etl/internal/logging"
)

//go:embed ledger.sql
var ledgerSQL string

// LedgerTable is the name of the load ledger inside the target schema.
const LedgerTable = "_etl_loads"

// RedshiftConfig configures the warehouse connection.
type RedshiftConfig struct {
	DSN    string
	Schema string // schema holding the load ledger
	Dedup  bool   // record loads in the ledger and skip repeats
}

// RedshiftWarehouse issues COPY statements over the Postgres wire protocol.
type RedshiftWarehouse struct {
	pool   *pgxpool.Pool
	cfg    RedshiftConfig
	ledger string
}

// NewRedshiftWarehouse connects to the warehouse and, with dedup on,
// ensures the load ledger exists.
func NewRedshiftWarehouse(ctx context.Context, cfg RedshiftConfig) (*RedshiftWarehouse, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("warehouse DSN is required")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Redshift does not support every extended-protocol feature pgx uses
	// for statement caching.
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	poolCfg.MaxConns = 4
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping warehouse: %w", Classify(err))
	}

	w := &RedshiftWarehouse{
		pool:   pool,
		cfg:    cfg,
		ledger: pgx.Identifier{cfg.Schema, LedgerTable}.Sanitize(),
	}

	if cfg.Dedup {
		ddl := strings.ReplaceAll(ledgerSQL, "{{ledger}}", w.ledger)
		if _, err := pool.Exec(connectCtx, ddl); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create load ledger: %w", Classify(err))
		}
	}

	logging.Component("warehouse").Info("connected to warehouse",
		"schema", cfg.Schema,
		"dedup", cfg.Dedup,
	)
	return w, nil
}

// Copy runs one COPY for spec. With dedup on, the ledger check, the COPY
// and the ledger insert commit together, so a repeated load of the same
// source into the same table is skipped rather than appended twice.
func (w *RedshiftWarehouse) Copy(ctx context.Context, spec CopySpec) (LoadResult, error) {
	copySQL, err := BuildCopySQL(spec)
	if err != nil {
		return LoadResult{}, err
	}
	if !w.cfg.Dedup {
		return w.copyAutocommit(ctx, copySQL)
	}
	return w.copyWithLedger(ctx, spec, copySQL)
}

func (w *RedshiftWarehouse) copyAutocommit(ctx context.Context, copySQL string) (LoadResult, error) {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return LoadResult{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, copySQL); err != nil {
		return LoadResult{}, fmt.Errorf("copy: %w", err)
	}
	var rows int64
	if err := conn.QueryRow(ctx, "SELECT pg_last_copy_count()").Scan(&rows); err != nil {
		return LoadResult{}, fmt.Errorf("read copy count: %w", err)
	}
	return LoadResult{Rows: rows}, nil
}

func (w *RedshiftWarehouse) copyWithLedger(ctx context.Context, spec CopySpec, copySQL string) (LoadResult, error) {
	log := logging.FromContext(ctx, "warehouse")
	target := spec.Schema + "." + spec.Table
	source := spec.Source.URI()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return LoadResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent loads against the ledger.
	if _, err := tx.Exec(ctx, "LOCK "+w.ledger); err != nil {
		return LoadResult{}, fmt.Errorf("lock ledger: %w", err)
	}

	var prior int64
	err = tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM "+w.ledger+" WHERE target_table = $1 AND source_uri = $2",
		target, source,
	).Scan(&prior)
	if err != nil {
		return LoadResult{}, fmt.Errorf("check ledger: %w", err)
	}
	if prior > 0 {
		if err := tx.Commit(ctx); err != nil {
			return LoadResult{}, fmt.Errorf("commit: %w", err)
		}
		log.Info("source already loaded, skipping copy", slog.String("table", target), slog.String("source", source))
		return LoadResult{Skipped: true}, nil
	}

	if _, err := tx.Exec(ctx, copySQL); err != nil {
		return LoadResult{}, fmt.Errorf("copy: %w", err)
	}
	var rows int64
	if err := tx.QueryRow(ctx, "SELECT pg_last_copy_count()").Scan(&rows); err != nil {
		return LoadResult{}, fmt.Errorf("read copy count: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO "+w.ledger+" (target_table, source_uri, run_id, rows_loaded, loaded_at) VALUES ($1, $2, $3, $4, $5)",
		target, source, logging.RunID(ctx), rows, time.Now().UTC(),
	)
	if err != nil {
		return LoadResult{}, fmt.Errorf("record load: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return LoadResult{}, fmt.Errorf("commit: %w", err)
	}
	return LoadResult{Rows: rows}, nil
}

// Close releases the connection pool.
func (w *RedshiftWarehouse) Close() error {
	w.pool.Close()
	return nil
}
