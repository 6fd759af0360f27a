// Package catalog records operation outcomes in Postgres so operators can
// query ingestion history without reading logs. It is best-effort: catalog
// failures never fail the run.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contriblens/activity-ingest/internal/pipeline"
	"github.com/contriblens/activity-ingest/internal/record"
)

//go:embed schema.sql
var schemaSQL string

// Config configures the operation catalog.
type Config struct {
	// DSN is a Postgres connection string. Empty disables the catalog.
	DSN string `yaml:"dsn"`
}

// Writer records operation outcomes.
type Writer interface {
	RecordOutcome(ctx context.Context, outcome pipeline.Outcome) error
	Close()
}

// NewWriter returns a Postgres-backed writer, or a noop when no DSN is set.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	if cfg.DSN == "" {
		return &noopWriter{}, nil
	}
	return newPostgresWriter(ctx, cfg.DSN)
}

type postgresWriter struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func newPostgresWriter(ctx context.Context, dsn string) (*postgresWriter, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse catalog dsn: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create catalog pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}

	w := &postgresWriter{
		pool: pool,
		log:  slog.With("component", "catalog"),
	}
	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return w, nil
}

func (w *postgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("initialize catalog schema: %w", err)
	}
	return nil
}

// RecordOutcome upserts one operation outcome keyed by signature, so repeated
// runs of the same operation keep a single current row.
func (w *postgresWriter) RecordOutcome(ctx context.Context, outcome pipeline.Outcome) error {
	var failureClass, failureMessage *string
	if outcome.Err != nil {
		c := string(outcome.Err.Class)
		m := outcome.Err.Error()
		failureClass = &c
		failureMessage = &m
	}

	_, err := w.pool.Exec(ctx, `
		INSERT INTO ingest_operations
			(signature, repository, record_type, window_start, window_end,
			 state, pages, records, resumed_from_page,
			 failure_class, failure_message, last_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (signature) DO UPDATE SET
			state             = EXCLUDED.state,
			pages             = EXCLUDED.pages,
			records           = EXCLUDED.records,
			resumed_from_page = EXCLUDED.resumed_from_page,
			failure_class     = EXCLUDED.failure_class,
			failure_message   = EXCLUDED.failure_message,
			last_run_at       = now()`,
		outcome.Signature,
		outcome.Op.Repository,
		string(outcome.Op.RecordType),
		outcome.Op.WindowStart.UTC(),
		outcome.Op.WindowEnd.UTC(),
		string(outcome.State),
		outcome.Pages,
		outcome.Records,
		outcome.ResumedFrom,
		failureClass,
		failureMessage,
	)
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", outcome.Signature, err)
	}
	return nil
}

func (w *postgresWriter) Close() {
	w.pool.Close()
}

type noopWriter struct{}

func (w *noopWriter) RecordOutcome(ctx context.Context, outcome pipeline.Outcome) error {
	return nil
}

func (w *noopWriter) Close() {}

// Hook adapts a Writer to the pipeline's completion hook interface.
type Hook struct {
	Writer Writer
	Log    *slog.Logger
}

func (h *Hook) OperationDone(ctx context.Context, outcome pipeline.Outcome, records []record.Record) {
	if err := h.Writer.RecordOutcome(ctx, outcome); err != nil {
		log := h.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("failed to record outcome in catalog",
			"signature", outcome.Signature, "error", err)
	}
}
