package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	cfg  Config
	log  *slog.Logger
}

// NewPostgresWriter connects to the catalog and creates its tables.
func NewPostgresWriter(ctx context.Context, cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log := slog.With("component", "catalog")
	log.Info("connected to PostgreSQL catalog")
	return &PostgresWriter{pool: pool, cfg: cfg, log: log}, nil
}

// RecordRun upserts the lineage row of a run.
func (w *PostgresWriter) RecordRun(ctx context.Context, rec RunRecord) error {
	if rec.Namespace == "" {
		rec.Namespace = w.cfg.Namespace
	}
	if rec.ArtifactURIs == nil {
		rec.ArtifactURIs = []string{}
	}

	query := `
		INSERT INTO _meta_migration_runs (
			run_id, namespace, source_path, destination_path, partitions,
			records_read, records_written, record_failures, workers,
			outcome, error_message, artifact_uris, producer_version,
			started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (run_id)
		DO UPDATE SET
			records_written = EXCLUDED.records_written,
			record_failures = EXCLUDED.record_failures,
			outcome = EXCLUDED.outcome,
			error_message = EXCLUDED.error_message,
			artifact_uris = EXCLUDED.artifact_uris,
			finished_at = EXCLUDED.finished_at,
			created_at = NOW()
	`

	var errMsg *string
	if rec.ErrorMessage != "" {
		errMsg = &rec.ErrorMessage
	}

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.Namespace,
		rec.SourcePath,
		rec.DestinationPath,
		rec.Partitions,
		rec.RecordsRead,
		rec.RecordsWritten,
		rec.RecordFailures,
		rec.Workers,
		rec.Outcome,
		errMsg,
		rec.ArtifactURIs,
		rec.ProducerVersion,
		rec.StartedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	w.log.Info("recorded run lineage", "run_id", rec.RunID, "outcome", rec.Outcome)
	return nil
}

// LastRun returns the latest run that wrote to destination, or nil.
func (w *PostgresWriter) LastRun(ctx context.Context, destination string) (*RunRecord, error) {
	query := `
		SELECT run_id, namespace, source_path, destination_path, partitions,
		       records_read, records_written, record_failures, workers,
		       outcome, COALESCE(error_message, ''), artifact_uris, producer_version,
		       started_at, finished_at
		FROM _meta_migration_runs
		WHERE namespace = $1 AND destination_path = $2
		ORDER BY finished_at DESC
		LIMIT 1
	`

	var rec RunRecord
	err := w.pool.QueryRow(ctx, query, w.cfg.Namespace, destination).Scan(
		&rec.RunID, &rec.Namespace, &rec.SourcePath, &rec.DestinationPath, &rec.Partitions,
		&rec.RecordsRead, &rec.RecordsWritten, &rec.RecordFailures, &rec.Workers,
		&rec.Outcome, &rec.ErrorMessage, &rec.ArtifactURIs, &rec.ProducerVersion,
		&rec.StartedAt, &rec.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last run: %w", err)
	}
	return &rec, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

var _ Writer = (*PostgresWriter)(nil)
