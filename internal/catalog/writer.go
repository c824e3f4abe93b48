// Package catalog records migration run lineage.
package catalog

import (
	"context"
	"log/slog"
	"time"
)

type Config struct {
	PostgresDSN string
	Namespace   string
}

// Writer persists one lineage row per migration run.
type Writer interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	Close() error
}

// RunRecord is the lineage of one run.
type RunRecord struct {
	RunID           string
	Namespace       string
	SourcePath      string
	DestinationPath string
	Partitions      int
	RecordsRead     int64
	RecordsWritten  int64
	RecordFailures  int64
	Workers         int
	Outcome         string
	ErrorMessage    string
	ArtifactURIs    []string
	ProducerVersion string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// NewWriter returns a PostgreSQL writer when a DSN is configured and a
// no-op writer otherwise. A catalog that cannot be reached is not fatal.
func NewWriter(ctx context.Context, cfg Config) Writer {
	if cfg.PostgresDSN == "" {
		return noopWriter{}
	}

	w, err := NewPostgresWriter(ctx, cfg)
	if err != nil {
		slog.Warn("catalog unavailable, lineage disabled", "component", "catalog", "error", err)
		return noopWriter{}
	}
	return w
}

type noopWriter struct{}

func (noopWriter) RecordRun(_ context.Context, _ RunRecord) error { return nil }

func (noopWriter) Close() error { return nil }
