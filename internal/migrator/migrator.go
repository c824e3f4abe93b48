package migrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-digest-migrator/internal/artifact"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/catalog"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/config"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/export"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/logging"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/metrics"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/report"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/store"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Openers let callers substitute the storage engine.
type (
	SourceOpener      func(path string) (store.Source, error)
	DestinationOpener func(path string) (store.ReadWriter, error)
)

// Migrator runs one migration end to end: it opens both stores, runs the
// pipeline, releases the stores on every exit path and then records the
// run (report, artifacts, catalog).
type Migrator struct {
	cfg     config.Config
	metrics *metrics.Metrics
	reports report.Manager
	log     *slog.Logger

	openSource      SourceOpener
	openDestination DestinationOpener
}

// Option customizes a Migrator.
type Option func(*Migrator)

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mg *Migrator) { mg.metrics = m }
}

// WithStores replaces the bbolt engine.
func WithStores(src SourceOpener, dst DestinationOpener) Option {
	return func(mg *Migrator) {
		mg.openSource = src
		mg.openDestination = dst
	}
}

// New creates a Migrator from a validated configuration.
func New(cfg config.Config, opts ...Option) *Migrator {
	log := slog.With("component", "migrator")

	reports, err := report.NewManager(report.Config{
		Enabled: cfg.Report.Enabled,
		Dir:     cfg.Report.Dir,
	})
	if err != nil {
		log.Warn("failed to create report manager", "error", err)
		reports, _ = report.NewManager(report.Config{})
	}

	m := &Migrator{
		cfg:     cfg,
		reports: reports,
		log:     log,
		openSource: func(path string) (store.Source, error) {
			return store.OpenSource(path)
		},
		openDestination: func(path string) (store.ReadWriter, error) {
			return store.OpenDestination(path)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run performs the migration. Stats are returned even when the run fails.
func (m *Migrator) Run(ctx context.Context) (*Stats, error) {
	runID := uuid.NewString()
	ctx = logging.WithCorrelationID(ctx, runID)
	log := logging.RunLogger(ctx, m.cfg.Source.Path, m.cfg.Output.Path, m.cfg.Perf.Workers).
		With("component", "migrator")

	stats := &Stats{RunID: runID, StartedAt: time.Now()}
	runErr := m.run(ctx, log, stats)
	if stats.FinishedAt.IsZero() {
		stats.FinishedAt = time.Now()
	}
	stats.RunID = runID

	outcome := report.OutcomeSuccess
	if runErr != nil {
		outcome = report.OutcomeFailed
		log.Error("migration failed", "error", runErr)
	} else {
		log.Info("migration complete",
			"partitions", stats.Partitions,
			"written", stats.Written,
			"failures", stats.Failures(),
			"duration", stats.Duration().String(),
		)
	}
	if m.metrics != nil {
		m.metrics.ObserveRun(outcome, stats.Duration().Seconds())
	}

	m.record(ctx, log, stats, outcome, runErr)
	return stats, runErr
}

func (m *Migrator) run(ctx context.Context, log *slog.Logger, stats *Stats) error {
	if m.cfg.Source.Seed {
		if _, err := store.Seed(m.cfg.Source.Path, store.SeedOptions{
			Partitions:          m.cfg.Source.SeedPartitions,
			RecordsPerPartition: m.cfg.Source.SeedRecordsPerPart,
		}); err != nil {
			return fmt.Errorf("seed source: %w", err)
		}
	}

	src, err := m.openSource(m.cfg.Source.Path)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	dst, err := m.openDestination(m.cfg.Output.Path)
	if err != nil {
		m.closeStore(log, "source", src)
		return fmt.Errorf("open destination: %w", err)
	}

	closed := false
	closeAll := func() {
		if closed {
			return
		}
		closed = true
		m.closeStore(log, "source", src)
		m.closeStore(log, "destination", dst)
	}
	defer closeAll()

	p := NewPipeline(Options{
		Workers:           m.cfg.Perf.Workers,
		QueueSize:         m.cfg.Perf.QueueSize,
		WriteRetries:      m.cfg.Perf.WriteRetries,
		RetryBackoff:      time.Duration(m.cfg.Perf.RetryBackoffMs) * time.Millisecond,
		MaxRecordFailures: m.cfg.Perf.MaxRecordFailures,
		Metrics:           m.metrics,
		Logger:            log,
	})

	result, err := p.Run(ctx, src, dst)
	if result != nil {
		*stats = *result
	}
	if err != nil {
		return err
	}

	if path := m.cfg.Export.ParquetPath; path != "" {
		if _, err := export.WriteParquet(ctx, dst, path); err != nil {
			return fmt.Errorf("export parquet: %w", err)
		}
	}

	closeAll()
	return nil
}

// closeStore releases one store. Failures are logged and never returned so
// the other store is always closed too.
func (m *Migrator) closeStore(log *slog.Logger, name string, s io.Closer) {
	if err := s.Close(); err != nil {
		log.Error("failed to close store", "store", name, "error", err)
	}
}

// record writes the report, publishes artifacts and updates the catalog.
// None of these affect the run result.
func (m *Migrator) record(ctx context.Context, log *slog.Logger, stats *Stats, outcome string, runErr error) {
	r := &report.Report{
		RunID:          stats.RunID,
		Input:          m.cfg.Source.Path,
		Output:         m.cfg.Output.Path,
		Workers:        m.cfg.Perf.Workers,
		Partitions:     stats.Partitions,
		Read:           stats.Read,
		Digested:       stats.Digested,
		Written:        stats.Written,
		DigestFailures: stats.DigestFailures,
		WriteFailures:  stats.WriteFailures,
		Retries:        stats.Retries,
		SourceDrained:  stats.State.SourceDrained,
		DigestDrained:  stats.State.DigestDrained,
		SinkDrained:    stats.State.SinkDrained,
		Outcome:        outcome,
		StartedAt:      stats.StartedAt,
		FinishedAt:     stats.FinishedAt,
		DurationMs:     stats.Duration().Milliseconds(),
	}
	if runErr != nil {
		r.Error = runErr.Error()
	} else {
		r.ExportPath = m.cfg.Export.ParquetPath
	}

	// Cancelled runs are still recorded.
	pubCtx := context.WithoutCancel(ctx)

	if m.cfg.Publish.Backend != "" {
		uris, err := m.publish(pubCtx, r, runErr == nil)
		if err != nil {
			log.Warn("failed to publish artifacts", "error", err)
		}
		r.Artifacts = uris
	}

	if path, err := m.reports.Save(pubCtx, r); err != nil {
		log.Warn("failed to save report", "error", err)
	} else if path != "" {
		log.Info("report saved", "path", path)
	}

	cat := catalog.NewWriter(pubCtx, catalog.Config{
		PostgresDSN: m.cfg.Catalog.PostgresDSN,
		Namespace:   m.cfg.Catalog.Namespace,
	})
	defer cat.Close()

	err := cat.RecordRun(pubCtx, catalog.RunRecord{
		RunID:           r.RunID,
		Namespace:       m.cfg.Catalog.Namespace,
		SourcePath:      r.Input,
		DestinationPath: r.Output,
		Partitions:      r.Partitions,
		RecordsRead:     r.Read,
		RecordsWritten:  r.Written,
		RecordFailures:  r.DigestFailures + r.WriteFailures,
		Workers:         r.Workers,
		Outcome:         r.Outcome,
		ErrorMessage:    r.Error,
		ArtifactURIs:    r.Artifacts,
		ProducerVersion: Version,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
	})
	if err != nil {
		log.Warn("failed to record run in catalog", "error", err)
	}
}

// publish uploads the report and, for successful runs, the export and a
// compressed snapshot of the destination.
func (m *Migrator) publish(ctx context.Context, r *report.Report, succeeded bool) ([]string, error) {
	st, err := artifact.NewStore(ctx, artifact.Config{
		Backend:  m.cfg.Publish.Backend,
		LocalDir: m.cfg.Publish.LocalDir,
		Bucket:   m.cfg.Publish.Bucket,
		Endpoint: m.cfg.Publish.Endpoint,
		Region:   m.cfg.Publish.Region,
		Prefix:   m.cfg.Publish.Prefix,
	})
	if err != nil {
		return nil, err
	}
	defer st.Close()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}

	items := []artifact.Item{{Name: "report.json", Data: data}}
	if succeeded {
		if r.ExportPath != "" {
			items = append(items, artifact.Item{Name: "digests.parquet", Path: r.ExportPath})
		}
		items = append(items, artifact.Item{Name: "destination.db", Path: r.Output, Compress: true})
	}

	uris, err := st.Publish(ctx, r.RunID, items)
	if err != nil {
		if errors.Is(err, artifact.ErrExists) {
			return nil, fmt.Errorf("run %s already published: %w", r.RunID, err)
		}
		return nil, err
	}
	return uris, nil
}
