// Package metrics provides Prometheus metrics for the digest migrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names used as label values.
const (
	StageReader = "reader"
	StageDigest = "digest"
	StageWriter = "writer"
)

// Queue names used as label values.
const (
	QueueRaw   = "raw"
	QueueWrite = "write"
)

// Metrics holds all Prometheus metrics for the migrator.
type Metrics struct {
	// Record metrics
	RecordsRead     *prometheus.CounterVec
	RecordsDigested prometheus.Counter
	RecordsWritten  *prometheus.CounterVec
	RecordFailures  *prometheus.CounterVec
	RetryAttempts   *prometheus.CounterVec

	// Pipeline metrics
	QueueDepth   *prometheus.GaugeVec
	StageDrained *prometheus.GaugeVec

	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New registers the migrator metrics on a dedicated registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "digest_migrator"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		RecordsRead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_read_total",
				Help:      "Records read from the source store",
			},
			[]string{"partition"},
		),
		RecordsDigested: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_digested_total",
				Help:      "Records digested by the worker pool",
			},
		),
		RecordsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_written_total",
				Help:      "Digested records written to the destination store",
			},
			[]string{"partition"},
		),
		RecordFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "record_failures_total",
				Help:      "Records dropped after a per-record failure",
			},
			[]string{"stage"},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Items waiting in a pipeline queue",
			},
			[]string{"queue"},
		),
		StageDrained: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stage_drained",
				Help:      "1 once a pipeline stage has permanently finished",
			},
			[]string{"stage"},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Completed migration runs by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a migration run",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5min
			},
		),
		registry: reg,
	}
}

// Registry exposes the underlying registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP mux serving /metrics and /health.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func (m *Metrics) StartServer(address string) error {
	return http.ListenAndServe(address, m.Handler())
}

// IncRead increments the records read counter.
func (m *Metrics) IncRead(partition string) {
	m.RecordsRead.WithLabelValues(partition).Inc()
}

// IncDigested increments the records digested counter.
func (m *Metrics) IncDigested() {
	m.RecordsDigested.Inc()
}

// IncWritten increments the records written counter.
func (m *Metrics) IncWritten(partition string) {
	m.RecordsWritten.WithLabelValues(partition).Inc()
}

// IncFailure counts a dropped record for a stage.
func (m *Metrics) IncFailure(stage string) {
	m.RecordFailures.WithLabelValues(stage).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// SetQueueDepth sets the current depth of a queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// MarkDrained flags a stage as finished.
func (m *Metrics) MarkDrained(stage string) {
	m.StageDrained.WithLabelValues(stage).Set(1)
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(outcome string, seconds float64) {
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(seconds)
}
