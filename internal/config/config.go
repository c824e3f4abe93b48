// Package config loads migrator configuration from defaults, an optional
// YAML file, the environment and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-digest-migrator/internal/logging"
)

// ErrUsage marks command-line errors that should print usage.
var ErrUsage = errors.New("usage error")

type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Output  OutputConfig  `yaml:"output"`
	Perf    PerfConfig    `yaml:"perf"`
	Log     LogConfig     `yaml:"log"`
	Export  ExportConfig  `yaml:"export"`
	Report  ReportConfig  `yaml:"report"`
	Publish PublishConfig `yaml:"publish"`
	Catalog CatalogConfig `yaml:"catalog"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type SourceConfig struct {
	Path               string `yaml:"path"`
	Seed               bool   `yaml:"seed"`
	SeedPartitions     int    `yaml:"seed_partitions"`
	SeedRecordsPerPart int    `yaml:"seed_records_per_partition"`
}

type OutputConfig struct {
	Path string `yaml:"path"`
}

type PerfConfig struct {
	Workers           int `yaml:"workers"`
	QueueSize         int `yaml:"queue_size"`
	WriteRetries      int `yaml:"write_retries"`
	RetryBackoffMs    int `yaml:"retry_backoff_ms"`
	MaxRecordFailures int `yaml:"max_record_failures"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ExportConfig struct {
	ParquetPath string `yaml:"parquet_path"`
}

type ReportConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// PublishConfig selects where run artifacts are uploaded. An empty backend
// disables publishing.
type PublishConfig struct {
	Backend  string `yaml:"backend"` // "" | "local" | "gcs" | "s3"
	LocalDir string `yaml:"local_dir"`
	Bucket   string `yaml:"bucket"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Source: SourceConfig{
			Path:               "my_db",
			SeedPartitions:     3,
			SeedRecordsPerPart: 5,
		},
		Perf: PerfConfig{
			Workers:        runtime.NumCPU(),
			QueueSize:      1024,
			RetryBackoffMs: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Report: ReportConfig{
			Dir: "reports",
		},
		Publish: PublishConfig{
			Prefix: "migrations/",
		},
		Catalog: CatalogConfig{
			Namespace: "default",
		},
	}
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	return nil
}

// ApplyEnv overlays MIGRATOR_* (and publish/catalog) environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	cfg.Source.Path = getenvDefault("MIGRATOR_INPUT", cfg.Source.Path)
	cfg.Output.Path = getenvDefault("MIGRATOR_OUTPUT", cfg.Output.Path)
	cfg.Log.Level = getenvDefault("MIGRATOR_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("MIGRATOR_LOG_FORMAT", cfg.Log.Format)
	cfg.Export.ParquetPath = getenvDefault("MIGRATOR_EXPORT_PARQUET", cfg.Export.ParquetPath)
	cfg.Report.Dir = getenvDefault("MIGRATOR_REPORT_DIR", cfg.Report.Dir)
	cfg.Metrics.Address = getenvDefault("MIGRATOR_METRICS_ADDR", cfg.Metrics.Address)

	cfg.Perf.Workers = getenvInt("MIGRATOR_THREAD_COUNT", cfg.Perf.Workers)
	cfg.Perf.QueueSize = getenvInt("MIGRATOR_QUEUE_SIZE", cfg.Perf.QueueSize)
	cfg.Perf.WriteRetries = getenvInt("MIGRATOR_WRITE_RETRIES", cfg.Perf.WriteRetries)
	cfg.Perf.RetryBackoffMs = getenvInt("MIGRATOR_RETRY_BACKOFF_MS", cfg.Perf.RetryBackoffMs)
	cfg.Perf.MaxRecordFailures = getenvInt("MIGRATOR_MAX_RECORD_FAILURES", cfg.Perf.MaxRecordFailures)

	if v := os.Getenv("MIGRATOR_REPORT_ENABLED"); v != "" {
		cfg.Report.Enabled = v == "true"
	}

	cfg.Publish.Backend = getenvDefault("PUBLISH_BACKEND", cfg.Publish.Backend)
	cfg.Publish.LocalDir = getenvDefault("PUBLISH_LOCAL_DIR", cfg.Publish.LocalDir)
	cfg.Publish.Bucket = getenvDefault("PUBLISH_BUCKET", cfg.Publish.Bucket)
	cfg.Publish.Endpoint = getenvDefault("PUBLISH_S3_ENDPOINT", cfg.Publish.Endpoint)
	cfg.Publish.Region = getenvDefault("PUBLISH_S3_REGION", cfg.Publish.Region)
	cfg.Publish.Prefix = getenvDefault("PUBLISH_PREFIX", cfg.Publish.Prefix)

	cfg.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", cfg.Catalog.PostgresDSN)
	cfg.Catalog.Namespace = getenvDefault("CATALOG_NAMESPACE", cfg.Catalog.Namespace)
}

// Validate checks the settings a run depends on.
func (c Config) Validate() error {
	if c.Source.Path == "" {
		return errors.New("input path is required")
	}
	if c.Output.Path == "" {
		return errors.New("output path is required")
	}
	if samePath(c.Source.Path, c.Output.Path) {
		return fmt.Errorf("output %s must differ from input", c.Output.Path)
	}
	if c.Perf.Workers < 1 {
		return fmt.Errorf("thread count must be >= 1, got %d", c.Perf.Workers)
	}
	if c.Perf.QueueSize < 0 {
		return fmt.Errorf("queue size must be >= 0, got %d", c.Perf.QueueSize)
	}
	if c.Perf.WriteRetries < 0 || c.Perf.MaxRecordFailures < 0 {
		return errors.New("write retries and max record failures must be >= 0")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Source.Seed && (c.Source.SeedPartitions < 1 || c.Source.SeedRecordsPerPart < 0) {
		return errors.New("seed needs at least one partition")
	}
	switch c.Publish.Backend {
	case "", "local", "gcs", "s3":
	default:
		return fmt.Errorf("unknown publish backend: %s", c.Publish.Backend)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer", "component", "config", "key", key, "value", v)
		return def
	}
	return parsed
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}
