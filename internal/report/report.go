// Package report persists a JSON summary of each migration run.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNoReport is returned when no report exists.
	ErrNoReport = errors.New("no report found")
)

// Outcomes recorded in Report.Outcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Report describes one finished run.
type Report struct {
	RunID          string    `json:"run_id"`
	Input          string    `json:"input"`
	Output         string    `json:"output"`
	Workers        int       `json:"workers"`
	Partitions     int       `json:"partitions"`
	Read           int64     `json:"records_read"`
	Digested       int64     `json:"records_digested"`
	Written        int64     `json:"records_written"`
	DigestFailures int64     `json:"digest_failures"`
	WriteFailures  int64     `json:"write_failures"`
	Retries        int64     `json:"retries"`
	SourceDrained  bool      `json:"source_drained"`
	DigestDrained  bool      `json:"digest_drained"`
	SinkDrained    bool      `json:"sink_drained"`
	ExportPath     string    `json:"export_path,omitempty"`
	Artifacts      []string  `json:"artifacts,omitempty"`
	Outcome        string    `json:"outcome"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	DurationMs     int64     `json:"duration_ms"`
}

// Manager handles report persistence and retrieval.
type Manager interface {
	// Save persists r and returns where it was written ("" when disabled).
	Save(ctx context.Context, r *Report) (string, error)

	// Load reads the report of a run.
	Load(ctx context.Context, runID string) (*Report, error)

	// Latest reads the most recently finished report.
	Latest(ctx context.Context) (*Report, error)
}

// Config configures the report manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for report files
}

// NewManager creates a report manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create report directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists reports to local files.
type fileManager struct {
	dir string
}

func (m *fileManager) reportPath(runID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("run_%s.json", runID))
}

// Save writes the report atomically (temp file then rename).
func (m *fileManager) Save(ctx context.Context, r *Report) (string, error) {
	if r.RunID == "" {
		return "", errors.New("report has no run id")
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	path := m.reportPath(r.RunID)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return "", fmt.Errorf("write temp report: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename report: %w", err)
	}

	return path, nil
}

// Load reads the report of runID.
func (m *fileManager) Load(ctx context.Context, runID string) (*Report, error) {
	return m.read(m.reportPath(runID))
}

// Latest scans the directory for the report with the latest finish time.
func (m *fileManager) Latest(ctx context.Context) (*Report, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoReport
		}
		return nil, fmt.Errorf("read report directory: %w", err)
	}

	var reports []*Report
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "run_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		r, err := m.read(filepath.Join(m.dir, name))
		if err != nil {
			continue
		}
		reports = append(reports, r)
	}

	if len(reports) == 0 {
		return nil, ErrNoReport
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].FinishedAt.After(reports[j].FinishedAt)
	})
	return reports[0], nil
}

func (m *fileManager) read(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoReport
		}
		return nil, fmt.Errorf("read report: %w", err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}

// noopManager is used when reports are disabled.
type noopManager struct{}

func (m *noopManager) Save(ctx context.Context, r *Report) (string, error) {
	return "", nil
}

func (m *noopManager) Load(ctx context.Context, runID string) (*Report, error) {
	return nil, ErrNoReport
}

func (m *noopManager) Latest(ctx context.Context) (*Report, error) {
	return nil, ErrNoReport
}
