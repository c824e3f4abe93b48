package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// requiredFlags must be given on every invocation.
var requiredFlags = []string{"log-level", "thread-count", "output"}

// Parse builds the run configuration from command-line arguments (without
// the program name). Missing required flags, parse errors and -h all return
// an error wrapping ErrUsage after usage has been written to out.
func Parse(args []string, out io.Writer) (Config, error) {
	fs := flag.NewFlagSet("digest-migrator", flag.ContinueOnError)
	fs.SetOutput(out)

	var (
		configPath  = fs.String("config", os.Getenv("MIGRATOR_CONFIG"), "YAML configuration file")
		logLevel    = fs.String("log-level", "", "Logging level: info | warning | error (required)")
		logFormat   = fs.String("log-format", "", "Log format: text | json")
		threads     = fs.Int("thread-count", 0, "Number of digest workers (required)")
		output      = fs.String("output", "", "Path of the destination database (required)")
		input       = fs.String("input", "", "Path of the source database")
		seed        = fs.Bool("seed", false, "Populate the source database with sample data first")
		queueSize   = fs.Int("queue-size", 0, "Capacity of each pipeline queue (0 = unbounded)")
		exportPath  = fs.String("export", "", "Write the digest table to this parquet file")
		reportDir   = fs.String("report-dir", "", "Write a JSON run report into this directory")
		metricsAddr = fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
		publishDir  = fs.String("publish-dir", "", "Publish run artifacts to this local directory")
	)

	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: digest-migrator --log-level <info|warning|error> --thread-count <N> --output <path> [options]")
		fmt.Fprintln(out, "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Config{}, fmt.Errorf("%w: help requested", ErrUsage)
		}
		return Config{}, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return Config{}, fmt.Errorf("%w: unexpected arguments %v", ErrUsage, fs.Args())
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var missing []string
	for _, name := range requiredFlags {
		if !set[name] {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		fmt.Fprintln(out, "error: bad format")
		fs.Usage()
		return Config{}, fmt.Errorf("%w: missing %s", ErrUsage, strings.Join(missing, ", "))
	}

	cfg := Default()
	if *configPath != "" {
		if err := LoadFile(*configPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg)

	cfg.Log.Level = *logLevel
	cfg.Perf.Workers = *threads
	cfg.Output.Path = *output
	if set["log-format"] {
		cfg.Log.Format = *logFormat
	}
	if set["input"] {
		cfg.Source.Path = *input
	}
	if set["seed"] {
		cfg.Source.Seed = *seed
	}
	if set["queue-size"] {
		cfg.Perf.QueueSize = *queueSize
	}
	if set["export"] {
		cfg.Export.ParquetPath = *exportPath
	}
	if set["report-dir"] {
		cfg.Report.Enabled = true
		cfg.Report.Dir = *reportDir
	}
	if set["metrics-addr"] {
		cfg.Metrics.Address = *metricsAddr
	}
	if set["publish-dir"] {
		cfg.Publish.Backend = "local"
		cfg.Publish.LocalDir = *publishDir
	}

	if err := cfg.Validate(); err != nil {
		fs.Usage()
		return Config{}, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	return cfg, nil
}
