package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/withObsrvr/obsrvr-digest-migrator/internal/config"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/logging"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/metrics"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/migrator"
)

func main() {
	cfg, err := config.Parse(os.Args[1:], os.Stderr)
	if err != nil {
		if !errors.Is(err, config.ErrUsage) {
			log.Printf("[main] %v", err)
		}
		os.Exit(1)
	}

	if err := logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level}); err != nil {
		log.Printf("[main] %v", err)
		os.Exit(1)
	}
	log.Printf("[main] Digest Migrator %s (%s)", migrator.Version, migrator.GitSHA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	var opts []migrator.Option
	if cfg.Metrics.Address != "" {
		m := metrics.New("")
		go func() {
			if err := m.StartServer(cfg.Metrics.Address); err != nil {
				log.Printf("[main] metrics server stopped: %v", err)
			}
		}()
		opts = append(opts, migrator.WithMetrics(m))
	}

	if _, err := migrator.New(cfg, opts...).Run(ctx); err != nil {
		if ctx.Err() != nil {
			log.Printf("[main] migration interrupted")
		} else {
			log.Printf("[main] migration failed: %v", err)
		}
		os.Exit(1)
	}

	log.Println("[main] digest migrator finished cleanly")
}
