// Command worker runs the dispatch loop and the horizon extender without
// the HTTP API. It shares the database with carecal serve instances.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/djlord-it/carecal/internal/app"
	"github.com/djlord-it/carecal/internal/config"
	"github.com/djlord-it/carecal/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	if _, err := config.LoadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		return 2
	}

	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr).
		With().Str("service", "carecal-worker").Logger()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}
	// A worker on a private memory store would never see API writes.
	if cfg.Store != config.StorePostgres {
		fmt.Fprintf(os.Stderr, "worker requires STORE=postgres (got %q)\n", cfg.Store)
		return 2
	}
	for _, w := range cfg.Warnings {
		log.Warn().Msg("worker: config: " + w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("worker: startup failed")
		return 1
	}
	defer a.Close()

	if srv := a.MetricsServer(); srv != nil {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("worker: metrics server error")
			}
		}()
		defer srv.Close()
	}

	log.Info().
		Str("sink", cfg.Sink).
		Bool("leader_election", cfg.LeaderElection).
		Msg("worker: started")

	// Blocks until a signal arrives and the duties have stopped.
	a.RunDuties(ctx)

	log.Info().Msg("worker: stopped")
	return 0
}
