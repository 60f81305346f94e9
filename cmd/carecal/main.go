package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/carecal/internal/app"
	"github.com/djlord-it/carecal/internal/config"
	"github.com/djlord-it/carecal/internal/logging"
	"github.com/djlord-it/carecal/internal/store/postgres"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	if _, err := config.LoadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(exitInvalidConfig)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "migrate":
		os.Exit(runMigrate())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`carecal - recurring pet-care and medication reminders

Usage:
  carecal <command>

Commands:
  serve      Start the HTTP API, dispatch loop and horizon extender
  migrate    Apply the Postgres schema (idempotent)
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

A .env file in the working directory is loaded first when present.

Environment Variables:
  STORE                       "postgres" or "memory" (default: "postgres")
  DATABASE_URL                PostgreSQL connection string (required for postgres)
  HTTP_ADDR                   HTTP server address (default: $PORT or ":8080")
  LOG_LEVEL                   trace, debug, info, warn, error (default: "info")
  LOG_FORMAT                  "json" or "console" (default: "json")

  TIMEZONE                    Zone all dates and alarms are computed in (default: "UTC")
  DEFAULT_ALARM_TIME          Alarm time for all-day schedules (default: "09:00")
  HORIZON_DAYS                How far ahead open-ended schedules are materialized (default: "90")
  MAX_ANCHORS                 Upper bound on anchors per expansion (default: "5000")
  HORIZON_SCHEDULE            Cron expression for the horizon extender (default: hourly)
  HORIZON_BATCH_SIZE          Max schedules extended per run (default: "100")

  DISPATCH_INTERVAL           Dispatch loop period (default: "1m")
  DISPATCH_LOOKBACK           How far back missed alarms are still sent (default: "10m")
  DISPATCH_BATCH_SIZE         Max alarms per cycle (default: "500")
  DISPATCH_MAX_ATTEMPTS       Publish attempts per alarm per cycle (default: "3")
  DISPATCH_RATE_LIMIT         Max publishes per second, 0 = unlimited (default: "0")
  SINK_TIMEOUT                Timeout of one publish attempt (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT    In-flight cycle drain timeout on shutdown (default: "30s")

  SINK                        "redis", "webhook" or "channel" (default: "redis")
  REDIS_ADDR                  Redis address for the stream sink and analytics
  REDIS_STREAM                Stream name (default: "carecal:reminders")
  WEBHOOK_URL                 Webhook endpoint (required for SINK=webhook)
  WEBHOOK_SECRET              HMAC-SHA256 signing secret (optional)
  EVENTBUS_BUFFER_SIZE        In-process bus buffer (default: "100")
  CIRCUIT_BREAKER_THRESHOLD   Consecutive failures before opening, 0 = off (default: "5")
  CIRCUIT_BREAKER_COOLDOWN    Time before a half-open probe (default: "2m")

  DB_OP_TIMEOUT               Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS           Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS           Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME        Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME       Max connection idle time (default: "5m")
  HTTP_SHUTDOWN_TIMEOUT       Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED             Enable Prometheus metrics (default: "false")
  METRICS_PATH                Metrics endpoint path (default: "/metrics")
  METRICS_PORT                Metrics server port (default: "9090")

  LEADER_ELECTION             Run dispatch on one instance only (default: "false")
  LEADER_LOCK_KEY             Advisory lock key shared by all instances (default: "728380")
  LEADER_RETRY_INTERVAL       Follower retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL   Leader connection heartbeat (default: "2s")`)
}

func newLogger(cfg config.Config) zerolog.Logger {
	return logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr).
		With().Str("service", "carecal").Logger()
}

// logConfigWarnings logs operational risks of the loaded configuration.
func logConfigWarnings(log zerolog.Logger, cfg *config.Config) {
	for _, w := range cfg.Warnings {
		log.Warn().Msg("carecal: config: " + w)
	}

	if cfg.Store == config.StoreMemory {
		log.Warn().Msg("WARNING [P0]: STORE=memory; schedules and sent state are lost on restart")
	}
	if cfg.Store == config.StorePostgres && !cfg.LeaderElection {
		log.Warn().Msg("WARNING [P1]: LEADER_ELECTION=false; every instance dispatches, run exactly one or enable election")
	}
	if !cfg.MetricsEnabled {
		log.Warn().Msg("WARNING [P1]: METRICS_ENABLED=false; dispatch failures are only visible in logs")
	}
	if cfg.Sink == config.SinkWebhook && cfg.WebhookSecret == "" {
		log.Warn().Msg("WARNING [P1]: WEBHOOK_SECRET empty; webhook signatures use an empty key")
	}
	if cfg.Sink == config.SinkChannel {
		log.Info().Msg("INFO: SINK=channel; reminders are only logged by this process")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		log.Info().Msg("INFO: CIRCUIT_BREAKER_THRESHOLD=0; circuit breaker disabled")
	}
}

func runServe() int {
	cfg := config.Load()
	log := newLogger(cfg)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	logConfigWarnings(log, &cfg)

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("carecal: startup failed")
		return exitRuntimeError
	}
	defer a.Close()

	metricsServer := a.MetricsServer()
	if metricsServer != nil {
		go func() {
			log.Info().Str("port", cfg.MetricsPort).Str("path", cfg.MetricsPath).Msg("carecal: metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("carecal: metrics server error")
			}
		}()
	} else {
		log.Info().Msg("carecal: METRICS_ENABLED not set; metrics disabled")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.APIHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("carecal: http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("carecal: http server error")
		}
	}()

	dutiesCtx, cancelDuties := context.WithCancel(context.Background())
	var dutiesWg sync.WaitGroup
	dutiesWg.Add(1)
	go func() {
		defer dutiesWg.Done()
		a.RunDuties(dutiesCtx)
	}()

	log.Info().
		Str("store", cfg.Store).
		Str("sink", cfg.Sink).
		Str("timezone", cfg.Location.String()).
		Dur("dispatch_interval", cfg.DispatchInterval).
		Str("version", version).
		Msg("carecal: started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Info().Str("signal", received.String()).Msg("carecal: shutting down")

	// Phase 1: stop dispatch and horizon extension (dispatcher drains its cycle)
	log.Info().Msg("carecal: stopping background duties...")
	cancelDuties()
	dutiesWg.Wait()
	log.Info().Msg("carecal: background duties stopped")

	// Phase 2: stop HTTP server with graceful shutdown
	log.Info().Msg("carecal: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Error().Err(err).Msg("carecal: http server shutdown error")
	}
	log.Info().Msg("carecal: http server stopped")

	// Phase 3: stop metrics server if running (with same timeout)
	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Error().Err(err).Msg("carecal: metrics server shutdown error")
		}
		log.Info().Msg("carecal: metrics server stopped")
	}

	log.Info().Msg("carecal: stopped")
	return exitSuccess
}

func runMigrate() int {
	cfg := config.Load()
	log := newLogger(cfg)

	if cfg.Store != config.StorePostgres {
		fmt.Fprintf(os.Stderr, "migrate requires STORE=postgres (got %q)\n", cfg.Store)
		return exitInvalidConfig
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := app.OpenDB(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("carecal: migrate failed")
		return exitRuntimeError
	}
	defer db.Close()

	if err := postgres.New(db, cfg.DBOpTimeout).Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("carecal: migrate failed")
		return exitRuntimeError
	}
	log.Info().Msg("carecal: schema applied")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}
	for _, w := range cfg.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("carecal version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
