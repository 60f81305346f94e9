// Package app wires configuration into running components. Both the API
// server and the standalone worker are assembled here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/djlord-it/carecal/internal/analytics"
	"github.com/djlord-it/carecal/internal/api"
	"github.com/djlord-it/carecal/internal/circuitbreaker"
	"github.com/djlord-it/carecal/internal/config"
	"github.com/djlord-it/carecal/internal/cron"
	"github.com/djlord-it/carecal/internal/dispatcher"
	"github.com/djlord-it/carecal/internal/domain"
	"github.com/djlord-it/carecal/internal/leaderelection"
	"github.com/djlord-it/carecal/internal/metrics"
	"github.com/djlord-it/carecal/internal/reconciler"
	"github.com/djlord-it/carecal/internal/recurrence"
	"github.com/djlord-it/carecal/internal/schedule"
	"github.com/djlord-it/carecal/internal/sink/redisstream"
	"github.com/djlord-it/carecal/internal/sink/webhook"
	"github.com/djlord-it/carecal/internal/store/memory"
	"github.com/djlord-it/carecal/internal/store/postgres"
	"github.com/djlord-it/carecal/internal/transport/channel"

	_ "github.com/lib/pq"
)

// Store is everything the components need from persistence.
type Store interface {
	schedule.Store
	dispatcher.Store
	reconciler.Store
}

type App struct {
	Config config.Config
	Log    zerolog.Logger

	DB       *sql.DB // nil with the memory store
	Store    Store
	Service  *schedule.Service
	Metrics  metrics.Sink
	Registry *prometheus.Registry // nil when metrics are disabled

	Loop     *dispatcher.Loop
	Extender *reconciler.Reconciler
	Bus      *channel.EventBus // set only with SINK=channel

	redis *redis.Client
}

// New connects to the configured backends and builds every component.
// cfg must already have passed config.Validate.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics.NewNoopSink()}

	if cfg.MetricsEnabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = metrics.NewPrometheusSinkWithLogger(a.Registry, log)
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	expander := recurrence.NewExpander(cfg.Location).
		WithMaxAnchors(cfg.MaxAnchors).
		WithLogger(log)
	a.Service = schedule.New(schedule.Config{
		DefaultAlarmTime: cfg.DefaultAlarmTime,
		HorizonDays:      cfg.HorizonDays,
	}, a.Store, expander).WithLogger(log)

	if err := a.buildLoop(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.buildExtender(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	if cfg.Store == config.StoreMemory {
		a.Log.Warn().Msg("app: using the in-memory store; data is lost on exit")
		a.Store = memory.New()
		return nil
	}

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	a.DB = db
	a.Log.Info().
		Int("max_open", cfg.DBMaxOpenConns).
		Int("max_idle", cfg.DBMaxIdleConns).
		Dur("max_lifetime", cfg.DBConnMaxLifetime).
		Dur("max_idle_time", cfg.DBConnMaxIdleTime).
		Msg("app: db pool configured")
	a.Store = postgres.New(db, cfg.DBOpTimeout)
	return nil
}

// OpenDB opens and pings the Postgres pool.
func OpenDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func (a *App) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client := redis.NewClient(&redis.Options{Addr: a.Config.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", a.Config.RedisAddr, err)
	}
	a.redis = client
	return client, nil
}

func (a *App) buildSink(ctx context.Context) (dispatcher.Sink, error) {
	cfg := a.Config
	switch cfg.Sink {
	case config.SinkRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return redisstream.New(client, cfg.RedisStream).WithMaxLen(redisstream.DefaultMaxLen), nil
	case config.SinkWebhook:
		return webhook.New(cfg.WebhookURL, cfg.WebhookSecret), nil
	case config.SinkChannel:
		a.Bus = channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(a.Metrics))
		return a.Bus, nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}

func (a *App) buildLoop(ctx context.Context) error {
	cfg := a.Config
	sink, err := a.buildSink(ctx)
	if err != nil {
		return err
	}

	a.Loop = dispatcher.New(dispatcher.Config{
		Interval:       cfg.DispatchInterval,
		Lookback:       cfg.DispatchLookback,
		AttemptTimeout: cfg.SinkTimeout,
		DrainTimeout:   cfg.DispatcherDrainTimeout,
		MaxAttempts:    cfg.DispatchMaxAttempts,
		BatchSize:      cfg.DispatchBatchSize,
		Location:       cfg.Location,
	}, a.Store, sink).
		WithMetrics(a.Metrics).
		WithRateLimit(cfg.DispatchRateLimit, max(1, int(cfg.DispatchRateLimit))).
		WithLogger(a.Log)

	if cfg.CircuitBreakerThreshold > 0 {
		breaker := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown).
			WithMetrics(a.Metrics).
			WithLogger(a.Log)
		a.Loop = a.Loop.WithBreaker(breaker)
		a.Log.Info().
			Int("threshold", cfg.CircuitBreakerThreshold).
			Dur("cooldown", cfg.CircuitBreakerCooldown).
			Msg("app: circuit breaker enabled")
	}

	// Analytics ride on Redis whenever it is configured, whatever the sink.
	if cfg.RedisAddr != "" {
		client, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		a.Loop = a.Loop.WithAnalytics(analytics.NewRedisSink(client).WithLogger(a.Log))
		a.Log.Info().Str("redis", cfg.RedisAddr).Msg("app: analytics enabled")
	} else {
		a.Log.Info().Msg("app: REDIS_ADDR not set; analytics disabled")
	}
	return nil
}

func (a *App) buildExtender() error {
	cfg := a.Config
	rc := reconciler.Config{
		HorizonDays: cfg.HorizonDays,
		BatchSize:   cfg.HorizonBatchSize,
		Location:    cfg.Location,
	}
	if cfg.HorizonSchedule != "" {
		sched, err := cron.Parse(cfg.HorizonSchedule, cfg.Location)
		if err != nil {
			return fmt.Errorf("HORIZON_SCHEDULE: %w", err)
		}
		rc.Schedule = sched
	}
	a.Extender = reconciler.New(rc, a.Store, a.Service).
		WithMetrics(a.Metrics).
		WithLogger(a.Log)
	return nil
}

// Duties returns the background work that must run on exactly one
// instance: the dispatch loop and the horizon extender, plus the local
// consumer when reminders go to the in-process bus.
func (a *App) Duties() *leaderelection.Duties {
	var duties []leaderelection.Duty
	if a.Bus != nil {
		duties = append(duties, leaderelection.Duty{Name: "reminder-log", Run: a.consumeBus})
	}
	duties = append(duties,
		leaderelection.Duty{Name: "dispatcher", Run: func(ctx context.Context) { _ = a.Loop.Run(ctx) }},
		leaderelection.Duty{Name: "horizon-extender", Run: a.Extender.Run},
	)
	return leaderelection.NewDuties(duties...).WithLogger(a.Log)
}

// consumeBus logs reminders published to the in-process bus. It stands in
// for a real consumer in development setups.
func (a *App) consumeBus(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-a.Bus.Channel():
			logReminder(a.Log, event)
		}
	}
}

func logReminder(log zerolog.Logger, event domain.ReminderDue) {
	log.Info().
		Str("event_id", event.EventID).
		Str("schedule_id", event.ScheduleID.String()).
		Int64("pet_id", event.PetID).
		Str("title", event.Title).
		Str("occurs", event.OccurrenceDate.String()+" "+event.OccurrenceTime.String()).
		Msg("reminder: due")
}

// RunDuties runs the leader-only duties until ctx is cancelled, behind
// leader election when it is enabled. It returns after the duties stopped.
func (a *App) RunDuties(ctx context.Context) {
	duties := a.Duties()

	if !a.Config.LeaderElection {
		a.Log.Info().Msg("app: leader election disabled; this instance runs all duties")
		duties.Start(ctx)
		<-ctx.Done()
		duties.Stop()
		return
	}

	elector := leaderelection.New(
		leaderelection.PostgresConnector(a.DB),
		a.Config.LeaderLockKey,
		a.Config.LeaderRetryInterval,
		a.Config.LeaderHeartbeatInterval,
		duties.Start,
		duties.Stop,
	).WithMetrics(a.Metrics).WithLogger(a.Log)
	elector.Run(ctx)
	// Run only returns after onDemoted; Stop again in case it never won.
	duties.Stop()
}

// APIHandler returns the HTTP API backed by this app's schedule service.
func (a *App) APIHandler() http.Handler {
	h := api.NewHandler(a.Service).WithLogger(a.Log)
	if a.DB != nil {
		h = h.WithHealthChecker(a.DB)
	}
	return h
}

// MetricsServer returns the Prometheus scrape server, or nil when metrics
// are disabled.
func (a *App) MetricsServer() *http.Server {
	if a.Registry == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(a.Config.MetricsPath, promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))
	return &http.Server{
		Addr:              ":" + a.Config.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Close releases the database pool and Redis client.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
