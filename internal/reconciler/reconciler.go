// Package reconciler keeps open-ended schedules materialized ahead of time.
//
// Schedules without a ValidUntil are only expanded up to a rolling horizon.
// On every run the reconciler looks for live open-ended schedules whose
// MaterializedUntil has fallen behind today plus the horizon and re-expands
// them through the schedule service. Re-expansion goes through the normal
// reconcile path, so existing rows and their sent state are untouched and
// running it twice is harmless.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/carecal/internal/domain"
)

// Store lists schedules whose materialized horizon is behind.
type Store interface {
	OpenEndedSchedules(ctx context.Context, before domain.Date, limit int) ([]domain.Schedule, error)
}

// Extender re-expands one schedule and reports how many occurrences it added.
type Extender interface {
	ExtendHorizon(ctx context.Context, id uuid.UUID) (int, error)
}

// Schedule decides when the next run happens.
type Schedule interface {
	Next(after time.Time) time.Time
}

// MetricsSink defines the interface for recording reconciler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	HorizonRunCompleted(duration time.Duration, extended, added, failed int)
}

type Config struct {
	// Schedule triggers runs. Nil means every Interval.
	Schedule Schedule

	// Interval is used when Schedule is nil.
	// Default: 1 hour.
	Interval time.Duration

	// HorizonDays must match the schedule service's horizon.
	HorizonDays int

	// BatchSize is the maximum number of schedules extended per run.
	// Default: 100.
	BatchSize int

	// Location is the zone "today" is computed in.
	Location *time.Location
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Hour,
		HorizonDays: 90,
		BatchSize:   100,
		Location:    time.UTC,
	}
}

// Result summarizes one run.
type Result struct {
	Scanned  int
	Extended int
	Added    int
	Failed   int
}

// Reconciler extends the horizon of open-ended schedules.
type Reconciler struct {
	config   Config
	store    Store
	extender Extender
	metrics  MetricsSink // optional, nil = disabled
	log      zerolog.Logger
	clock    func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, extender Extender) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Location == nil {
		config.Location = def.Location
	}
	return &Reconciler{
		config:   config,
		store:    store,
		extender: extender,
		log:      zerolog.Nop(),
		clock:    time.Now,
	}
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

func (r *Reconciler) WithLogger(log zerolog.Logger) *Reconciler {
	r.log = log
	return r
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.Info().
		Int("horizon_days", r.config.HorizonDays).
		Int("batch", r.config.BatchSize).
		Bool("cron", r.config.Schedule != nil).
		Msg("reconciler: started")

	// Run immediately on startup, then on schedule
	r.run(ctx)

	for {
		wait := r.untilNext()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.log.Info().Msg("reconciler: stopped")
			return
		case <-timer.C:
			r.run(ctx)
		}
	}
}

func (r *Reconciler) untilNext() time.Duration {
	if r.config.Schedule == nil {
		return r.config.Interval
	}
	now := r.clock()
	next := r.config.Schedule.Next(now)
	if next.IsZero() {
		return r.config.Interval
	}
	return max(next.Sub(now), 0)
}

func (r *Reconciler) run(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil {
		r.log.Error().Err(err).Msg("reconciler: run failed")
	}
}

// RunOnce extends every lagging open-ended schedule, up to BatchSize.
// Per-schedule failures are counted and logged; only a failed scan is returned.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	started := time.Now()
	today := domain.DateOf(r.clock().In(r.config.Location))
	before := today.AddDays(r.config.HorizonDays)

	lagging, err := r.store.OpenEndedSchedules(ctx, before, r.config.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("open-ended schedules: %w", err)
	}

	res := Result{Scanned: len(lagging)}
	for _, sched := range lagging {
		// Check context before each schedule to allow graceful shutdown
		if ctx.Err() != nil {
			r.log.Info().Int("processed", res.Extended+res.Failed).Int("total", len(lagging)).Msg("reconciler: run interrupted")
			break
		}

		added, err := r.extender.ExtendHorizon(ctx, sched.ID)
		switch {
		case errors.Is(err, domain.ErrScheduleNotFound):
			// Deleted since the scan.
			r.log.Debug().Str("schedule_id", sched.ID.String()).Msg("reconciler: schedule gone, skipping")
		case err != nil:
			r.log.Warn().Err(err).Str("schedule_id", sched.ID.String()).Msg("reconciler: extend failed")
			res.Failed++
		default:
			res.Extended++
			res.Added += added
		}
	}

	if res.Scanned > 0 {
		r.log.Info().
			Int("extended", res.Extended).
			Int("added", res.Added).
			Int("failed", res.Failed).
			Str("before", before.String()).
			Msg("reconciler: run complete")
	}
	if res.Scanned == r.config.BatchSize {
		r.log.Warn().Int("batch", r.config.BatchSize).Msg("reconciler: batch full, remaining schedules wait for the next run")
	}
	if r.metrics != nil {
		r.metrics.HorizonRunCompleted(time.Since(started), res.Extended, res.Added, res.Failed)
	}
	return res, nil
}
