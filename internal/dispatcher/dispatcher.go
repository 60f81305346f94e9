package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/djlord-it/carecal/internal/domain"
	"github.com/djlord-it/carecal/internal/recurrence"
)

// ErrRejected marks a publish failure that retrying within the same cycle
// cannot fix. Sinks wrap it, e.g. for a 4xx webhook response.
var ErrRejected = errors.New("event rejected by sink")

type Store interface {
	DueAlarms(ctx context.Context, start, end time.Time, limit int) ([]domain.DueAlarm, error)
	// MarkSent flips Sent from false to true and reports whether this call
	// performed the flip. Implementations MUST make the flip conditional so
	// that concurrent callers observe exactly one true.
	MarkSent(ctx context.Context, occurrenceID uuid.UUID, at time.Time) (bool, error)
}

type Sink interface {
	Name() string
	Publish(ctx context.Context, event domain.ReminderDue) error
}

type AnalyticsSink interface {
	Record(ctx context.Context, event domain.ReminderDue)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	CycleStarted()
	CycleCompleted(duration time.Duration, due int, err error)
	PublishAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt()
	EventsInFlightIncr()
	EventsInFlightDecr()
}

// Breaker guards the sink. Keys are sink names.
type Breaker interface {
	Allow(key string) error
	RecordSuccess(key string)
	RecordFailure(key string)
}

// Delivery outcomes.
const (
	OutcomeSent        = "sent"
	OutcomeDuplicate   = "duplicate"
	OutcomeFailed      = "failed"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeMarkFailed  = "mark_failed"
	OutcomeInFlight    = "in_flight"
)

// Publish attempt status classes.
const (
	StatusOK       = "ok"
	StatusTimeout  = "timeout"
	StatusRejected = "rejected"
	StatusError    = "error"
)

type State int32

const (
	StateIdle State = iota
	StateScanning
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	case StateDispatching:
		return "DISPATCHING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Config struct {
	Interval       time.Duration
	Lookback       time.Duration
	AttemptTimeout time.Duration
	DrainTimeout   time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	BatchSize      int
	// Location is the zone slots are expressed in.
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		Lookback:       10 * time.Minute,
		AttemptTimeout: 10 * time.Second,
		DrainTimeout:   30 * time.Second,
		BaseBackoff:    time.Second,
		MaxBackoff:     10 * time.Second,
		MaxAttempts:    3,
		BatchSize:      500,
		Location:       time.UTC,
	}
}

// CycleResult counts what one cycle did with the alarms it found.
type CycleResult struct {
	Due       int
	Sent      int
	Duplicate int
	Failed    int
	Skipped   int
}

type Loop struct {
	config    Config
	store     Store
	sink      Sink
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	breaker   Breaker       // optional, nil = disabled
	limiter   *rate.Limiter // optional, nil = unlimited
	log       zerolog.Logger
	clock     func() time.Time

	state atomic.Int32

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func New(config Config, store Store, sink Sink) *Loop {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Lookback < 0 {
		config.Lookback = 0
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = def.AttemptTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = def.BaseBackoff
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = config.BaseBackoff
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	return &Loop{
		config:   config,
		store:    store,
		sink:     sink,
		log:      zerolog.Nop(),
		clock:    time.Now,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

func (l *Loop) WithAnalytics(sink AnalyticsSink) *Loop {
	l.analytics = sink
	return l
}

// WithMetrics attaches a metrics sink to the loop.
func (l *Loop) WithMetrics(sink MetricsSink) *Loop {
	l.metrics = sink
	return l
}

func (l *Loop) WithBreaker(b Breaker) *Loop {
	l.breaker = b
	return l
}

// WithRateLimit caps sink publishes at perSecond with the given burst.
// A non-positive rate leaves publishing unlimited.
func (l *Loop) WithRateLimit(perSecond float64, burst int) *Loop {
	if perSecond <= 0 {
		l.limiter = nil
		return l
	}
	if burst < 1 {
		burst = 1
	}
	l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return l
}

func (l *Loop) WithLogger(log zerolog.Logger) *Loop {
	l.log = log
	return l
}

func (l *Loop) WithClock(clock func() time.Time) *Loop {
	l.clock = clock
	return l
}

func (l *Loop) State() State {
	return State(l.state.Load())
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled. A cycle in progress at cancellation runs to completion on a
// detached context that is cut off after DrainTimeout.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	l.log.Info().
		Dur("interval", l.config.Interval).
		Dur("lookback", l.config.Lookback).
		Str("sink", l.sink.Name()).
		Msg("dispatcher: started")

	l.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("dispatcher: stopped")
			return ctx.Err()
		case <-ticker.C:
			l.cycle(ctx)
		}
	}
}

func (l *Loop) cycle(parent context.Context) {
	ctx, release := l.detach(parent)
	defer release()

	res, err := l.RunCycle(ctx, l.clock())
	if err != nil {
		l.log.Error().Err(err).Msg("dispatcher: cycle error")
		return
	}
	if res.Due > 0 {
		l.log.Info().
			Int("due", res.Due).
			Int("sent", res.Sent).
			Int("duplicate", res.Duplicate).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Msg("dispatcher: cycle complete")
	}
}

// detach returns a context that survives the cancellation of parent for at
// most DrainTimeout.
func (l *Loop) detach(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-parent.Done():
		}
		timer := time.NewTimer(l.config.DrainTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			l.log.Warn().Dur("drain_timeout", l.config.DrainTimeout).Msg("dispatcher: drain timeout, abandoning cycle")
			cancel()
		}
	}()
	return ctx, func() {
		close(done)
		cancel()
	}
}

// RunCycle scans [now-lookback, now+interval) for due alarms and delivers
// each of them. Delivery failures are counted, not returned; the alarms stay
// unsent and are picked up again by a later cycle.
func (l *Loop) RunCycle(ctx context.Context, now time.Time) (CycleResult, error) {
	started := time.Now()
	if l.metrics != nil {
		l.metrics.CycleStarted()
	}

	res, err := l.runCycle(ctx, now)

	if l.metrics != nil {
		l.metrics.CycleCompleted(time.Since(started), res.Due, err)
	}
	return res, err
}

func (l *Loop) runCycle(ctx context.Context, now time.Time) (CycleResult, error) {
	defer l.state.Store(int32(StateIdle))

	l.state.Store(int32(StateScanning))
	start := now.Add(-l.config.Lookback)
	end := now.Add(l.config.Interval)

	due, err := l.store.DueAlarms(ctx, start, end, l.config.BatchSize)
	if err != nil {
		return CycleResult{}, fmt.Errorf("due alarms: %w", err)
	}

	res := CycleResult{Due: len(due)}
	if len(due) == 0 {
		return res, nil
	}
	if l.config.BatchSize > 0 && len(due) == l.config.BatchSize {
		l.log.Warn().Int("batch_size", l.config.BatchSize).Msg("dispatcher: batch full, remaining alarms wait for the next cycle")
	}

	l.state.Store(int32(StateDispatching))
	for i, alarm := range due {
		if ctx.Err() != nil {
			res.Skipped += len(due) - i
			break
		}
		switch l.deliver(ctx, alarm) {
		case OutcomeSent:
			res.Sent++
		case OutcomeDuplicate:
			res.Duplicate++
		case OutcomeInFlight:
			res.Skipped++
		default:
			res.Failed++
		}
	}
	return res, nil
}

func (l *Loop) deliver(ctx context.Context, alarm domain.DueAlarm) string {
	occID := alarm.Occurrence.ID
	if !l.acquire(occID) {
		return OutcomeInFlight
	}
	defer l.release(occID)

	if l.metrics != nil {
		l.metrics.EventsInFlightIncr()
		defer l.metrics.EventsInFlightDecr()
	}

	outcome := l.deliverOnce(ctx, alarm)
	if l.metrics != nil {
		l.metrics.DeliveryOutcome(outcome)
	}
	return outcome
}

func (l *Loop) deliverOnce(ctx context.Context, alarm domain.DueAlarm) string {
	event := NewReminderDue(alarm, l.config.Location)
	logger := l.log.With().
		Str("schedule_id", event.ScheduleID.String()).
		Str("occurrence_id", event.OccurrenceID.String()).
		Str("event_id", event.EventID).
		Logger()

	name := l.sink.Name()
	if l.breaker != nil {
		if err := l.breaker.Allow(name); err != nil {
			logger.Warn().Str("sink", name).Msg("dispatcher: circuit open, reminder left pending")
			return OutcomeCircuitOpen
		}
	}

	if err := l.publish(ctx, event); err != nil {
		if l.breaker != nil {
			l.breaker.RecordFailure(name)
		}
		logger.Warn().Err(err).Msg("dispatcher: publish failed, reminder left pending")
		return OutcomeFailed
	}
	if l.breaker != nil {
		l.breaker.RecordSuccess(name)
	}

	flipped, err := l.store.MarkSent(ctx, event.OccurrenceID, l.clock().UTC())
	if err != nil {
		logger.Error().Err(err).Msg("dispatcher: published but mark sent failed")
		return OutcomeMarkFailed
	}
	if !flipped {
		logger.Info().Msg("dispatcher: occurrence already marked sent")
		return OutcomeDuplicate
	}

	if l.analytics != nil {
		l.analytics.Record(ctx, event)
	}
	logger.Debug().Time("alarm_at", event.AlarmAt).Msg("dispatcher: reminder sent")
	return OutcomeSent
}

// publish emits event with per-attempt timeouts and capped exponential
// backoff. It returns a *domain.TransientSinkError when every attempt failed.
func (l *Loop) publish(ctx context.Context, event domain.ReminderDue) error {
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= l.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if l.metrics != nil {
				l.metrics.RetryAttempt()
			}
			backoff := l.backoff(attempt)
			l.log.Debug().Int("attempt", attempt).Dur("backoff", backoff).Str("event_id", event.EventID).Msg("dispatcher: retrying publish")
			if err := sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
		}
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, l.config.AttemptTimeout)
		startedAt := time.Now()
		err := l.sink.Publish(attemptCtx, event)
		cancel()

		if l.metrics != nil {
			l.metrics.PublishAttemptCompleted(attempt, classifyStatus(err), time.Since(startedAt))
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrRejected) {
			break
		}
	}
	return &domain.TransientSinkError{Sink: l.sink.Name(), Attempts: attempts, Err: lastErr}
}

// backoff returns the wait before the given attempt (2-based).
func (l *Loop) backoff(attempt int) time.Duration {
	d := l.config.BaseBackoff
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= l.config.MaxBackoff {
			return l.config.MaxBackoff
		}
	}
	return min(d, l.config.MaxBackoff)
}

func (l *Loop) acquire(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[id]; busy {
		return false
	}
	l.inflight[id] = struct{}{}
	return true
}

func (l *Loop) release(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, id)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func classifyStatus(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, ErrRejected):
		return StatusRejected
	default:
		return StatusError
	}
}

// NewReminderDue builds the event for a due alarm. loc is the zone the
// occurrence's civil date and time are expressed in.
func NewReminderDue(alarm domain.DueAlarm, loc *time.Location) domain.ReminderDue {
	occ, sched := alarm.Occurrence, alarm.Schedule
	return domain.ReminderDue{
		EventID:        EventID(occ.ID),
		ScheduleID:     sched.ID,
		OccurrenceID:   occ.ID,
		OccurrenceDate: occ.Date,
		OccurrenceTime: occ.Time,
		OwnerUserID:    sched.OwnerUserID,
		PetID:          sched.PetID,
		Category:       domain.Category{Main: sched.Rule.Main, Sub: sched.Rule.Sub},
		Title:          sched.Title,
		Detail:         sched.Detail,
		AlarmAt:        occ.AlarmAt.UTC(),
		OccursAt:       recurrence.OccursAt(occ.Slot(), loc).UTC(),
	}
}

// reminderNamespace scopes reminder event ids.
var reminderNamespace = uuid.MustParse("9b1f3c52-6d0e-4c1a-8f57-2a9e6c4d7b10")

// EventID is deterministic per occurrence so consumers can drop redeliveries.
func EventID(occurrenceID uuid.UUID) string {
	return uuid.NewSHA1(reminderNamespace, occurrenceID[:]).String()
}
