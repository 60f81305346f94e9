package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log zerolog.Logger

	// Dispatcher metrics
	cyclesTotal           prometheus.Counter
	cycleErrorsTotal      prometheus.Counter
	alarmsDueTotal        prometheus.Counter
	cycleDuration         prometheus.Histogram
	publishAttemptsTotal  *prometheus.CounterVec
	publishDuration       prometheus.Histogram
	deliveryOutcomesTotal *prometheus.CounterVec
	retryAttemptsTotal    prometheus.Counter
	eventsInFlight        prometheus.Gauge

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Horizon extender metrics
	horizonRunsTotal        prometheus.Counter
	horizonSchedulesTotal   *prometheus.CounterVec
	horizonOccurrencesTotal prometheus.Counter
	horizonRunDuration      prometheus.Histogram

	// Circuit breaker metrics
	circuitTransitionsTotal *prometheus.CounterVec

	// Leader election metrics
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	return NewPrometheusSinkWithLogger(reg, zerolog.Nop())
}

func NewPrometheusSinkWithLogger(reg prometheus.Registerer, log zerolog.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log}
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initHorizonMetrics(reg)
	s.initResilienceMetrics(reg)
	return s
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carecal_dispatcher_cycles_total",
		Help: "Total number of dispatch cycles run.",
	})
	s.cycleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carecal_dispatcher_cycle_errors_total",
		Help: "Total number of dispatch cycles that failed to scan for due alarms.",
	})
	s.alarmsDueTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carecal_dispatcher_alarms_due_total",
		Help: "Total number of due alarms found by dispatch cycles.",
	})
	s.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "carecal_dispatcher_cycle_duration_seconds",
		Help:    "Duration of each dispatch cycle in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
	s.publishAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "carecal_dispatcher_publish_attempts_total",
		Help: "Total number of sink publish attempts.",
	}, []string{"attempt", "status_class"})
	s.publishDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "carecal_dispatcher_publish_duration_seconds",
		Help:    "Sink publish latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "carecal_dispatcher_delivery_outcomes_total",
		Help: "Total number of final delivery outcomes per due alarm.",
	}, []string{"outcome"})
	s.retryAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carecal_dispatcher_retry_attempts_total",
		Help: "Total number of publish retries (excludes first attempt).",
	})
	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carecal_dispatcher_events_in_flight",
		Help: "Number of reminders currently being delivered.",
	})

	s.register(reg, s.cyclesTotal, "carecal_dispatcher_cycles_total")
	s.register(reg, s.cycleErrorsTotal, "carecal_dispatcher_cycle_errors_total")
	s.register(reg, s.alarmsDueTotal, "carecal_dispatcher_alarms_due_total")
	s.register(reg, s.cycleDuration, "carecal_dispatcher_cycle_duration_seconds")
	s.register(reg, s.publishAttemptsTotal, "carecal_dispatcher_publish_attempts_total")
	s.register(reg, s.publishDuration, "carecal_dispatcher_publish_duration_seconds")
	s.register(reg, s.deliveryOutcomesTotal, "carecal_dispatcher_delivery_outcomes_total")
	s.register(reg, s.retryAttemptsTotal, "carecal_dispatcher_retry_attempts_total")
	s.register(reg, s.eventsInFlight, "carecal_dispatcher_events_in_flight")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carecal_eventbus_buffer_size",
		Help: "Current number of reminders in the in-process bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carecal_eventbus_buffer_capacity",
		Help: "Capacity of the in-process bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carecal_eventbus_buffer_saturation",
		Help: "Fraction of the in-process bus buffer in use.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carecal_eventbus_emit_errors_total",
		Help: "Total number of bus publish errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "carecal_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "carecal_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "carecal_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "carecal_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initHorizonMetrics(reg prometheus.Registerer) {
	s.horizonRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carecal_horizon_runs_total",
		Help: "Total number of horizon extension runs.",
	})
	s.horizonSchedulesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "carecal_horizon_schedules_total",
		Help: "Total number of schedules processed by horizon extension.",
	}, []string{"result"})
	s.horizonOccurrencesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carecal_horizon_occurrences_added_total",
		Help: "Total number of occurrences materialized by horizon extension.",
	})
	s.horizonRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "carecal_horizon_run_duration_seconds",
		Help:    "Duration of each horizon extension run in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	s.register(reg, s.horizonRunsTotal, "carecal_horizon_runs_total")
	s.register(reg, s.horizonSchedulesTotal, "carecal_horizon_schedules_total")
	s.register(reg, s.horizonOccurrencesTotal, "carecal_horizon_occurrences_added_total")
	s.register(reg, s.horizonRunDuration, "carecal_horizon_run_duration_seconds")
}

func (s *PrometheusSink) initResilienceMetrics(reg prometheus.Registerer) {
	s.circuitTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "carecal_circuit_transitions_total",
		Help: "Total number of circuit breaker state transitions.",
	}, []string{"key", "state"})
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carecal_leader_status",
		Help: "1 if this instance holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carecal_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "carecal_leader_lost_total",
		Help: "Total number of times leadership was lost.",
	}, []string{"reason"})

	s.register(reg, s.circuitTransitionsTotal, "carecal_circuit_transitions_total")
	s.register(reg, s.leaderStatus, "carecal_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "carecal_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "carecal_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn().Err(err).Str("metric", name).Msg("metrics: failed to register")
	}
}

// Dispatcher metrics implementation

func (s *PrometheusSink) CycleStarted() {
	s.cyclesTotal.Inc()
}

func (s *PrometheusSink) CycleCompleted(duration time.Duration, due int, err error) {
	s.cycleDuration.Observe(duration.Seconds())
	s.alarmsDueTotal.Add(float64(due))
	if err != nil {
		s.cycleErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) PublishAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.publishAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.publishDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt() {
	s.retryAttemptsTotal.Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Horizon extender metrics implementation

func (s *PrometheusSink) HorizonRunCompleted(duration time.Duration, extended, added, failed int) {
	s.horizonRunsTotal.Inc()
	s.horizonRunDuration.Observe(duration.Seconds())
	s.horizonSchedulesTotal.WithLabelValues("extended").Add(float64(extended))
	s.horizonSchedulesTotal.WithLabelValues("failed").Add(float64(failed))
	s.horizonOccurrencesTotal.Add(float64(added))
}

// Resilience metrics implementation

func (s *PrometheusSink) CircuitStateChanged(key string, state string) {
	s.circuitTransitionsTotal.WithLabelValues(key, state).Inc()
}

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
		return
	}
	s.leaderStatus.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
