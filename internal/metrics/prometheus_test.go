package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_Cycles(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CycleStarted()
	sink.CycleCompleted(100*time.Millisecond, 5, nil)
	sink.CycleStarted()
	sink.CycleCompleted(100*time.Millisecond, 0, errors.New("db error"))

	if val := getCounterValue(t, reg, "carecal_dispatcher_cycles_total"); val != 2 {
		t.Errorf("cycles_total = %v, want 2", val)
	}
	if val := getCounterValue(t, reg, "carecal_dispatcher_cycle_errors_total"); val != 1 {
		t.Errorf("cycle_errors_total = %v, want 1", val)
	}
	if val := getCounterValue(t, reg, "carecal_dispatcher_alarms_due_total"); val != 5 {
		t.Errorf("alarms_due_total = %v, want 5", val)
	}
}

func TestPrometheusSink_PublishAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.PublishAttemptCompleted(1, "ok", 100*time.Millisecond)
	sink.PublishAttemptCompleted(2, "timeout", 200*time.Millisecond)

	val1 := getCounterVecValue(t, reg, "carecal_dispatcher_publish_attempts_total",
		map[string]string{"attempt": "1", "status_class": "ok"})
	if val1 != 1 {
		t.Errorf("attempt=1,status=ok = %v, want 1", val1)
	}

	val2 := getCounterVecValue(t, reg, "carecal_dispatcher_publish_attempts_total",
		map[string]string{"attempt": "2", "status_class": "timeout"})
	if val2 != 1 {
		t.Errorf("attempt=2,status=timeout = %v, want 1", val2)
	}
}

func TestPrometheusSink_DeliveryOutcome(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryOutcome("sent")
	sink.DeliveryOutcome("duplicate")
	sink.DeliveryOutcome("sent")

	if val := getCounterVecValue(t, reg, "carecal_dispatcher_delivery_outcomes_total",
		map[string]string{"outcome": "sent"}); val != 2 {
		t.Errorf("outcome=sent = %v, want 2", val)
	}
	if val := getCounterVecValue(t, reg, "carecal_dispatcher_delivery_outcomes_total",
		map[string]string{"outcome": "duplicate"}); val != 1 {
		t.Errorf("outcome=duplicate = %v, want 1", val)
	}
}

func TestPrometheusSink_EventsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventsInFlightIncr()
	sink.EventsInFlightIncr()
	sink.EventsInFlightDecr()

	if val := getGaugeValue(t, reg, "carecal_dispatcher_events_in_flight"); val != 1 {
		t.Errorf("events_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_BufferMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.BufferSaturationUpdate(0.42)
	sink.EmitError()

	if val := getGaugeValue(t, reg, "carecal_eventbus_buffer_capacity"); val != 100 {
		t.Errorf("buffer_capacity = %v, want 100", val)
	}
	if val := getGaugeValue(t, reg, "carecal_eventbus_buffer_size"); val != 42 {
		t.Errorf("buffer_size = %v, want 42", val)
	}
	if val := getGaugeValue(t, reg, "carecal_eventbus_buffer_saturation"); val != 0.42 {
		t.Errorf("buffer_saturation = %v, want 0.42", val)
	}
	if val := getCounterValue(t, reg, "carecal_eventbus_emit_errors_total"); val != 1 {
		t.Errorf("emit_errors_total = %v, want 1", val)
	}
}

func TestPrometheusSink_HorizonRun(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.HorizonRunCompleted(time.Second, 3, 21, 1)

	if val := getCounterValue(t, reg, "carecal_horizon_runs_total"); val != 1 {
		t.Errorf("horizon_runs_total = %v, want 1", val)
	}
	if val := getCounterVecValue(t, reg, "carecal_horizon_schedules_total",
		map[string]string{"result": "extended"}); val != 3 {
		t.Errorf("result=extended = %v, want 3", val)
	}
	if val := getCounterVecValue(t, reg, "carecal_horizon_schedules_total",
		map[string]string{"result": "failed"}); val != 1 {
		t.Errorf("result=failed = %v, want 1", val)
	}
	if val := getCounterValue(t, reg, "carecal_horizon_occurrences_added_total"); val != 21 {
		t.Errorf("occurrences_added_total = %v, want 21", val)
	}
}

func TestPrometheusSink_Leader(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	sink.LeaderAcquired()
	if val := getGaugeValue(t, reg, "carecal_leader_status"); val != 1 {
		t.Errorf("leader_status = %v, want 1", val)
	}

	sink.LeaderStatusChanged(false)
	sink.LeaderLost("conn_lost")
	if val := getGaugeValue(t, reg, "carecal_leader_status"); val != 0 {
		t.Errorf("leader_status = %v, want 0", val)
	}
	if val := getCounterVecValue(t, reg, "carecal_leader_lost_total",
		map[string]string{"reason": "conn_lost"}); val != 1 {
		t.Errorf("reason=conn_lost = %v, want 1", val)
	}
}

func TestPrometheusSink_CircuitTransitions(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CircuitStateChanged("redis", "open")
	sink.CircuitStateChanged("redis", "open")

	if val := getCounterVecValue(t, reg, "carecal_circuit_transitions_total",
		map[string]string{"key": "redis", "state": "open"}); val != 2 {
		t.Errorf("key=redis,state=open = %v, want 2", val)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// Registering metrics twice with the same registry should not panic.
	// The second registration will fail, but should be handled gracefully.
	reg := prometheus.NewRegistry()

	sink1 := NewPrometheusSink(reg)
	if sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}

	sink2 := NewPrometheusSink(reg)
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
	// The unregistered collectors still accept observations.
	sink2.CycleStarted()
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
