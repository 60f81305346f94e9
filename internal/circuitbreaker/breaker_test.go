package circuitbreaker

import (
	"testing"
	"time"

	"github.com/djlord-it/carecal/internal/testutil"
)

const key = "redis"

func newTestBreaker(t *testing.T, threshold int) (*CircuitBreaker, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(testutil.UTC(2024, time.January, 1, 0, 0))
	cb := New(threshold, 10*time.Second).WithClock(clock.Now).WithLogger(testutil.TestLogger(t))
	return cb, clock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.RecordFailure(key)
	}
}

type recordingMetrics struct {
	states []string
}

func (m *recordingMetrics) CircuitStateChanged(key string, state string) {
	m.states = append(m.states, state)
}

func TestAllow_UnknownKey_Allowed(t *testing.T) {
	cb, _ := newTestBreaker(t, 3)
	if err := cb.Allow(key); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if cb.State(key) != StateClosed {
		t.Errorf("state = %s, want closed", cb.State(key))
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	cb, _ := newTestBreaker(t, 3)
	trip(cb, 2)
	if err := cb.Allow(key); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb, _ := newTestBreaker(t, 3)
	trip(cb, 3)
	if err := cb.Allow(key); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if cb.State(key) != StateOpen {
		t.Errorf("state = %s, want open", cb.State(key))
	}
}

func TestAllow_OpenAfterCooldown_HalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(t, 3)
	trip(cb, 3)

	clock.Advance(9 * time.Second)
	if err := cb.Allow(key); err == nil {
		t.Fatal("expected ErrCircuitOpen before cooldown elapsed")
	}

	clock.Advance(time.Second)
	if err := cb.Allow(key); err != nil {
		t.Fatalf("expected nil (probe allowed), got %v", err)
	}
	if err := cb.Allow(key); err == nil {
		t.Fatal("expected ErrCircuitOpen while half-open probe in flight")
	}
}

func TestRecordSuccess_ResetsToClosed(t *testing.T) {
	cb, clock := newTestBreaker(t, 3)
	metrics := &recordingMetrics{}
	cb.WithMetrics(metrics)
	trip(cb, 3)
	clock.Advance(10 * time.Second)
	_ = cb.Allow(key)
	cb.RecordSuccess(key)

	if err := cb.Allow(key); err != nil {
		t.Fatalf("expected nil after probe success, got %v", err)
	}
	want := []string{"open", "half_open", "closed"}
	if len(metrics.states) != len(want) {
		t.Fatalf("transitions = %v, want %v", metrics.states, want)
	}
	for i := range want {
		if metrics.states[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, metrics.states[i], want[i])
		}
	}
}

func TestRecordFailure_HalfOpenReOpens(t *testing.T) {
	cb, clock := newTestBreaker(t, 3)
	trip(cb, 3)
	clock.Advance(10 * time.Second)
	_ = cb.Allow(key)
	cb.RecordFailure(key)

	if err := cb.Allow(key); err == nil {
		t.Fatal("expected ErrCircuitOpen after failed probe")
	}
	clock.Advance(10 * time.Second)
	if err := cb.Allow(key); err != nil {
		t.Fatalf("expected a new probe after another cooldown, got %v", err)
	}
}

func TestRecordSuccess_ClearsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(t, 3)
	trip(cb, 2)
	cb.RecordSuccess(key)
	trip(cb, 2)
	if err := cb.Allow(key); err != nil {
		t.Fatalf("failures are consecutive; expected nil, got %v", err)
	}
}

func TestIndependentKeys(t *testing.T) {
	cb, _ := newTestBreaker(t, 1)
	cb.RecordFailure("redis")
	if err := cb.Allow("webhook"); err != nil {
		t.Fatalf("webhook should be unaffected, got %v", err)
	}
	if err := cb.Allow("redis"); err == nil {
		t.Fatal("redis should be open")
	}
}

func TestNew_ThresholdFloor(t *testing.T) {
	cb := New(0, time.Second)
	cb.RecordFailure(key)
	if cb.State(key) != StateOpen {
		t.Errorf("state = %s, want open after one failure", cb.State(key))
	}
}
