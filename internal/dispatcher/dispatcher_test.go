package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/carecal/internal/domain"
	"github.com/djlord-it/carecal/internal/testutil"
)

// mockStore keeps alarms in memory and enforces the conditional sent flip.
type mockStore struct {
	mu        sync.Mutex
	alarms    []domain.DueAlarm
	sent      map[uuid.UUID]bool
	markCalls int
	markErr   error
	dueErr    error
}

func newMockStore(alarms ...domain.DueAlarm) *mockStore {
	return &mockStore{alarms: alarms, sent: make(map[uuid.UUID]bool)}
}

func (s *mockStore) DueAlarms(ctx context.Context, start, end time.Time, limit int) ([]domain.DueAlarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dueErr != nil {
		return nil, s.dueErr
	}
	var out []domain.DueAlarm
	for _, a := range s.alarms {
		at := a.Occurrence.AlarmAt
		if s.sent[a.Occurrence.ID] || at.Before(start) || !at.Before(end) {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *mockStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls++
	if s.markErr != nil {
		return false, s.markErr
	}
	if s.sent[id] {
		return false, nil
	}
	s.sent[id] = true
	return true, nil
}

func (s *mockStore) isSent(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[id]
}

func (s *mockStore) getMarkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markCalls
}

// mockSink returns queued errors in order, then succeeds.
type mockSink struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	events []domain.ReminderDue
	// block, when set, makes Publish wait until it is closed or ctx ends.
	block   chan struct{}
	entered chan struct{}
	onCall  func()
}

func (s *mockSink) Name() string { return "mock" }

func (s *mockSink) Publish(ctx context.Context, event domain.ReminderDue) error {
	s.mu.Lock()
	s.calls++
	idx := s.calls - 1
	block, entered, onCall := s.block, s.entered, s.onCall
	s.mu.Unlock()

	if onCall != nil {
		onCall()
	}
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < len(s.errs) && s.errs[idx] != nil {
		return s.errs[idx]
	}
	s.events = append(s.events, event)
	return nil
}

func (s *mockSink) getCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *mockSink) getEvents() []domain.ReminderDue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ReminderDue, len(s.events))
	copy(out, s.events)
	return out
}

type mockMetrics struct {
	mu       sync.Mutex
	outcomes []string
	attempts []string
	retries  int
	cycles   int
}

func (m *mockMetrics) CycleStarted() {}
func (m *mockMetrics) CycleCompleted(d time.Duration, due int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
}
func (m *mockMetrics) PublishAttemptCompleted(attempt int, statusClass string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, statusClass)
}
func (m *mockMetrics) DeliveryOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}
func (m *mockMetrics) RetryAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}
func (m *mockMetrics) EventsInFlightIncr() {}
func (m *mockMetrics) EventsInFlightDecr() {}

type mockBreaker struct {
	open      bool
	successes int
	failures  int
}

func (b *mockBreaker) Allow(key string) error {
	if b.open {
		return errors.New("open")
	}
	return nil
}
func (b *mockBreaker) RecordSuccess(key string) { b.successes++ }
func (b *mockBreaker) RecordFailure(key string) { b.failures++ }

type mockAnalytics struct {
	mu     sync.Mutex
	events []domain.ReminderDue
}

func (a *mockAnalytics) Record(ctx context.Context, event domain.ReminderDue) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

var testNow = testutil.UTC(2024, time.June, 2, 7, 0)

func dueAlarm(alarmAt time.Time) domain.DueAlarm {
	sched := domain.Schedule{
		ID:          uuid.New(),
		OwnerUserID: 1,
		PetID:       7,
		Title:       "Morning walk",
		Rule: domain.Rule{
			Main:         domain.MainCare,
			Sub:          domain.SubWalk,
			Frequency:    domain.Daily(),
			Times:        []domain.TimeOfDay{testutil.MustTime("07:00")},
			ValidFrom:    testutil.MustDate("2024-06-01"),
			AlarmEnabled: true,
		},
	}
	return domain.DueAlarm{
		Schedule: sched,
		Occurrence: domain.Occurrence{
			ID:         uuid.New(),
			ScheduleID: sched.ID,
			Date:       domain.DateOf(alarmAt),
			Time:       domain.NewTimeOfDay(alarmAt.Hour(), alarmAt.Minute()),
			AlarmAt:    alarmAt,
		},
	}
}

func testConfig() Config {
	return Config{
		Interval:       time.Minute,
		AttemptTimeout: time.Second,
		DrainTimeout:   time.Second,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxAttempts:    3,
		BatchSize:      100,
		Location:       time.UTC,
	}
}

func newTestLoop(t *testing.T, store Store, sink Sink) *Loop {
	return New(testConfig(), store, sink).
		WithLogger(testutil.TestLogger(t)).
		WithClock(func() time.Time { return testNow })
}

func TestRunCycle_PublishesAndMarksSent(t *testing.T) {
	alarm := dueAlarm(testNow)
	store := newMockStore(alarm)
	sink := &mockSink{}
	analytics := &mockAnalytics{}
	metrics := &mockMetrics{}
	loop := newTestLoop(t, store, sink).WithAnalytics(analytics).WithMetrics(metrics)

	res, err := loop.RunCycle(testutil.TestContext(t), testNow)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res != (CycleResult{Due: 1, Sent: 1}) {
		t.Errorf("result = %+v", res)
	}
	if !store.isSent(alarm.Occurrence.ID) {
		t.Error("occurrence should be marked sent")
	}

	events := sink.getEvents()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.OccurrenceID != alarm.Occurrence.ID || ev.ScheduleID != alarm.Schedule.ID {
		t.Errorf("event ids = %s/%s", ev.ScheduleID, ev.OccurrenceID)
	}
	if ev.Category != (domain.Category{Main: domain.MainCare, Sub: domain.SubWalk}) {
		t.Errorf("category = %+v", ev.Category)
	}
	if !ev.OccursAt.Equal(testNow) || !ev.AlarmAt.Equal(testNow) {
		t.Errorf("OccursAt = %v, AlarmAt = %v", ev.OccursAt, ev.AlarmAt)
	}
	if ev.EventID != EventID(alarm.Occurrence.ID) {
		t.Errorf("EventID = %s", ev.EventID)
	}
	if len(analytics.events) != 1 {
		t.Errorf("analytics recorded %d events, want 1", len(analytics.events))
	}
	if len(metrics.outcomes) != 1 || metrics.outcomes[0] != OutcomeSent {
		t.Errorf("outcomes = %v", metrics.outcomes)
	}
	if loop.State() != StateIdle {
		t.Errorf("state after cycle = %s, want IDLE", loop.State())
	}
}

func TestRunCycle_Window(t *testing.T) {
	before := dueAlarm(testNow.Add(-time.Second))
	inside := dueAlarm(testNow.Add(59 * time.Second))
	after := dueAlarm(testNow.Add(time.Minute))
	store := newMockStore(before, inside, after)
	sink := &mockSink{}

	res, err := newTestLoop(t, store, sink).RunCycle(testutil.TestContext(t), testNow)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Due != 1 || !store.isSent(inside.Occurrence.ID) {
		t.Errorf("result = %+v, want only the alarm inside [now, now+interval)", res)
	}
}

func TestRunCycle_LookbackCatchesMissedAlarm(t *testing.T) {
	missed := dueAlarm(testNow.Add(-5 * time.Minute))
	store := newMockStore(missed)
	cfg := testConfig()
	cfg.Lookback = 10 * time.Minute
	loop := New(cfg, store, &mockSink{}).WithLogger(testutil.TestLogger(t))

	res, _ := loop.RunCycle(testutil.TestContext(t), testNow)
	if res.Sent != 1 {
		t.Errorf("result = %+v, want the missed alarm sent", res)
	}
}

func TestRunCycle_RetriesThenSucceeds(t *testing.T) {
	alarm := dueAlarm(testNow)
	store := newMockStore(alarm)
	sink := &mockSink{errs: []error{errors.New("connection refused"), errors.New("connection refused")}}
	metrics := &mockMetrics{}

	res, _ := newTestLoop(t, store, sink).WithMetrics(metrics).RunCycle(testutil.TestContext(t), testNow)

	if res.Sent != 1 {
		t.Errorf("result = %+v, want sent after retries", res)
	}
	if sink.getCalls() != 3 {
		t.Errorf("publish calls = %d, want 3", sink.getCalls())
	}
	if metrics.retries != 2 {
		t.Errorf("retries = %d, want 2", metrics.retries)
	}
}

func TestRunCycle_ExhaustedRetriesLeaveUnsent(t *testing.T) {
	alarm := dueAlarm(testNow)
	store := newMockStore(alarm)
	fail := errors.New("broker down")
	sink := &mockSink{errs: []error{fail, fail, fail}}
	breaker := &mockBreaker{}

	res, _ := newTestLoop(t, store, sink).WithBreaker(breaker).RunCycle(testutil.TestContext(t), testNow)

	if res.Failed != 1 || res.Sent != 0 {
		t.Errorf("result = %+v, want 1 failed", res)
	}
	if store.isSent(alarm.Occurrence.ID) || store.getMarkCalls() != 0 {
		t.Error("a failed publish must not mark the occurrence sent")
	}
	if breaker.failures != 1 {
		t.Errorf("breaker failures = %d, want 1", breaker.failures)
	}

	// The next cycle picks it up again.
	res, _ = newTestLoop(t, store, sink).RunCycle(testutil.TestContext(t), testNow)
	if res.Sent != 1 || !store.isSent(alarm.Occurrence.ID) {
		t.Errorf("second cycle result = %+v, want sent", res)
	}
}

func TestPublish_TransientSinkError(t *testing.T) {
	fail := errors.New("broker down")
	loop := newTestLoop(t, newMockStore(), &mockSink{errs: []error{fail, fail, fail}})

	err := loop.publish(testutil.TestContext(t), domain.ReminderDue{EventID: "e"})

	var sinkErr *domain.TransientSinkError
	if !errors.As(err, &sinkErr) {
		t.Fatalf("err = %v, want *TransientSinkError", err)
	}
	if sinkErr.Attempts != 3 || sinkErr.Sink != "mock" || !errors.Is(err, fail) {
		t.Errorf("sinkErr = %+v", sinkErr)
	}
}

func TestPublish_RejectedIsNotRetried(t *testing.T) {
	sink := &mockSink{errs: []error{ErrRejected}}
	loop := newTestLoop(t, newMockStore(), sink)

	err := loop.publish(testutil.TestContext(t), domain.ReminderDue{})

	var sinkErr *domain.TransientSinkError
	if !errors.As(err, &sinkErr) || sinkErr.Attempts != 1 {
		t.Errorf("err = %v, want one attempt", err)
	}
	if sink.getCalls() != 1 {
		t.Errorf("publish calls = %d, want 1", sink.getCalls())
	}
}

func TestPublish_AttemptTimeout(t *testing.T) {
	sink := &mockSink{block: make(chan struct{})}
	metrics := &mockMetrics{}
	cfg := testConfig()
	cfg.AttemptTimeout = 10 * time.Millisecond
	cfg.MaxAttempts = 2
	loop := New(cfg, newMockStore(), sink).WithMetrics(metrics)

	err := loop.publish(testutil.TestContext(t), domain.ReminderDue{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if len(metrics.attempts) != 2 || metrics.attempts[0] != StatusTimeout {
		t.Errorf("attempt classes = %v", metrics.attempts)
	}
}

func TestRunCycle_DuplicateMarkSent(t *testing.T) {
	alarm := dueAlarm(testNow)
	store := newMockStore(alarm)
	sink := &mockSink{}
	analytics := &mockAnalytics{}
	// Another worker flips the row while this one is publishing.
	sink.onCall = func() { _, _ = store.MarkSent(context.Background(), alarm.Occurrence.ID, testNow) }

	res, _ := newTestLoop(t, store, sink).WithAnalytics(analytics).RunCycle(testutil.TestContext(t), testNow)

	if res.Duplicate != 1 || res.Sent != 0 {
		t.Errorf("result = %+v, want 1 duplicate", res)
	}
	if len(analytics.events) != 0 {
		t.Error("duplicates must not be counted as sent")
	}
}

func TestRunCycle_MarkSentError(t *testing.T) {
	store := newMockStore(dueAlarm(testNow))
	store.markErr = errors.New("db gone")
	metrics := &mockMetrics{}

	res, _ := newTestLoop(t, store, &mockSink{}).WithMetrics(metrics).RunCycle(testutil.TestContext(t), testNow)

	if res.Failed != 1 {
		t.Errorf("result = %+v, want 1 failed", res)
	}
	if len(metrics.outcomes) != 1 || metrics.outcomes[0] != OutcomeMarkFailed {
		t.Errorf("outcomes = %v", metrics.outcomes)
	}
}

func TestRunCycle_CircuitOpenSkipsPublish(t *testing.T) {
	store := newMockStore(dueAlarm(testNow))
	sink := &mockSink{}

	res, _ := newTestLoop(t, store, sink).WithBreaker(&mockBreaker{open: true}).RunCycle(testutil.TestContext(t), testNow)

	if res.Failed != 1 || sink.getCalls() != 0 {
		t.Errorf("result = %+v, calls = %d; want no publish while open", res, sink.getCalls())
	}
}

func TestRunCycle_StoreError(t *testing.T) {
	store := newMockStore()
	store.dueErr = errors.New("db gone")
	loop := newTestLoop(t, store, &mockSink{})

	if _, err := loop.RunCycle(testutil.TestContext(t), testNow); !errors.Is(err, store.dueErr) {
		t.Errorf("err = %v, want wrapped store error", err)
	}
	if loop.State() != StateIdle {
		t.Errorf("state = %s, want IDLE", loop.State())
	}
}

func TestRunCycle_StateWhilePublishing(t *testing.T) {
	var seen State
	sink := &mockSink{}
	loop := newTestLoop(t, newMockStore(dueAlarm(testNow)), sink)
	sink.onCall = func() { seen = loop.State() }

	_, _ = loop.RunCycle(testutil.TestContext(t), testNow)

	if seen != StateDispatching {
		t.Errorf("state during publish = %s, want DISPATCHING", seen)
	}
}

func TestRunCycle_InFlightGuard(t *testing.T) {
	alarm := dueAlarm(testNow)
	store := newMockStore(alarm)
	sink := &mockSink{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	loop := newTestLoop(t, store, sink)
	ctx := testutil.TestContext(t)

	first := make(chan CycleResult, 1)
	go func() {
		res, _ := loop.RunCycle(ctx, testNow)
		first <- res
	}()
	<-sink.entered

	second, _ := loop.RunCycle(ctx, testNow)
	if second.Skipped != 1 || sink.getCalls() != 1 {
		t.Errorf("second cycle = %+v, calls = %d; want the in-flight alarm skipped", second, sink.getCalls())
	}

	close(sink.block)
	if res := <-first; res.Sent != 1 {
		t.Errorf("first cycle = %+v, want sent", res)
	}
}

func TestRun_FinishesCycleAfterCancel(t *testing.T) {
	alarm := dueAlarm(testNow)
	store := newMockStore(alarm)
	sink := &mockSink{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	loop := newTestLoop(t, store, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	<-sink.entered
	cancel()
	close(sink.block)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !store.isSent(alarm.Occurrence.ID) {
		t.Error("the in-flight reminder should complete after cancel")
	}
}

func TestRun_DrainTimeoutAbandonsCycle(t *testing.T) {
	alarm := dueAlarm(testNow)
	store := newMockStore(alarm)
	sink := &mockSink{block: make(chan struct{}), entered: make(chan struct{}, 3)}
	cfg := testConfig()
	cfg.AttemptTimeout = time.Minute
	cfg.DrainTimeout = 20 * time.Millisecond
	loop := New(cfg, store, sink).WithClock(func() time.Time { return testNow })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	<-sink.entered
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the drain timeout")
	}
	if store.isSent(alarm.Occurrence.ID) {
		t.Error("an abandoned reminder must stay unsent")
	}
}

func TestBackoff(t *testing.T) {
	loop := New(Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}, newMockStore(), &mockSink{})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 8 * time.Second},
		{6, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := loop.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestEventID(t *testing.T) {
	id := uuid.New()
	if EventID(id) != EventID(id) {
		t.Error("EventID must be deterministic")
	}
	if EventID(id) == EventID(uuid.New()) {
		t.Error("EventID must differ per occurrence")
	}
	if _, err := uuid.Parse(EventID(id)); err != nil {
		t.Errorf("EventID is not a uuid: %v", err)
	}
}

func TestNewReminderDue_Location(t *testing.T) {
	seoul := time.FixedZone("KST", 9*3600)
	alarm := dueAlarm(testNow)
	alarm.Occurrence.Time = testutil.MustTime("07:00")

	ev := NewReminderDue(alarm, seoul)

	want := time.Date(2024, time.June, 2, 7, 0, 0, 0, seoul).UTC()
	if !ev.OccursAt.Equal(want) {
		t.Errorf("OccursAt = %v, want %v", ev.OccursAt, want)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{StateIdle: "IDLE", StateScanning: "SCANNING", StateDispatching: "DISPATCHING", State(9): "State(9)"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int32(s), s.String(), want)
		}
	}
}
