package reconciler

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

// mockStore returns configurable lagging schedules.
type mockStore struct {
	mu         sync.Mutex
	schedules  []domain.Schedule
	err        error
	lastBefore domain.Date
}

func (s *mockStore) OpenEndedSchedules(ctx context.Context, before domain.Date, limit int) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBefore = before
	if s.err != nil {
		return nil, s.err
	}
	var result []domain.Schedule
	for _, sched := range s.schedules {
		if sched.MaterializedUntil.Before(before) {
			result = append(result, sched)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// mockExtender records extended ids and returns per-id errors.
type mockExtender struct {
	mu       sync.Mutex
	extended []uuid.UUID
	errs     map[uuid.UUID]error
	added    int
}

func (e *mockExtender) ExtendHorizon(ctx context.Context, id uuid.UUID) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[id]; err != nil {
		return 0, err
	}
	e.extended = append(e.extended, id)
	return e.added, nil
}

func (e *mockExtender) getExtended() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]uuid.UUID, len(e.extended))
	copy(result, e.extended)
	return result
}

type mockMetrics struct {
	runs                    int
	extended, added, failed int
}

func (m *mockMetrics) HorizonRunCompleted(d time.Duration, extended, added, failed int) {
	m.runs++
	m.extended, m.added, m.failed = extended, added, failed
}

var now = testutil.UTC(2024, time.March, 1, 3, 0)

func lagging(until string) domain.Schedule {
	return domain.Schedule{ID: uuid.New(), MaterializedUntil: testutil.MustDate(until)}
}

func newTestReconciler(t *testing.T, store Store, ext Extender, batch int) *Reconciler {
	return New(Config{HorizonDays: 30, BatchSize: batch, Location: time.UTC}, store, ext).
		WithLogger(testutil.TestLogger(t)).
		WithClock(func() time.Time { return now })
}

func TestRunOnce_ExtendsLaggingSchedules(t *testing.T) {
	behind := lagging("2024-03-10")
	ahead := lagging("2024-04-15")
	store := &mockStore{schedules: []domain.Schedule{behind, ahead}}
	ext := &mockExtender{added: 4}
	metrics := &mockMetrics{}

	res, err := newTestReconciler(t, store, ext, 100).WithMetrics(metrics).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if store.lastBefore != testutil.MustDate("2024-03-31") {
		t.Errorf("before = %s, want today plus 30 days", store.lastBefore)
	}
	got := ext.getExtended()
	if len(got) != 1 || got[0] != behind.ID {
		t.Fatalf("extended %v, want only the lagging schedule", got)
	}
	if res != (Result{Scanned: 1, Extended: 1, Added: 4}) {
		t.Errorf("result = %+v", res)
	}
	if metrics.runs != 1 || metrics.added != 4 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestRunOnce_TodayInLocation(t *testing.T) {
	store := &mockStore{}
	// 2024-03-01 03:00 UTC is still 2024-02-29 in Sao Paulo.
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	r := New(Config{HorizonDays: 1, Location: loc}, store, &mockExtender{}).WithClock(func() time.Time { return now })

	_, _ = r.RunOnce(context.Background())

	if store.lastBefore != testutil.MustDate("2024-03-01") {
		t.Errorf("before = %s, want 2024-03-01", store.lastBefore)
	}
}

func TestRunOnce_BatchSizeRespected(t *testing.T) {
	store := &mockStore{}
	for i := 0; i < 10; i++ {
		store.schedules = append(store.schedules, lagging("2024-03-02"))
	}
	ext := &mockExtender{}

	res, _ := newTestReconciler(t, store, ext, 5).RunOnce(context.Background())

	if len(ext.getExtended()) != 5 || res.Extended != 5 {
		t.Errorf("extended %d, want exactly 5 (batch size)", len(ext.getExtended()))
	}
}

func TestRunOnce_StoreErrorReturned(t *testing.T) {
	boom := errors.New("database connection failed")
	ext := &mockExtender{}

	_, err := newTestReconciler(t, &mockStore{err: boom}, ext, 100).RunOnce(context.Background())

	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped store error", err)
	}
	if len(ext.getExtended()) != 0 {
		t.Error("nothing should be extended when the scan fails")
	}
}

func TestRunOnce_ExtendErrorContinues(t *testing.T) {
	a, b, c := lagging("2024-03-02"), lagging("2024-03-02"), lagging("2024-03-02")
	store := &mockStore{schedules: []domain.Schedule{a, b, c}}
	ext := &mockExtender{errs: map[uuid.UUID]error{
		a.ID: errors.New("conflict"),
		b.ID: &domain.NotFoundError{ScheduleID: b.ID},
	}}

	res, err := newTestReconciler(t, store, ext, 100).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if got := ext.getExtended(); len(got) != 1 || got[0] != c.ID {
		t.Errorf("extended %v, want only %s", got, c.ID)
	}
	if res.Failed != 1 || res.Extended != 1 {
		t.Errorf("result = %+v, want 1 failed (deleted schedules are skipped)", res)
	}
}

func TestRunOnce_StopsOnCancelledContext(t *testing.T) {
	store := &mockStore{schedules: []domain.Schedule{lagging("2024-03-02"), lagging("2024-03-02")}}
	ext := &mockExtender{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _ = newTestReconciler(t, store, ext, 100).RunOnce(ctx)

	if len(ext.getExtended()) != 0 {
		t.Error("a cancelled run should not extend anything")
	}
}

type fixedSchedule struct{ next time.Time }

func (s fixedSchedule) Next(after time.Time) time.Time { return s.next }

func TestUntilNext(t *testing.T) {
	tests := []struct {
		name  string
		sched Schedule
		want  time.Duration
	}{
		{"interval fallback", nil, 2 * time.Hour},
		{"cron next", fixedSchedule{now.Add(90 * time.Minute)}, 90 * time.Minute},
		{"never fires", fixedSchedule{}, 2 * time.Hour},
		{"in the past", fixedSchedule{now.Add(-time.Minute)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(Config{Schedule: tt.sched, Interval: 2 * time.Hour}, &mockStore{}, &mockExtender{}).
				WithClock(func() time.Time { return now })
			if got := r.untilNext(); got != tt.want {
				t.Errorf("untilNext() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := &mockStore{schedules: []domain.Schedule{lagging("2024-03-02")}}
	ext := &mockExtender{}
	r := newTestReconciler(t, store, ext, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(ext.getExtended()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Run did not perform its startup pass")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
