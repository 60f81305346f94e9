// Package memory is an in-process store for development and tests.
// Schedule mutations take the write lock for their whole unit of work;
// window queries take the read lock and return copies.
package memory

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/carecal/internal/domain"
	"github.com/djlord-it/carecal/internal/schedule"
)

type occurrenceKey struct {
	scheduleID uuid.UUID
	slot       domain.Slot
}

type Store struct {
	mu sync.RWMutex

	schedules   map[uuid.UUID]domain.Schedule
	occurrences map[uuid.UUID]domain.Occurrence
	byKey       map[occurrenceKey]uuid.UUID
	bySchedule  map[uuid.UUID][]uuid.UUID
}

func New() *Store {
	return &Store{
		schedules:   make(map[uuid.UUID]domain.Schedule),
		occurrences: make(map[uuid.UUID]domain.Occurrence),
		byKey:       make(map[occurrenceKey]uuid.UUID),
		bySchedule:  make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *Store) CreateSchedule(ctx context.Context, sched domain.Schedule, occurrences []domain.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sched.ID]; exists {
		return domain.ErrReconciliationConflict
	}
	seen := make(map[domain.Slot]struct{}, len(occurrences))
	for _, o := range occurrences {
		if _, dup := seen[o.Slot()]; dup || o.ScheduleID != sched.ID {
			return domain.ErrReconciliationConflict
		}
		seen[o.Slot()] = struct{}{}
	}

	s.schedules[sched.ID] = sched.Clone()
	for _, o := range occurrences {
		s.insert(o)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[id]
	if !ok || sched.Deleted {
		return domain.Schedule{}, &domain.NotFoundError{ScheduleID: id}
	}
	return sched.Clone(), nil
}

func (s *Store) ListSchedules(ctx context.Context, q domain.ScheduleQuery) ([]domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Schedule
	for _, sched := range s.schedules {
		if q.Matches(sched) {
			out = append(out, sched.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Schedule) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx schedule.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok || sched.Deleted {
		return &domain.NotFoundError{ScheduleID: id}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t := &tx{store: s, sched: sched.Clone()}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if t.staged != nil {
		s.commit(t.sched.ID, t.staged.sched, t.staged.diff)
	}
	return nil
}

func (s *Store) ListOccurrences(ctx context.Context, q domain.OccurrenceQuery) ([]domain.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Occurrence
	for id, sched := range s.schedules {
		if sched.Deleted || sched.PetID != q.PetID {
			continue
		}
		if q.OwnerUserID != 0 && sched.OwnerUserID != q.OwnerUserID {
			continue
		}
		for _, oid := range s.bySchedule[id] {
			o := s.occurrences[oid]
			if o.Deleted || o.Date.Before(q.From) || o.Date.After(q.To) {
				continue
			}
			out = append(out, cloneOccurrence(o))
		}
	}
	slices.SortFunc(out, func(a, b domain.Occurrence) int {
		if c := a.Slot().Compare(b.Slot()); c != 0 {
			return c
		}
		return compareUUID(a.ScheduleID, b.ScheduleID)
	})
	return out, nil
}

func (s *Store) AuditOccurrences(ctx context.Context, scheduleID uuid.UUID) ([]domain.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.schedules[scheduleID]; !ok {
		return nil, &domain.NotFoundError{ScheduleID: scheduleID}
	}
	return s.rowsOf(scheduleID), nil
}

// DueAlarms returns unsent live occurrences of live, alarm-enabled
// schedules with start <= AlarmAt < end.
func (s *Store) DueAlarms(ctx context.Context, start, end time.Time, limit int) ([]domain.DueAlarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.DueAlarm
	for _, o := range s.occurrences {
		if o.Deleted || o.Sent || o.AlarmAt.Before(start) || !o.AlarmAt.Before(end) {
			continue
		}
		sched := s.schedules[o.ScheduleID]
		if sched.Deleted || !sched.Rule.AlarmEnabled {
			continue
		}
		out = append(out, domain.DueAlarm{Occurrence: cloneOccurrence(o), Schedule: sched.Clone()})
	}

	slices.SortFunc(out, func(a, b domain.DueAlarm) int {
		if c := a.Occurrence.AlarmAt.Compare(b.Occurrence.AlarmAt); c != 0 {
			return c
		}
		if c := compareUUID(a.Schedule.ID, b.Schedule.ID); c != 0 {
			return c
		}
		return a.Occurrence.Slot().Compare(b.Occurrence.Slot())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSent flips sent from false to true. It reports false when the row was
// already sent.
func (s *Store) MarkSent(ctx context.Context, occurrenceID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.occurrences[occurrenceID]
	if !ok {
		return false, domain.ErrOccurrenceNotFound
	}
	if o.Sent {
		return false, nil
	}
	sentAt := at.UTC()
	o.Sent = true
	o.SentAt = &sentAt
	s.occurrences[occurrenceID] = o
	return true, nil
}

// OpenEndedSchedules lists live schedules without validUntil that are
// materialized to a date before the given one.
func (s *Store) OpenEndedSchedules(ctx context.Context, before domain.Date, limit int) ([]domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Schedule
	for _, sched := range s.schedules {
		if sched.Deleted || !sched.Rule.OpenEnded() || !sched.MaterializedUntil.Before(before) {
			continue
		}
		out = append(out, sched.Clone())
	}
	slices.SortFunc(out, func(a, b domain.Schedule) int {
		if c := a.MaterializedUntil.Compare(b.MaterializedUntil); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) rowsOf(scheduleID uuid.UUID) []domain.Occurrence {
	ids := s.bySchedule[scheduleID]
	out := make([]domain.Occurrence, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneOccurrence(s.occurrences[id]))
	}
	slices.SortFunc(out, func(a, b domain.Occurrence) int {
		return a.Slot().Compare(b.Slot())
	})
	return out
}

func (s *Store) insert(o domain.Occurrence) {
	s.occurrences[o.ID] = cloneOccurrence(o)
	s.byKey[occurrenceKey{scheduleID: o.ScheduleID, slot: o.Slot()}] = o.ID
	s.bySchedule[o.ScheduleID] = append(s.bySchedule[o.ScheduleID], o.ID)
}

// tx is only used while the store's write lock is held. Apply stages the
// write; UpdateSchedule commits it once fn returns nil.
type tx struct {
	store  *Store
	sched  domain.Schedule
	staged *staged
}

type staged struct {
	sched domain.Schedule
	diff  domain.Diff
}

func (t *tx) Schedule() domain.Schedule {
	return t.sched.Clone()
}

func (t *tx) Occurrences(ctx context.Context) ([]domain.Occurrence, error) {
	return t.store.rowsOf(t.sched.ID), nil
}

// Apply checks the whole diff against the stored rows and stages it.
func (t *tx) Apply(ctx context.Context, sched domain.Schedule, diff domain.Diff) error {
	s := t.store
	id := t.sched.ID
	if sched.ID != id || t.staged != nil {
		return domain.ErrReconciliationConflict
	}

	owned := func(oid uuid.UUID, deleted bool) bool {
		o, ok := s.occurrences[oid]
		return ok && o.ScheduleID == id && o.Deleted == deleted
	}

	inserting := make(map[domain.Slot]struct{}, len(diff.Insert))
	for _, o := range diff.Insert {
		key := occurrenceKey{scheduleID: id, slot: o.Slot()}
		_, taken := s.byKey[key]
		_, dup := inserting[o.Slot()]
		if taken || dup || o.ScheduleID != id {
			return domain.ErrReconciliationConflict
		}
		inserting[o.Slot()] = struct{}{}
	}
	for _, oid := range diff.Delete {
		if !owned(oid, false) {
			return domain.ErrReconciliationConflict
		}
	}
	for _, c := range diff.Revive {
		if !owned(c.ID, true) {
			return domain.ErrReconciliationConflict
		}
	}
	for _, c := range diff.Realarm {
		if !owned(c.ID, false) {
			return domain.ErrReconciliationConflict
		}
	}

	t.staged = &staged{sched: sched.Clone(), diff: diff}
	return nil
}

func (s *Store) commit(id uuid.UUID, sched domain.Schedule, diff domain.Diff) {
	deletedAt := diff.At.UTC()
	for _, oid := range diff.Delete {
		o := s.occurrences[oid]
		o.Deleted = true
		o.DeletedAt = &deletedAt
		s.occurrences[oid] = o
	}
	for _, c := range diff.Revive {
		o := s.occurrences[c.ID]
		o.Deleted = false
		o.DeletedAt = nil
		o.AlarmAt = c.AlarmAt
		s.occurrences[c.ID] = o
	}
	for _, c := range diff.Realarm {
		o := s.occurrences[c.ID]
		o.AlarmAt = c.AlarmAt
		s.occurrences[c.ID] = o
	}
	for _, o := range diff.Insert {
		s.insert(o)
	}

	s.schedules[id] = sched
}

func cloneOccurrence(o domain.Occurrence) domain.Occurrence {
	out := o
	if o.SentAt != nil {
		at := *o.SentAt
		out.SentAt = &at
	}
	if o.DeletedAt != nil {
		at := *o.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

func compareUUID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
