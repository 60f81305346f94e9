// Package schedule owns the schedule lifecycle: create, patch with
// reconciliation, soft delete, and horizon extension of open-ended rules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/carecal/internal/domain"
	"github.com/djlord-it/carecal/internal/recurrence"
)

type Config struct {
	// DefaultAlarmTime is when all-day occurrences ring.
	DefaultAlarmTime domain.TimeOfDay

	// HorizonDays bounds how far ahead open-ended rules are materialized.
	HorizonDays int
}

// CreateInput is everything needed to create a schedule.
type CreateInput struct {
	OwnerUserID int64
	PetID       int64
	Title       string
	Rule        domain.Rule
	Detail      domain.Detail
}

type Service struct {
	config   Config
	store    Store
	expander *recurrence.Expander
	clock    func() time.Time
	log      zerolog.Logger
}

func New(config Config, store Store, expander *recurrence.Expander) *Service {
	return &Service{
		config:   config,
		store:    store,
		expander: expander,
		clock:    time.Now,
		log:      zerolog.Nop(),
	}
}

func (s *Service) WithLogger(log zerolog.Logger) *Service {
	s.log = log
	return s
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Create validates the input, expands the rule, and persists the schedule
// with all of its occurrences unsent.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Schedule, error) {
	now := s.clock().UTC()

	sched := domain.Schedule{
		ID:          uuid.New(),
		OwnerUserID: in.OwnerUserID,
		PetID:       in.PetID,
		Title:       strings.TrimSpace(in.Title),
		Rule:        in.Rule.Normalize(),
		Detail:      in.Detail,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	applyMedicationDuration(&sched, false)

	if err := validateSchedule(sched); err != nil {
		return domain.Schedule{}, err
	}

	sched.MaterializedUntil = s.horizonFor(sched.Rule, domain.Date{}, now)
	occurrences, err := s.materialize(sched, now)
	if err != nil {
		return domain.Schedule{}, err
	}

	if err := s.store.CreateSchedule(ctx, sched, occurrences); err != nil {
		return domain.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}

	s.log.Info().
		Str("schedule_id", sched.ID.String()).
		Int64("pet_id", sched.PetID).
		Str("category", string(sched.Rule.Sub)).
		Str("frequency", sched.Rule.Frequency.String()).
		Int("occurrences", len(occurrences)).
		Msg("schedule: created")
	return sched, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) List(ctx context.Context, q domain.ScheduleQuery) ([]domain.Schedule, error) {
	return s.store.ListSchedules(ctx, q)
}

// Patch applies a partial update and reconciles the stored occurrences
// against the new expansion in one store transaction.
func (s *Service) Patch(ctx context.Context, id uuid.UUID, p domain.Patch) (domain.Schedule, error) {
	return s.update(ctx, id, func(domain.Schedule) domain.Patch { return p })
}

// ToggleAlarm flips AlarmEnabled and returns the new value.
func (s *Service) ToggleAlarm(ctx context.Context, id uuid.UUID) (bool, error) {
	updated, err := s.update(ctx, id, func(cur domain.Schedule) domain.Patch {
		enabled := !cur.Rule.AlarmEnabled
		return domain.Patch{AlarmEnabled: &enabled}
	})
	if err != nil {
		return false, err
	}
	return updated.Rule.AlarmEnabled, nil
}

// update builds the patch from the locked current state, so read-modify-write
// callers such as ToggleAlarm cannot race each other.
func (s *Service) update(ctx context.Context, id uuid.UUID, build func(cur domain.Schedule) domain.Patch) (domain.Schedule, error) {
	var updated domain.Schedule

	err := s.store.UpdateSchedule(ctx, id, func(ctx context.Context, tx Tx) error {
		now := s.clock().UTC()
		cur := tx.Schedule()
		p := build(cur)

		next := p.Apply(cur)
		next.Title = strings.TrimSpace(next.Title)
		next.Rule = next.Rule.Normalize()
		applyMedicationDuration(&next, durationChanged(cur, p))

		if err := validateSchedule(next); err != nil {
			return err
		}

		prev := domain.Date{}
		if cur.Rule.OpenEnded() {
			prev = cur.MaterializedUntil
		}
		next.MaterializedUntil = s.horizonFor(next.Rule, prev, now)
		next.UpdatedAt = now

		diff, err := s.reconcile(ctx, tx, next, domain.AlarmInputsChanged(cur.Rule, next.Rule), now)
		if err != nil {
			return err
		}
		if err := tx.Apply(ctx, next, diff); err != nil {
			return err
		}

		s.log.Info().
			Str("schedule_id", id.String()).
			Int("inserted", len(diff.Insert)).
			Int("deleted", len(diff.Delete)).
			Int("revived", len(diff.Revive)).
			Int("realarmed", len(diff.Realarm)).
			Msg("schedule: patched")
		updated = next
		return nil
	})
	if err != nil {
		s.logConflict(id, err)
		return domain.Schedule{}, err
	}
	return updated, nil
}

// Delete soft-deletes the schedule and every live occurrence.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.store.UpdateSchedule(ctx, id, func(ctx context.Context, tx Tx) error {
		now := s.clock().UTC()

		rows, err := tx.Occurrences(ctx)
		if err != nil {
			return fmt.Errorf("load occurrences: %w", err)
		}

		next := tx.Schedule()
		next.Deleted = true
		next.DeletedAt = &now
		next.UpdatedAt = now

		diff := domain.Diff{At: now, Delete: liveIDs(rows)}
		if err := tx.Apply(ctx, next, diff); err != nil {
			return err
		}

		s.log.Info().
			Str("schedule_id", id.String()).
			Int("occurrences", len(diff.Delete)).
			Msg("schedule: deleted")
		return nil
	})
	if err != nil {
		s.logConflict(id, err)
	}
	return err
}

// ExtendHorizon re-expands an open-ended schedule up to today plus the
// configured horizon and returns how many occurrences were added.
// Bounded schedules are left alone.
func (s *Service) ExtendHorizon(ctx context.Context, id uuid.UUID) (int, error) {
	added := 0

	err := s.store.UpdateSchedule(ctx, id, func(ctx context.Context, tx Tx) error {
		now := s.clock().UTC()
		cur := tx.Schedule()
		if !cur.Rule.OpenEnded() {
			return nil
		}

		horizon := s.horizonFor(cur.Rule, cur.MaterializedUntil, now)
		if !horizon.After(cur.MaterializedUntil) {
			return nil
		}

		next := cur
		next.MaterializedUntil = horizon
		next.UpdatedAt = now

		diff, err := s.reconcile(ctx, tx, next, false, now)
		if err != nil {
			return err
		}
		if err := tx.Apply(ctx, next, diff); err != nil {
			return err
		}
		added = len(diff.Insert) + len(diff.Revive)
		return nil
	})
	if err != nil {
		s.logConflict(id, err)
		return 0, err
	}
	return added, nil
}

func (s *Service) ListOccurrences(ctx context.Context, q domain.OccurrenceQuery) ([]domain.Occurrence, error) {
	var errs domain.ValidationErrors
	if q.PetID <= 0 {
		errs.Add("pet_id", "must be positive")
	}
	if q.From.IsZero() || q.To.IsZero() {
		errs.Add("range", "from and to are required")
	} else if q.To.Before(q.From) {
		errs.Add("range", "to must not be before from")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return s.store.ListOccurrences(ctx, q)
}

func (s *Service) AuditOccurrences(ctx context.Context, scheduleID uuid.UUID) ([]domain.Occurrence, error) {
	return s.store.AuditOccurrences(ctx, scheduleID)
}

func (s *Service) reconcile(ctx context.Context, tx Tx, next domain.Schedule, realarm bool, now time.Time) (domain.Diff, error) {
	fresh, err := s.materialize(next, now)
	if err != nil {
		return domain.Diff{}, err
	}
	existing, err := tx.Occurrences(ctx)
	if err != nil {
		return domain.Diff{}, fmt.Errorf("load occurrences: %w", err)
	}

	diff := planReconcile(fresh, existing, realarm)
	diff.At = now
	return diff, nil
}

// materialize builds unsent occurrences for every slot up to MaterializedUntil.
func (s *Service) materialize(sched domain.Schedule, now time.Time) ([]domain.Occurrence, error) {
	slots, err := s.expander.Expand(sched.Rule, sched.MaterializedUntil)
	if err != nil {
		return nil, fmt.Errorf("expand schedule %s: %w", sched.ID, err)
	}

	loc := s.expander.Location()
	out := make([]domain.Occurrence, len(slots))
	for i, slot := range slots {
		alarm := recurrence.AlarmAt(slot, sched.Rule, loc, s.config.DefaultAlarmTime)
		out[i] = domain.Occurrence{
			ID:         uuid.New(),
			ScheduleID: sched.ID,
			Date:       slot.Date,
			Time:       slot.Time,
			AlarmAt:    recurrence.EffectiveAlarm(alarm, recurrence.OccursAt(slot, loc), now),
			CreatedAt:  now,
		}
	}
	return out, nil
}

// horizonFor is ValidUntil for bounded rules. Open-ended rules reach
// HorizonDays past today but never shrink below prev.
func (s *Service) horizonFor(rule domain.Rule, prev domain.Date, now time.Time) domain.Date {
	if rule.ValidUntil != nil {
		return *rule.ValidUntil
	}
	today := domain.DateOf(now.In(s.expander.Location()))
	horizon := today.AddDays(s.config.HorizonDays)
	if prev.After(horizon) {
		return prev
	}
	return horizon
}

func (s *Service) logConflict(id uuid.UUID, err error) {
	if errors.Is(err, domain.ErrReconciliationConflict) {
		s.log.Error().Err(err).Str("schedule_id", id.String()).Msg("schedule: reconciliation aborted")
	}
}

func validateSchedule(sched domain.Schedule) error {
	var errs domain.ValidationErrors
	if sched.OwnerUserID <= 0 {
		errs.Add("owner_user_id", "must be positive")
	}
	if sched.PetID <= 0 {
		errs.Add("pet_id", "must be positive")
	}
	if sched.Title == "" {
		errs.Add("title", "is required")
	}
	if d := sched.Detail.DurationDays; d < 0 || d > domain.MaxDurationDays {
		errs.Add("detail.duration_days", fmt.Sprintf("must be between 1 and %d", domain.MaxDurationDays))
	}
	errs.Merge("rule", sched.Rule.Validate())
	return errs.Err()
}

// applyMedicationDuration derives ValidUntil from DurationDays for
// medication schedules that do not carry an explicit end, or whose
// duration was just patched.
func applyMedicationDuration(sched *domain.Schedule, recompute bool) {
	days := sched.Detail.DurationDays
	if sched.Rule.Main != domain.MainMedication || days <= 0 || days > domain.MaxDurationDays {
		return
	}
	if sched.Rule.ValidUntil != nil && !recompute {
		return
	}
	until := sched.Rule.ValidFrom.AddDays(days - 1)
	sched.Rule.ValidUntil = &until
}

// durationChanged reports whether p changes the duration without also
// setting an explicit end date.
func durationChanged(cur domain.Schedule, p domain.Patch) bool {
	if p.Detail == nil || p.ValidUntil != nil {
		return false
	}
	return p.Detail.DurationDays != cur.Detail.DurationDays
}
