package schedule

import (
	"context"

	"github.com/google/uuid"

	"github.com/djlord-it/carecal/internal/domain"
)

// Store persists schedules and their occurrences.
//
// GetSchedule and UpdateSchedule return an error matching
// domain.ErrScheduleNotFound when the id does not resolve to a live schedule.
type Store interface {
	CreateSchedule(ctx context.Context, s domain.Schedule, occurrences []domain.Occurrence) error
	GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	ListSchedules(ctx context.Context, q domain.ScheduleQuery) ([]domain.Schedule, error)

	// UpdateSchedule runs fn while holding an exclusive lock on the schedule.
	// Nothing fn applied is kept if fn returns an error.
	UpdateSchedule(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx Tx) error) error

	ListOccurrences(ctx context.Context, q domain.OccurrenceQuery) ([]domain.Occurrence, error)

	// AuditOccurrences returns every row of the schedule, soft-deleted ones
	// included. It resolves deleted schedules too.
	AuditOccurrences(ctx context.Context, scheduleID uuid.UUID) ([]domain.Occurrence, error)
}

// Tx is the locked view of one schedule inside UpdateSchedule.
type Tx interface {
	Schedule() domain.Schedule

	// Occurrences returns all rows of the schedule, soft-deleted ones included.
	Occurrences(ctx context.Context) ([]domain.Occurrence, error)

	// Apply writes the schedule and the diff. A diff that does not match the
	// stored rows fails with domain.ErrReconciliationConflict.
	Apply(ctx context.Context, s domain.Schedule, diff domain.Diff) error
}
