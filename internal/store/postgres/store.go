package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/carecal/internal/dispatcher"
	"github.com/djlord-it/carecal/internal/domain"
	"github.com/djlord-it/carecal/internal/reconciler"
	"github.com/djlord-it/carecal/internal/schedule"
)

//go:embed schema.sql
var schemaSQL string

// Store implements schedule.Store, dispatcher.Store and reconciler.Store using PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a store. A positive opTimeout bounds every call.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// CreateSchedule inserts the schedule and its occurrences in one transaction.
func (s *Store) CreateSchedule(ctx context.Context, sched domain.Schedule, occurrences []domain.Occurrence) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v, err := encodeSchedule(sched)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, queryInsertSchedule,
		sched.ID,
		sched.OwnerUserID,
		sched.PetID,
		sched.Title,
		string(sched.Rule.Main),
		string(sched.Rule.Sub),
		string(sched.Rule.Frequency.Kind),
		sched.Rule.Frequency.Months,
		v.times,
		sched.Rule.ValidFrom.String(),
		v.validUntil,
		sched.Rule.LeadDays,
		sched.Rule.AlarmEnabled,
		sched.Rule.AllDay,
		v.detail,
		sched.MaterializedUntil.String(),
		sched.Deleted,
		nullTime(sched.DeletedAt),
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrReconciliationConflict
		}
		return err
	}

	for _, o := range occurrences {
		if err := insertOccurrence(ctx, tx, o); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sched, err := scanSchedule(s.db.QueryRowContext(ctx, queryGetSchedule, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, &domain.NotFoundError{ScheduleID: id}
	}
	return sched, err
}

func (s *Store) ListSchedules(ctx context.Context, q domain.ScheduleQuery) ([]domain.Schedule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListSchedules, q.OwnerUserID, q.PetID, string(q.Main), string(q.Sub))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// OpenEndedSchedules returns live schedules without validUntil whose
// materialized horizon is before the given date, oldest horizon first.
func (s *Store) OpenEndedSchedules(ctx context.Context, before domain.Date, limit int) ([]domain.Schedule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryOpenEndedSchedules, before.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateSchedule locks the schedule row with SELECT ... FOR UPDATE and runs
// fn inside the same transaction. Any error rolls the whole unit back.
func (s *Store) UpdateSchedule(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx schedule.Tx) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sched, err := scanSchedule(tx.QueryRowContext(ctx, queryLockSchedule, id))
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{ScheduleID: id}
	}
	if err != nil {
		return fmt.Errorf("lock schedule: %w", err)
	}

	if err := fn(ctx, &lockedSchedule{tx: tx, sched: sched}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListOccurrences(ctx context.Context, q domain.OccurrenceQuery) ([]domain.Occurrence, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListOccurrences, q.PetID, q.OwnerUserID, q.From.String(), q.To.String())
	if err != nil {
		return nil, err
	}
	return collectOccurrences(rows)
}

func (s *Store) AuditOccurrences(ctx context.Context, scheduleID uuid.UUID) ([]domain.Occurrence, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists bool
	if err := s.db.QueryRowContext(ctx, queryScheduleExists, scheduleID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, &domain.NotFoundError{ScheduleID: scheduleID}
	}

	rows, err := s.db.QueryContext(ctx, queryScheduleOccurrences, scheduleID)
	if err != nil {
		return nil, err
	}
	return collectOccurrences(rows)
}

// DueAlarms is a single snapshot read of unsent alarms in [start, end).
func (s *Store) DueAlarms(ctx context.Context, start, end time.Time, limit int) ([]domain.DueAlarm, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryDueAlarms, start.UTC(), end.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DueAlarm
	for rows.Next() {
		var (
			due domain.DueAlarm
			o   occurrenceRaw
			sr  scheduleRaw
		)
		dest := append(o.dest(&due.Occurrence), sr.dest(&due.Schedule)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		o.finish(&due.Occurrence)
		if err := sr.finish(&due.Schedule); err != nil {
			return nil, err
		}
		result = append(result, due)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkSent flips sent from false to true and reports whether this call did it.
// Returns domain.ErrOccurrenceNotFound if the row does not exist.
func (s *Store) MarkSent(ctx context.Context, occurrenceID uuid.UUID, at time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryMarkSent, occurrenceID, at.UTC())
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rowsAffected == 1 {
		return true, nil
	}

	// Either the row is missing or another caller already flipped it.
	var exists bool
	if err := s.db.QueryRowContext(ctx, queryOccurrenceExists, occurrenceID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrOccurrenceNotFound
	}
	return false, nil
}

// lockedSchedule is the schedule.Tx handed to UpdateSchedule callbacks.
type lockedSchedule struct {
	tx    *sql.Tx
	sched domain.Schedule
}

func (l *lockedSchedule) Schedule() domain.Schedule {
	return l.sched.Clone()
}

func (l *lockedSchedule) Occurrences(ctx context.Context) ([]domain.Occurrence, error) {
	rows, err := l.tx.QueryContext(ctx, queryScheduleOccurrences, l.sched.ID)
	if err != nil {
		return nil, err
	}
	return collectOccurrences(rows)
}

// Apply writes the schedule row and the diff. Every guarded update must
// touch exactly one row; anything else means the diff was planned against
// different state and the transaction is abandoned.
func (l *lockedSchedule) Apply(ctx context.Context, sched domain.Schedule, diff domain.Diff) error {
	if sched.ID != l.sched.ID {
		return domain.ErrReconciliationConflict
	}

	v, err := encodeSchedule(sched)
	if err != nil {
		return err
	}
	_, err = l.tx.ExecContext(ctx, queryUpdateSchedule,
		sched.ID,
		sched.PetID,
		sched.Title,
		string(sched.Rule.Main),
		string(sched.Rule.Sub),
		string(sched.Rule.Frequency.Kind),
		sched.Rule.Frequency.Months,
		v.times,
		sched.Rule.ValidFrom.String(),
		v.validUntil,
		sched.Rule.LeadDays,
		sched.Rule.AlarmEnabled,
		sched.Rule.AllDay,
		v.detail,
		sched.MaterializedUntil.String(),
		sched.Deleted,
		nullTime(sched.DeletedAt),
		sched.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}

	at := diff.At.UTC()
	for _, id := range diff.Delete {
		if err := execOne(ctx, l.tx, querySoftDeleteOccurrence, id, sched.ID, at); err != nil {
			return err
		}
	}
	for _, c := range diff.Revive {
		if err := execOne(ctx, l.tx, queryReviveOccurrence, c.ID, sched.ID, c.AlarmAt.UTC()); err != nil {
			return err
		}
	}
	for _, c := range diff.Realarm {
		if err := execOne(ctx, l.tx, queryRealarmOccurrence, c.ID, sched.ID, c.AlarmAt.UTC()); err != nil {
			return err
		}
	}
	for _, o := range diff.Insert {
		if err := insertOccurrence(ctx, l.tx, o); err != nil {
			return err
		}
	}

	l.sched = sched.Clone()
	return nil
}

func execOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: expected 1 row, affected %d", domain.ErrReconciliationConflict, n)
	}
	return nil
}

func insertOccurrence(ctx context.Context, tx *sql.Tx, o domain.Occurrence) error {
	_, err := tx.ExecContext(ctx, queryInsertOccurrence,
		o.ID,
		o.ScheduleID,
		o.Date.String(),
		int(o.Time),
		o.AlarmAt.UTC(),
		o.Sent,
		nullTime(o.SentAt),
		o.Deleted,
		nullTime(o.DeletedAt),
		o.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: occurrence %s already exists", domain.ErrReconciliationConflict, o.Slot())
		}
		return err
	}
	return nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "23505") || strings.Contains(errStr, "duplicate key")
}

// Compile-time interface assertions
var (
	_ schedule.Store   = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
)
