package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/carecal/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// scheduleValues holds the columns that need encoding before they are written.
type scheduleValues struct {
	times      any
	validUntil sql.NullString
	detail     string
}

func encodeSchedule(s domain.Schedule) (scheduleValues, error) {
	times := make([]int64, len(s.Rule.Times))
	for i, t := range s.Rule.Times {
		times[i] = int64(t)
	}

	detail, err := json.Marshal(s.Detail)
	if err != nil {
		return scheduleValues{}, fmt.Errorf("encode detail: %w", err)
	}

	v := scheduleValues{times: pq.Array(times), detail: string(detail)}
	if s.Rule.ValidUntil != nil {
		v.validUntil = sql.NullString{String: s.Rule.ValidUntil.String(), Valid: true}
	}
	return v, nil
}

// scheduleRaw receives the columns of scheduleColumns that need decoding.
type scheduleRaw struct {
	main, sub, kind string
	times           pq.Int64Array
	validFrom       time.Time
	validUntil      sql.NullTime
	detail          []byte
	materialized    time.Time
	deletedAt       sql.NullTime
}

func (r *scheduleRaw) dest(s *domain.Schedule) []any {
	return []any{
		&s.ID,
		&s.OwnerUserID,
		&s.PetID,
		&s.Title,
		&r.main,
		&r.sub,
		&r.kind,
		&s.Rule.Frequency.Months,
		&r.times,
		&r.validFrom,
		&r.validUntil,
		&s.Rule.LeadDays,
		&s.Rule.AlarmEnabled,
		&s.Rule.AllDay,
		&r.detail,
		&r.materialized,
		&s.Deleted,
		&r.deletedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	}
}

func (r *scheduleRaw) finish(s *domain.Schedule) error {
	s.Rule.Main = domain.MainCategory(r.main)
	s.Rule.Sub = domain.SubCategory(r.sub)
	s.Rule.Frequency.Kind = domain.FrequencyKind(r.kind)

	s.Rule.Times = make([]domain.TimeOfDay, len(r.times))
	for i, m := range r.times {
		s.Rule.Times[i] = domain.TimeOfDay(m)
	}

	s.Rule.ValidFrom = domain.DateOf(r.validFrom)
	if r.validUntil.Valid {
		until := domain.DateOf(r.validUntil.Time)
		s.Rule.ValidUntil = &until
	}
	s.MaterializedUntil = domain.DateOf(r.materialized)
	s.DeletedAt = timePtr(r.deletedAt)

	if len(r.detail) > 0 {
		if err := json.Unmarshal(r.detail, &s.Detail); err != nil {
			return fmt.Errorf("decode detail of schedule %s: %w", s.ID, err)
		}
	}
	return nil
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		s   domain.Schedule
		raw scheduleRaw
	)
	if err := row.Scan(raw.dest(&s)...); err != nil {
		return domain.Schedule{}, err
	}
	if err := raw.finish(&s); err != nil {
		return domain.Schedule{}, err
	}
	return s, nil
}

type occurrenceRaw struct {
	date      time.Time
	minute    int
	sentAt    sql.NullTime
	deletedAt sql.NullTime
}

func (r *occurrenceRaw) dest(o *domain.Occurrence) []any {
	return []any{
		&o.ID,
		&o.ScheduleID,
		&r.date,
		&r.minute,
		&o.AlarmAt,
		&o.Sent,
		&r.sentAt,
		&o.Deleted,
		&r.deletedAt,
		&o.CreatedAt,
	}
}

func (r *occurrenceRaw) finish(o *domain.Occurrence) {
	o.Date = domain.DateOf(r.date)
	o.Time = domain.TimeOfDay(r.minute)
	o.AlarmAt = o.AlarmAt.UTC()
	o.SentAt = timePtr(r.sentAt)
	o.DeletedAt = timePtr(r.deletedAt)
}

func collectOccurrences(rows *sql.Rows) ([]domain.Occurrence, error) {
	defer rows.Close()

	var result []domain.Occurrence
	for rows.Next() {
		var (
			o   domain.Occurrence
			raw occurrenceRaw
		)
		if err := rows.Scan(raw.dest(&o)...); err != nil {
			return nil, err
		}
		raw.finish(&o)
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
