package domain

import (
	"time"

	"github.com/google/uuid"
)

// Slot is the natural key of an occurrence within its schedule.
type Slot struct {
	Date Date
	Time TimeOfDay
}

func (s Slot) Compare(o Slot) int {
	if c := s.Date.Compare(o.Date); c != 0 {
		return c
	}
	return cmpInt(int(s.Time), int(o.Time))
}

func (s Slot) String() string {
	return s.Date.String() + " " + s.Time.String()
}

// Occurrence is one materialized instance of a schedule.
type Occurrence struct {
	ID         uuid.UUID
	ScheduleID uuid.UUID

	Date Date
	Time TimeOfDay

	AlarmAt time.Time // UTC
	Sent    bool
	SentAt  *time.Time

	Deleted   bool
	DeletedAt *time.Time

	CreatedAt time.Time
}

func (o Occurrence) Slot() Slot {
	return Slot{Date: o.Date, Time: o.Time}
}

// DueAlarm is an occurrence whose alarm falls in a dispatch window, joined with its schedule.
type DueAlarm struct {
	Occurrence Occurrence
	Schedule   Schedule
}

// OccurrenceQuery selects live occurrences of a pet between From and To inclusive.
type OccurrenceQuery struct {
	PetID       int64
	OwnerUserID int64 // 0 = any owner
	From        Date
	To          Date
}

// AlarmChange rewrites the alarm instant of an existing occurrence.
type AlarmChange struct {
	ID      uuid.UUID
	AlarmAt time.Time
}

// Diff is the set of row changes that moves a schedule's occurrences to a
// fresh expansion. It is applied atomically by the store.
type Diff struct {
	At time.Time // timestamp written to deleted_at

	Insert  []Occurrence
	Delete  []uuid.UUID
	Revive  []AlarmChange
	Realarm []AlarmChange
}

func (d Diff) Empty() bool {
	return len(d.Insert) == 0 && len(d.Delete) == 0 && len(d.Revive) == 0 && len(d.Realarm) == 0
}
