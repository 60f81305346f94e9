package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// MaxDurationDays bounds Detail.DurationDays for medication schedules.
const MaxDurationDays = 365

// Detail carries the category-specific payload of a schedule.
type Detail struct {
	MedicationName string `json:"medication_name,omitempty"`
	Dosage         string `json:"dosage,omitempty"`
	Administration string `json:"administration,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
	DurationDays   int    `json:"duration_days,omitempty"`
	SourceText     string `json:"source_text,omitempty"` // raw OCR text the medication was read from
	Notes          string `json:"notes,omitempty"`
}

type Schedule struct {
	ID          uuid.UUID
	OwnerUserID int64
	PetID       int64

	Title  string
	Rule   Rule
	Detail Detail

	// MaterializedUntil is the last date the occurrences were expanded to.
	MaterializedUntil Date

	Deleted   bool
	DeletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s Schedule) Clone() Schedule {
	out := s
	out.Rule = s.Rule.Clone()
	if s.DeletedAt != nil {
		at := *s.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

// ScheduleQuery filters live schedules. Zero values match anything.
type ScheduleQuery struct {
	OwnerUserID int64
	PetID       int64
	Main        MainCategory
	Sub         SubCategory
}

func (q ScheduleQuery) Matches(s Schedule) bool {
	if s.Deleted {
		return false
	}
	if q.OwnerUserID != 0 && s.OwnerUserID != q.OwnerUserID {
		return false
	}
	if q.PetID != 0 && s.PetID != q.PetID {
		return false
	}
	if q.Main != "" && s.Rule.Main != q.Main {
		return false
	}
	if q.Sub != "" && s.Rule.Sub != q.Sub {
		return false
	}
	return true
}

// Patch is a partial update. Nil fields leave the schedule unchanged.
type Patch struct {
	Title     *string
	PetID     *int64
	Sub       *SubCategory
	Frequency *Frequency
	Times     []TimeOfDay // nil = unchanged, non-nil empty is rejected by validation

	ValidFrom       *Date
	ValidUntil      *Date
	ClearValidUntil bool

	LeadDays     *int
	AlarmEnabled *bool
	AllDay       *bool
	Detail       *Detail
}

// Apply returns s with every set field of p written over it.
func (p Patch) Apply(s Schedule) Schedule {
	out := s.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.PetID != nil {
		out.PetID = *p.PetID
	}
	if p.Sub != nil {
		out.Rule.Sub = *p.Sub
	}
	if p.Frequency != nil {
		out.Rule.Frequency = *p.Frequency
	}
	if p.Times != nil {
		out.Rule.Times = slices.Clone(p.Times)
	}
	if p.ValidFrom != nil {
		out.Rule.ValidFrom = *p.ValidFrom
	}
	if p.ClearValidUntil {
		out.Rule.ValidUntil = nil
	}
	if p.ValidUntil != nil {
		until := *p.ValidUntil
		out.Rule.ValidUntil = &until
	}
	if p.LeadDays != nil {
		out.Rule.LeadDays = *p.LeadDays
	}
	if p.AlarmEnabled != nil {
		out.Rule.AlarmEnabled = *p.AlarmEnabled
	}
	if p.AllDay != nil {
		out.Rule.AllDay = *p.AllDay
	}
	if p.Detail != nil {
		out.Detail = *p.Detail
	}
	return out
}
