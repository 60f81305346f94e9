package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/carecal/internal/domain"
)

type CreateScheduleRequest struct {
	PetID        int64    `json:"pet_id" validate:"required,gt=0"`
	Title        string   `json:"title" validate:"required,max=200"`
	MainCategory string   `json:"main_category" validate:"required,oneof=MEDICATION VACCINATION CARE"`
	SubCategory  string   `json:"sub_category" validate:"required"`
	Frequency    string   `json:"frequency" validate:"required"` // e.g. "WEEKLY" or "CUSTOM_INTERVAL(6)"
	Times        []string `json:"times" validate:"max=24,dive,datetime=15:04"`
	ValidFrom    string   `json:"valid_from" validate:"required,datetime=2006-01-02"`
	ValidUntil   *string  `json:"valid_until,omitempty" validate:"omitempty,datetime=2006-01-02"`

	ReminderDaysBefore int   `json:"reminder_days_before" validate:"min=0,max=3"`
	AlarmEnabled       *bool `json:"alarm_enabled,omitempty"` // default true
	AllDay             bool  `json:"all_day"`

	Detail *DetailRequest `json:"detail,omitempty"`
}

// PatchScheduleRequest is a partial update; omitted fields are unchanged.
type PatchScheduleRequest struct {
	PetID       *int64   `json:"pet_id,omitempty" validate:"omitempty,gt=0"`
	Title       *string  `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	SubCategory *string  `json:"sub_category,omitempty" validate:"omitempty,min=1"`
	Frequency   *string  `json:"frequency,omitempty" validate:"omitempty,min=1"`
	Times       []string `json:"times,omitempty" validate:"omitempty,max=24,dive,datetime=15:04"`
	ValidFrom   *string  `json:"valid_from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ValidUntil  *string  `json:"valid_until,omitempty" validate:"omitempty,datetime=2006-01-02"`

	// ClearValidUntil makes the schedule open-ended. Ignored when ValidUntil is set.
	ClearValidUntil bool `json:"clear_valid_until,omitempty"`

	ReminderDaysBefore *int  `json:"reminder_days_before,omitempty" validate:"omitempty,min=0,max=3"`
	AlarmEnabled       *bool `json:"alarm_enabled,omitempty"`
	AllDay             *bool `json:"all_day,omitempty"`

	Detail *DetailRequest `json:"detail,omitempty"`
}

type DetailRequest struct {
	MedicationName string `json:"medication_name,omitempty" validate:"max=200"`
	Dosage         string `json:"dosage,omitempty" validate:"max=100"`
	Administration string `json:"administration,omitempty" validate:"max=100"`
	Instructions   string `json:"instructions,omitempty" validate:"max=2000"`
	DurationDays   int    `json:"duration_days,omitempty" validate:"omitempty,min=1,max=365"`
	SourceText     string `json:"source_text,omitempty" validate:"max=10000"`
	Notes          string `json:"notes,omitempty" validate:"max=2000"`
}

type ScheduleResponse struct {
	ID                 string             `json:"id"`
	OwnerUserID        int64              `json:"owner_user_id"`
	PetID              int64              `json:"pet_id"`
	Title              string             `json:"title"`
	MainCategory       string             `json:"main_category"`
	SubCategory        string             `json:"sub_category"`
	Frequency          string             `json:"frequency"`
	Times              []domain.TimeOfDay `json:"times"`
	ValidFrom          domain.Date        `json:"valid_from"`
	ValidUntil         *domain.Date       `json:"valid_until"`
	ReminderDaysBefore int                `json:"reminder_days_before"`
	AlarmEnabled       bool               `json:"alarm_enabled"`
	AllDay             bool               `json:"all_day"`
	Detail             domain.Detail      `json:"detail"`
	MaterializedUntil  domain.Date        `json:"materialized_until"`
	CreatedAt          string             `json:"created_at"`
	UpdatedAt          string             `json:"updated_at"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

type OccurrenceResponse struct {
	ID         string           `json:"id"`
	ScheduleID string           `json:"schedule_id"`
	Date       domain.Date      `json:"date"`
	Time       domain.TimeOfDay `json:"time"`
	AlarmAt    string           `json:"alarm_at"`
	Sent       bool             `json:"sent"`
	SentAt     string           `json:"sent_at,omitempty"`
	Deleted    bool             `json:"deleted,omitempty"`
	DeletedAt  string           `json:"deleted_at,omitempty"`
}

type ListOccurrencesResponse struct {
	Occurrences []OccurrenceResponse `json:"occurrences"`
}

type AlarmResponse struct {
	ID           string `json:"id"`
	AlarmEnabled bool   `json:"alarm_enabled"`
}

type MetaResponse struct {
	Categories         []domain.CategoryInfo  `json:"categories"`
	Frequencies        []domain.FrequencyKind `json:"frequencies"`
	MaxReminderDays    int                    `json:"max_reminder_days_before"`
	MaxDurationDays    int                    `json:"max_duration_days"`
	CustomIntervalForm string                 `json:"custom_interval_format"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error  string       `json:"error"`
	Fields []FieldError `json:"fields,omitempty"`
}

func newScheduleResponse(s domain.Schedule) ScheduleResponse {
	times := s.Rule.Times
	if times == nil {
		times = []domain.TimeOfDay{}
	}
	return ScheduleResponse{
		ID:                 s.ID.String(),
		OwnerUserID:        s.OwnerUserID,
		PetID:              s.PetID,
		Title:              s.Title,
		MainCategory:       string(s.Rule.Main),
		SubCategory:        string(s.Rule.Sub),
		Frequency:          s.Rule.Frequency.String(),
		Times:              times,
		ValidFrom:          s.Rule.ValidFrom,
		ValidUntil:         s.Rule.ValidUntil,
		ReminderDaysBefore: s.Rule.LeadDays,
		AlarmEnabled:       s.Rule.AlarmEnabled,
		AllDay:             s.Rule.AllDay,
		Detail:             s.Detail,
		MaterializedUntil:  s.MaterializedUntil,
		CreatedAt:          formatTime(s.CreatedAt),
		UpdatedAt:          formatTime(s.UpdatedAt),
	}
}

func newOccurrenceResponse(o domain.Occurrence) OccurrenceResponse {
	return OccurrenceResponse{
		ID:         o.ID.String(),
		ScheduleID: o.ScheduleID.String(),
		Date:       o.Date,
		Time:       o.Time,
		AlarmAt:    formatTime(o.AlarmAt),
		Sent:       o.Sent,
		SentAt:     formatTimePtr(o.SentAt),
		Deleted:    o.Deleted,
		DeletedAt:  formatTimePtr(o.DeletedAt),
	}
}

func newOccurrenceList(occs []domain.Occurrence) ListOccurrencesResponse {
	resp := ListOccurrencesResponse{Occurrences: make([]OccurrenceResponse, len(occs))}
	for i, o := range occs {
		resp.Occurrences[i] = newOccurrenceResponse(o)
	}
	return resp
}

func newAlarmResponse(id uuid.UUID, enabled bool) AlarmResponse {
	return AlarmResponse{ID: id.String(), AlarmEnabled: enabled}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
