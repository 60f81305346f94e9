package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ReminderEventType is the envelope type of a reminder-due event.
const ReminderEventType = "health.reminder.due"

type Category struct {
	Main MainCategory `json:"main"`
	Sub  SubCategory  `json:"sub"`
}

// ReminderDue is emitted once an occurrence's alarm instant is reached.
type ReminderDue struct {
	EventID      string // derived from the occurrence, stable across redeliveries
	ScheduleID   uuid.UUID
	OccurrenceID uuid.UUID

	OccurrenceDate Date
	OccurrenceTime TimeOfDay

	OwnerUserID int64
	PetID       int64
	Category    Category
	Title       string
	Detail      Detail

	AlarmAt  time.Time
	OccursAt time.Time
}

// Envelope is the wire shape shared by every external sink.
type Envelope struct {
	EventID    string         `json:"eventId"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	Actor      EnvelopeActor  `json:"actor"`
	Target     EnvelopeTarget `json:"target"`
	Attributes map[string]any `json:"attributes"`
}

type EnvelopeActor struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type EnvelopeTarget struct {
	UserID       string `json:"userId"`
	ResourceID   string `json:"resourceId"`
	ResourceType string `json:"resourceType"`
}

// Envelope wraps the reminder for delivery. emittedAt is the publish time.
func (r ReminderDue) Envelope(emittedAt time.Time) Envelope {
	attrs := map[string]any{
		"scheduleId":     r.ScheduleID.String(),
		"occurrenceId":   r.OccurrenceID.String(),
		"petId":          r.PetID,
		"title":          r.Title,
		"mainType":       string(r.Category.Main),
		"subType":        string(r.Category.Sub),
		"occurrenceDate": r.OccurrenceDate.String(),
		"occurrenceTime": r.OccurrenceTime.String(),
		"alarmAt":        r.AlarmAt.UTC(),
		"occursAt":       r.OccursAt.UTC(),
	}
	if r.Category.Main == MainMedication {
		attrs["medicationName"] = r.Detail.MedicationName
		attrs["dosage"] = r.Detail.Dosage
		attrs["administration"] = r.Detail.Administration
		if r.Detail.DurationDays > 0 {
			attrs["durationDays"] = r.Detail.DurationDays
		}
	}
	if r.Detail.Notes != "" {
		attrs["notes"] = r.Detail.Notes
	}

	return Envelope{
		EventID:    r.EventID,
		Type:       ReminderEventType,
		OccurredAt: emittedAt.UTC(),
		Actor:      EnvelopeActor{ID: r.OwnerUserID, Name: "User"},
		Target: EnvelopeTarget{
			UserID:       strconv.FormatInt(r.OwnerUserID, 10),
			ResourceID:   r.ScheduleID.String(),
			ResourceType: "SCHEDULE",
		},
		Attributes: attrs,
	}
}
