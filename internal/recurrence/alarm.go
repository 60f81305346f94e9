package recurrence

import (
	"time"

	"github.com/djlord-it/carecal/internal/domain"
)

// OccursAt is the instant the slot takes place in loc.
func OccursAt(slot domain.Slot, loc *time.Location) time.Time {
	return slot.Date.At(slot.Time, loc)
}

// AlarmAt is LeadDays before the slot's date, at the slot's time of day.
// All-day rules ring at defaultAlarm instead. The result is in UTC.
func AlarmAt(slot domain.Slot, rule domain.Rule, loc *time.Location, defaultAlarm domain.TimeOfDay) time.Time {
	at := slot.Time
	if rule.AllDay {
		at = defaultAlarm
	}
	return slot.Date.AddDays(-rule.LeadDays).At(at, loc).UTC()
}

// EffectiveAlarm moves an alarm that is already in the past up to now, as
// long as the occurrence itself is still ahead. Alarms of past occurrences
// are kept as computed and never fall inside a future dispatch window.
func EffectiveAlarm(alarm, occursAt, now time.Time) time.Time {
	if alarm.Before(now) && !occursAt.Before(now) {
		return now.UTC()
	}
	return alarm
}
