package domain

import (
	"fmt"
	"slices"
)

// MaxLeadDays is the largest number of days an alarm may precede its occurrence.
const MaxLeadDays = 3

// Rule describes when a schedule recurs. Treat it as a value: Normalize
// returns a copy and nothing mutates a Rule in place.
type Rule struct {
	Main         MainCategory `json:"main_category"`
	Sub          SubCategory  `json:"sub_category"`
	Frequency    Frequency    `json:"frequency"`
	Times        []TimeOfDay  `json:"times"`
	ValidFrom    Date         `json:"valid_from"`
	ValidUntil   *Date        `json:"valid_until,omitempty"`
	LeadDays     int          `json:"reminder_days_before"`
	AlarmEnabled bool         `json:"alarm_enabled"`
	AllDay       bool         `json:"all_day"`
}

// Normalize sorts and deduplicates Times. All-day rules collapse to a single 00:00 slot.
func (r Rule) Normalize() Rule {
	out := r.Clone()
	if out.AllDay {
		out.Times = []TimeOfDay{0}
		return out
	}
	slices.Sort(out.Times)
	out.Times = slices.Compact(out.Times)
	return out
}

// Clone returns a copy that shares no memory with r.
func (r Rule) Clone() Rule {
	out := r
	if r.Times != nil {
		out.Times = slices.Clone(r.Times)
	}
	if r.ValidUntil != nil {
		until := *r.ValidUntil
		out.ValidUntil = &until
	}
	return out
}

// OpenEnded reports whether the rule has no validUntil.
func (r Rule) OpenEnded() bool {
	return r.ValidUntil == nil
}

// Validate returns ValidationErrors listing every violation, or nil.
func (r Rule) Validate() error {
	var errs ValidationErrors

	switch {
	case r.Main == "":
		errs.Add("main_category", "is required")
	case !r.Main.Valid():
		errs.Add("main_category", fmt.Sprintf("unknown value %q", r.Main))
	case r.Sub == "":
		errs.Add("sub_category", "is required")
	case !r.Main.Allows(r.Sub):
		errs.Add("sub_category", fmt.Sprintf("%s is not allowed under %s", r.Sub, r.Main))
	}

	errs.Merge("frequency", r.Frequency.Validate())

	if len(r.Times) == 0 {
		errs.Add("times", "must contain at least one time of day")
	}
	for i, t := range r.Times {
		if !t.Valid() {
			errs.Add(fmt.Sprintf("times[%d]", i), "must be between 00:00 and 23:59")
		}
	}

	if r.ValidFrom.IsZero() {
		errs.Add("valid_from", "is required")
	}
	if r.ValidUntil == nil {
		if r.Main.Valid() && r.Main.RequiresBoundedWindow() {
			errs.Add("valid_until", fmt.Sprintf("is required for %s", r.Main))
		}
	} else if !r.ValidFrom.IsZero() && r.ValidUntil.Before(r.ValidFrom) {
		errs.Add("valid_until", "must not be before valid_from")
	}

	if r.LeadDays < 0 || r.LeadDays > MaxLeadDays {
		errs.Add("reminder_days_before", fmt.Sprintf("must be between 0 and %d", MaxLeadDays))
	}

	return errs.Err()
}

// AlarmInputsChanged reports whether derived alarm instants must be recomputed
// when moving from old to next.
func AlarmInputsChanged(old, next Rule) bool {
	return old.LeadDays != next.LeadDays || old.AllDay != next.AllDay
}
