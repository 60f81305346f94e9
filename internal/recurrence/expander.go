// Package recurrence turns recurrence rules into concrete occurrence slots
// and alarm instants.
package recurrence

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/teambition/rrule-go"

	"github.com/djlord-it/carecal/internal/domain"
)

// DefaultMaxAnchors caps the number of anchor dates produced for one rule.
const DefaultMaxAnchors = 5000

// anchorHour keeps generated instants away from DST transitions, which
// happen around midnight in every zone that observes them.
const anchorHour = 12

// Expander is pure: the same rule and horizon always yield the same slots.
type Expander struct {
	loc        *time.Location
	maxAnchors int
	log        zerolog.Logger
}

func NewExpander(loc *time.Location) *Expander {
	if loc == nil {
		loc = time.UTC
	}
	return &Expander{
		loc:        loc,
		maxAnchors: DefaultMaxAnchors,
		log:        zerolog.Nop(),
	}
}

// WithMaxAnchors overrides the safety cap. Non-positive values are ignored.
func (e *Expander) WithMaxAnchors(n int) *Expander {
	if n > 0 {
		e.maxAnchors = n
	}
	return e
}

func (e *Expander) WithLogger(log zerolog.Logger) *Expander {
	e.log = log
	return e
}

func (e *Expander) Location() *time.Location {
	return e.loc
}

// Expand returns one slot per time of day per anchor date, ascending.
// Bounded rules stop at ValidUntil; open-ended rules stop at horizon.
func (e *Expander) Expand(rule domain.Rule, horizon domain.Date) ([]domain.Slot, error) {
	anchors, hitCap, err := e.Anchors(rule, horizon)
	if err != nil {
		return nil, err
	}
	if hitCap {
		e.log.Warn().
			Str("frequency", rule.Frequency.String()).
			Str("valid_from", rule.ValidFrom.String()).
			Int("max_anchors", e.maxAnchors).
			Msg("recurrence: expansion hit anchor cap")
	}

	slots := make([]domain.Slot, 0, len(anchors)*len(rule.Times))
	for _, d := range anchors {
		for _, t := range rule.Times {
			slots = append(slots, domain.Slot{Date: d, Time: t})
		}
	}
	return slots, nil
}

// Anchors returns the dates the rule fires on, and whether the cap cut them short.
func (e *Expander) Anchors(rule domain.Rule, horizon domain.Date) ([]domain.Date, bool, error) {
	until := horizon
	if rule.ValidUntil != nil {
		until = *rule.ValidUntil
	}
	if rule.ValidFrom.IsZero() || until.Before(rule.ValidFrom) {
		return nil, false, nil
	}

	opt, err := e.options(rule, until)
	if err != nil {
		return nil, false, err
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, false, fmt.Errorf("build rrule for %s: %w", rule.Frequency, err)
	}

	instants := r.All()
	dates := make([]domain.Date, len(instants))
	for i, t := range instants {
		dates[i] = domain.DateOf(t.In(e.loc))
	}

	hitCap := len(dates) == e.maxAnchors && dates[len(dates)-1].Before(until)
	return dates, hitCap, nil
}

func (e *Expander) options(rule domain.Rule, until domain.Date) (rrule.ROption, error) {
	from := rule.ValidFrom
	opt := rrule.ROption{
		Dtstart:  time.Date(from.Year, from.Month, from.Day, anchorHour, 0, 0, 0, e.loc),
		Until:    time.Date(until.Year, until.Month, until.Day, anchorHour, 0, 0, 0, e.loc),
		Interval: 1,
		Count:    e.maxAnchors,
	}

	switch rule.Frequency.Kind {
	case domain.FrequencyDaily:
		opt.Freq = rrule.DAILY
	case domain.FrequencyWeekly:
		opt.Freq = rrule.WEEKLY
	case domain.FrequencyMonthly:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday, opt.Bysetpos = clampedMonthDay(from.Day)
	case domain.FrequencyCustomInterval:
		if rule.Frequency.Months <= 0 {
			return opt, fmt.Errorf("custom interval must be positive, got %d", rule.Frequency.Months)
		}
		opt.Freq = rrule.MONTHLY
		opt.Interval = rule.Frequency.Months
		opt.Bymonthday, opt.Bysetpos = clampedMonthDay(from.Day)
	case domain.FrequencyYearly:
		opt.Freq = rrule.YEARLY
		opt.Bymonth = []int{int(from.Month)}
		opt.Bymonthday, opt.Bysetpos = clampedMonthDay(from.Day)
	default:
		return opt, fmt.Errorf("unsupported frequency %q", rule.Frequency.Kind)
	}
	return opt, nil
}

// clampedMonthDay preserves the anchor's day of month, falling back to the
// last day of shorter months. Days up to 28 exist in every month; later
// days become "the last of 28..day that exists in this month".
func clampedMonthDay(day int) (monthDays, setPos []int) {
	if day <= 28 {
		return []int{day}, nil
	}
	for d := 28; d <= day; d++ {
		monthDays = append(monthDays, d)
	}
	return monthDays, []int{-1}
}
