package domain

import (
	"fmt"
	"strconv"
	"strings"
)

type FrequencyKind string

const (
	FrequencyDaily          FrequencyKind = "DAILY"
	FrequencyWeekly         FrequencyKind = "WEEKLY"
	FrequencyMonthly        FrequencyKind = "MONTHLY"
	FrequencyYearly         FrequencyKind = "YEARLY"
	FrequencyCustomInterval FrequencyKind = "CUSTOM_INTERVAL"
)

// FrequencyKinds lists every kind in display order.
func FrequencyKinds() []FrequencyKind {
	return []FrequencyKind{
		FrequencyDaily,
		FrequencyWeekly,
		FrequencyMonthly,
		FrequencyYearly,
		FrequencyCustomInterval,
	}
}

// Frequency is a tagged variant. Months is only meaningful for CUSTOM_INTERVAL.
type Frequency struct {
	Kind   FrequencyKind `json:"kind"`
	Months int           `json:"months,omitempty"`
}

func Daily() Frequency   { return Frequency{Kind: FrequencyDaily} }
func Weekly() Frequency  { return Frequency{Kind: FrequencyWeekly} }
func Monthly() Frequency { return Frequency{Kind: FrequencyMonthly} }
func Yearly() Frequency  { return Frequency{Kind: FrequencyYearly} }

// EveryMonths is CUSTOM_INTERVAL(n).
func EveryMonths(n int) Frequency {
	return Frequency{Kind: FrequencyCustomInterval, Months: n}
}

func (f Frequency) Validate() error {
	switch f.Kind {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		if f.Months != 0 {
			return ValidationError{Field: "frequency.months", Message: "only allowed for CUSTOM_INTERVAL"}
		}
		return nil
	case FrequencyCustomInterval:
		if f.Months <= 0 {
			return ValidationError{Field: "frequency.months", Message: "must be a positive number of months"}
		}
		return nil
	case "":
		return ValidationError{Field: "frequency", Message: "is required"}
	default:
		return ValidationError{Field: "frequency", Message: fmt.Sprintf("unknown kind %q", f.Kind)}
	}
}

func (f Frequency) String() string {
	if f.Kind == FrequencyCustomInterval {
		return fmt.Sprintf("%s(%d)", f.Kind, f.Months)
	}
	return string(f.Kind)
}

// ParseFrequency accepts the String form, e.g. "WEEKLY" or "CUSTOM_INTERVAL(6)".
func ParseFrequency(s string) (Frequency, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, string(FrequencyCustomInterval)); ok {
		inner, ok := strings.CutPrefix(rest, "(")
		if !ok {
			return Frequency{}, fmt.Errorf("invalid frequency %q: expected CUSTOM_INTERVAL(n)", s)
		}
		inner, ok = strings.CutSuffix(inner, ")")
		if !ok {
			return Frequency{}, fmt.Errorf("invalid frequency %q: expected CUSTOM_INTERVAL(n)", s)
		}
		n, err := strconv.Atoi(inner)
		if err != nil {
			return Frequency{}, fmt.Errorf("invalid frequency %q: %w", s, err)
		}
		f := EveryMonths(n)
		if err := f.Validate(); err != nil {
			return Frequency{}, err
		}
		return f, nil
	}

	f := Frequency{Kind: FrequencyKind(s)}
	if err := f.Validate(); err != nil {
		return Frequency{}, err
	}
	return f, nil
}
