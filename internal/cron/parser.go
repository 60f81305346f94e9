// Package cron parses the expressions that trigger periodic maintenance
// runs, such as the horizon extender.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard five-field expressions plus descriptors like @hourly and @daily.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule reports the next activation strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Parse compiles expression, evaluated in loc.
func Parse(expression string, loc *time.Location) (Schedule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, errors.New("parse cron: empty expression")
	}
	if strings.HasPrefix(expression, "@every") {
		return nil, fmt.Errorf("parse cron: %q: @every is not supported, use a calendar expression", expression)
	}
	if loc == nil {
		loc = time.UTC
	}

	sched, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}
	return &schedule{sched: sched, loc: loc}, nil
}

// ParseInZone is Parse with the zone given by IANA name.
func ParseInZone(expression, timezone string) (Schedule, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	return Parse(expression, loc)
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}
