package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultInterval applies when no layer sets a polling interval.
const DefaultInterval = 10 * time.Minute

// Schedule is a polling cadence: either a fixed interval ("10m") or a cron
// expression ("*/15 * * * *"). The zero value is not usable; build one with
// ParseSchedule.
type Schedule struct {
	every time.Duration
	cron  cron.Schedule
}

// ParseSchedule accepts a Go duration or a standard 5-field cron expression
// (descriptors like @hourly included). Empty input falls back to
// DefaultInterval.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{every: DefaultInterval}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Second {
			return Schedule{}, fmt.Errorf("interval %q is below 1s", raw)
		}
		return Schedule{every: d}, nil
	}
	cs, err := cron.ParseStandard(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("interval %q is neither a duration nor a cron expression: %w", raw, err)
	}
	return Schedule{cron: cs}, nil
}

// Next returns the time of the poll after t.
func (s Schedule) Next(t time.Time) time.Time {
	if s.cron != nil {
		return s.cron.Next(t)
	}
	every := s.every
	if every <= 0 {
		every = DefaultInterval
	}
	return t.Add(every)
}

// Fixed reports the fixed interval, zero for cron schedules.
func (s Schedule) Fixed() time.Duration { return s.every }
