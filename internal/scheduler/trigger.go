package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Accepts both the classic 5-field form and 6 fields with leading seconds,
// plus descriptors such as @daily and @every 1h.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

var atLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
}

// ParseAt parses a one-shot timestamp. RFC3339 values carry their own zone;
// the other accepted layouts are read in loc.
func ParseAt(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("at time is empty")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range atLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid at time %q (use YYYY-MM-DD HH:MM[:SS] or RFC3339)", raw)
}

// nextFromSchedule returns the next occurrence of s strictly after now. A
// one-shot schedule yields its fixed time.
func nextFromSchedule(s Schedule, now time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleAt:
		return s.At, nil
	case ScheduleCron:
		sched, err := ParseCron(s.Expr)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule type %q", s.Kind)
}
