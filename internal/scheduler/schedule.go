// Package scheduler implements C5's timer half: periodic evaluation of
// persisted schedules, admitting a synthetic run for each one that comes
// due under a skip-not-burst catch-up policy.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// cronParser mirrors the field layout the teacher's cron package parses
// with: optional leading seconds field, descriptors (@daily, @hourly) allowed.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Advance computes the next NextRunAt strictly after from, in s's
// timezone, per s.Kind. It never consults wall-clock time — the skip
// policy (spec §4.5) always advances from the schedule's own previous
// boundary, so a long pause jumps forward rather than firing a burst.
func Advance(s models.Schedule, from time.Time) (time.Time, error) {
	loc, err := scheduleLocation(s.Timezone)
	if err != nil {
		return time.Time{}, err
	}

	switch s.Kind {
	case models.ScheduleInterval:
		every, err := parseInterval(s.Spec)
		if err != nil {
			return time.Time{}, err
		}
		return from.Add(every), nil

	case models.ScheduleDaily:
		hour, minute, err := parseDailyClock(s.Spec)
		if err != nil {
			return time.Time{}, err
		}
		local := from.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !next.After(local) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case models.ScheduleCron:
		schedule, err := cronParser.Parse(s.Spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: parse cron expression %q: %w", s.Spec, err)
		}
		return schedule.Next(from.In(loc)), nil

	default:
		return time.Time{}, fmt.Errorf("scheduler: unknown schedule kind %q", s.Kind)
	}
}

// Validate reports whether s.Spec is well-formed for s.Kind, used when
// accepting a schedules.create/update request.
func Validate(s models.Schedule) error {
	_, err := scheduleLocation(s.Timezone)
	if err != nil {
		return err
	}
	switch s.Kind {
	case models.ScheduleInterval:
		_, err := parseInterval(s.Spec)
		return err
	case models.ScheduleDaily:
		_, _, err := parseDailyClock(s.Spec)
		return err
	case models.ScheduleCron:
		_, err := cronParser.Parse(s.Spec)
		if err != nil {
			return fmt.Errorf("scheduler: invalid cron expression %q: %w", s.Spec, err)
		}
		return nil
	default:
		return fmt.Errorf("scheduler: unknown schedule kind %q", s.Kind)
	}
}

func scheduleLocation(timezone string) (*time.Location, error) {
	if strings.TrimSpace(timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: unknown IANA timezone %q: %w", timezone, err)
	}
	return loc, nil
}

// parseInterval accepts a Go duration string ("30s", "5m") per the
// interval schedule kind's Spec.
func parseInterval(spec string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(spec))
	if err != nil {
		return 0, fmt.Errorf("scheduler: invalid interval %q: %w", spec, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("scheduler: interval must be positive, got %q", spec)
	}
	return d, nil
}

// parseDailyClock accepts "HH:MM" for the daily schedule kind's Spec.
func parseDailyClock(spec string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(spec), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("scheduler: daily schedule spec must be HH:MM, got %q", spec)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("scheduler: invalid hour in daily spec %q", spec)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("scheduler: invalid minute in daily spec %q", spec)
	}
	return hour, minute, nil
}
