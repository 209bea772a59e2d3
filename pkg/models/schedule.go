package models

import "time"

// ScheduleKind selects how Spec is interpreted when computing NextRunAt.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleCron     ScheduleKind = "cron"
)

// Schedule is a persisted timer that admits synthetic runs with a fixed
// prompt on a timezone-aware cadence.
//
// Invariant: NextRunAt is advanced deterministically from the previous
// NextRunAt (never from "now"), so a long process pause jumps forward to
// the next future boundary instead of firing a burst of missed ticks.
type Schedule struct {
	ScheduleID string       `json:"schedule_id"`
	Kind       ScheduleKind `json:"kind"`
	Spec       string       `json:"spec"`
	Prompt     string       `json:"prompt"`
	Enabled    bool         `json:"enabled"`
	Timezone   string       `json:"timezone"`
	LastRunID  string       `json:"last_run_id,omitempty"`
	LastRunAt  time.Time    `json:"last_run_at,omitempty"`
	NextRunAt  time.Time    `json:"next_run_at"`
	Missed     int64        `json:"missed"`
}
