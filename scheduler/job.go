// Package scheduler runs recurring and one-shot prompt jobs. A job fires a
// plain prompt through the turn loop and sends the result to its
// conversation, reusing the non-streaming contract.
package scheduler

import (
	"time"
)

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	// ScheduleAt runs once at a specific time.
	ScheduleAt ScheduleKind = "at"

	// ScheduleEvery runs on a recurring interval.
	ScheduleEvery ScheduleKind = "every"

	// ScheduleDaily runs once a day at a fixed local time.
	ScheduleDaily ScheduleKind = "daily"
)

// Schedule defines when a job should run.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// At is the firing time for one-shot jobs.
	At time.Time `json:"at,omitempty"`

	// Every is the interval for recurring jobs.
	Every time.Duration `json:"every,omitempty"`

	// Hour and Minute fix the local firing time for daily jobs.
	Hour   int `json:"hour,omitempty"`
	Minute int `json:"minute,omitempty"`
}

// Job is a scheduled prompt.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Prompt    string    `json:"prompt"`
	SessionID string    `json:"session_id"` // conversation the result is sent to
	Schedule  Schedule  `json:"schedule"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastResult string    `json:"last_result,omitempty"`
}

// NextRun calculates the next firing time strictly after the given time.
// The second return is false when the job will never fire again.
func (j *Job) NextRun(after time.Time) (time.Time, bool) {
	switch j.Schedule.Kind {
	case ScheduleAt:
		if j.Schedule.At.After(after) {
			return j.Schedule.At, true
		}
		return time.Time{}, false

	case ScheduleEvery:
		interval := j.Schedule.Every
		if interval <= 0 {
			return time.Time{}, false
		}
		base := j.CreatedAt
		if base.IsZero() {
			base = after
		}
		elapsed := after.Sub(base)
		if elapsed < 0 {
			return base, true
		}
		intervals := int64(elapsed/interval) + 1
		return base.Add(time.Duration(intervals) * interval), true

	case ScheduleDaily:
		next := time.Date(after.Year(), after.Month(), after.Day(),
			j.Schedule.Hour, j.Schedule.Minute, 0, 0, after.Location())
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true

	default:
		return time.Time{}, false
	}
}
