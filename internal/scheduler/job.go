package scheduler

import (
	"fmt"
	"strings"
	"time"

	"neko/internal/channels"
)

// JobStatus represents the persisted lifecycle state of a scheduled job.
type JobStatus string

const (
	JobStatusActive   JobStatus = "active"
	JobStatusDisabled JobStatus = "disabled"
	// JobStatusRunning marks a job claimed by a tick and currently executing.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted is terminal: a one-shot job that succeeded and was kept.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusExhausted is terminal: a one-shot job that ran out of retries.
	JobStatusExhausted JobStatus = "exhausted"
)

var validJobStatuses = map[JobStatus]bool{
	JobStatusActive:    true,
	JobStatusDisabled:  true,
	JobStatusRunning:   true,
	JobStatusCompleted: true,
	JobStatusExhausted: true,
}

// IsValid returns true if the status is one of the recognized values.
func (s JobStatus) IsValid() bool {
	return validJobStatuses[s]
}

// IsTerminal reports whether the job will never run again on its own.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusExhausted
}

// ScheduleKind distinguishes recurring from one-shot jobs.
type ScheduleKind string

const (
	ScheduleCron ScheduleKind = "cron"
	ScheduleAt   ScheduleKind = "at"
)

// Schedule is the job trigger: a cron expression or an absolute time.
type Schedule struct {
	Kind ScheduleKind `json:"type"`
	Expr string       `json:"expr,omitempty"`
	At   time.Time    `json:"datetime,omitempty"`
}

// IsOneShot reports whether the schedule fires once.
func (s Schedule) IsOneShot() bool {
	return s.Kind == ScheduleAt
}

func (s Schedule) String() string {
	switch s.Kind {
	case ScheduleCron:
		return "cron " + s.Expr
	case ScheduleAt:
		return "at " + s.At.Local().Format("2006-01-02 15:04:05")
	}
	return "unknown"
}

// RetryState tracks consecutive failures and the current backoff.
type RetryState struct {
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Backoff             time.Duration `json:"backoff_ns,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
}

// Job is one persisted entry of cron/jobs.json.
type Job struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Prompt       string            `json:"prompt"`
	Schedule     Schedule          `json:"schedule"`
	Announce     *channels.Address `json:"announce,omitempty"`
	Status       JobStatus         `json:"status"`
	KeepAfterRun bool              `json:"keep_after_run,omitempty"`
	NextRun      time.Time         `json:"next_run_at"`
	LastRun      time.Time         `json:"last_run_at,omitempty"`
	// RunningSince is set while Status is running.
	RunningSince time.Time  `json:"running_since,omitempty"`
	Retry        RetryState `json:"retry"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Validate checks that the job has the minimum required fields.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job: id is required")
	}
	if strings.TrimSpace(j.Prompt) == "" {
		return fmt.Errorf("job: prompt is required")
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("job: invalid status %q", j.Status)
	}
	switch j.Schedule.Kind {
	case ScheduleCron:
		if _, err := ParseCron(j.Schedule.Expr); err != nil {
			return err
		}
	case ScheduleAt:
		if j.Schedule.At.IsZero() {
			return fmt.Errorf("job: at schedule requires a time")
		}
	default:
		return fmt.Errorf("job: unknown schedule type %q", j.Schedule.Kind)
	}
	return nil
}

// IsDue reports whether the job should be claimed at now.
func (j *Job) IsDue(now time.Time) bool {
	return j.Status == JobStatusActive && !j.NextRun.IsZero() && !j.NextRun.After(now)
}

// State is the display state: scheduled, backing-off, running, disabled,
// completed or exhausted.
func (j *Job) State() string {
	switch {
	case j.Status == JobStatusActive && j.Retry.ConsecutiveFailures > 0:
		return "backing-off"
	case j.Status == JobStatusActive:
		return "scheduled"
	default:
		return string(j.Status)
	}
}

// Matches reports whether ref names this job by id or name.
func (j *Job) Matches(ref string) bool {
	ref = strings.TrimSpace(ref)
	return ref != "" && (j.ID == ref || j.Name == ref)
}
