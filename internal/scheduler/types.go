// Package scheduler runs conversation tasks at a future time: once at a
// timestamp, after a delay, on a fixed interval, or on a cron expression.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrTaskNotFound is returned when a task ID does not exist.
var ErrTaskNotFound = errors.New("task not found")

// Task is a scheduled re-entry into a conversation.
type Task struct {
	ID             string    `json:"id"` // UUIDv7
	ConversationID string    `json:"conversation_id"`
	Description    string    `json:"description"`
	Schedule       Schedule  `json:"schedule"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	CreatedBy      string    `json:"created_by"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Schedule defines when a task should run.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	At       *time.Time   `json:"at,omitempty"`
	Every    *Duration    `json:"every,omitempty"`
	Cron     string       `json:"cron,omitempty"`
	Timezone string       `json:"timezone,omitempty"` // IANA, cron only
}

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // one-shot at a timestamp
	ScheduleEvery ScheduleKind = "every" // fixed interval
	ScheduleCron  ScheduleKind = "cron"  // standard 5-field cron
)

// At builds a one-shot schedule.
func At(t time.Time) Schedule {
	return Schedule{Kind: ScheduleAt, At: &t}
}

// After builds a one-shot schedule d from now.
func After(now time.Time, d time.Duration) Schedule {
	return At(now.Add(d))
}

// Cron builds a cron schedule after checking the expression parses.
func Cron(expr string) (Schedule, error) {
	if _, err := cron.ParseStandard(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return Schedule{Kind: ScheduleCron, Cron: expr}, nil
}

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Execution represents a single run of a task.
type Execution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"`
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped" // missed window
)

// NextRun calculates the next execution time strictly after 'after'.
func (t *Task) NextRun(after time.Time) (time.Time, bool) {
	switch t.Schedule.Kind {
	case ScheduleAt:
		if t.Schedule.At != nil && t.Schedule.At.After(after) {
			return *t.Schedule.At, true
		}
		return time.Time{}, false

	case ScheduleEvery:
		if t.Schedule.Every == nil || t.Schedule.Every.Duration <= 0 {
			return time.Time{}, false
		}
		interval := t.Schedule.Every.Duration
		base := t.CreatedAt
		if base.IsZero() {
			base = after
		}
		elapsed := after.Sub(base)
		if elapsed < 0 {
			return base, true
		}
		intervals := int64(elapsed/interval) + 1
		return base.Add(time.Duration(intervals) * interval), true

	case ScheduleCron:
		sched, err := cron.ParseStandard(t.Schedule.Cron)
		if err != nil {
			return time.Time{}, false
		}
		from := after
		if t.Schedule.Timezone != "" {
			if loc, err := time.LoadLocation(t.Schedule.Timezone); err == nil {
				from = after.In(loc)
			}
		}
		next := sched.Next(from)
		return next, !next.IsZero()

	default:
		return time.Time{}, false
	}
}

// Input returns the schedule in the form the user gave it: a timestamp,
// an interval, or a cron expression.
func (s Schedule) Input() string {
	switch s.Kind {
	case ScheduleAt:
		if s.At != nil {
			return s.At.Format(time.RFC3339)
		}
	case ScheduleEvery:
		if s.Every != nil {
			return s.Every.String()
		}
	case ScheduleCron:
		return s.Cron
	}
	return ""
}
