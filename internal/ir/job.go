package ir

import (
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// JobKindType names a scheduling discipline.
type JobKindType string

const (
	JobOnce     JobKindType = "once"
	JobInterval JobKindType = "interval"
	JobCron     JobKindType = "cron"
)

// JobKind says when a job runs. Once uses RunAt; Interval uses Every;
// Cron uses Expr. Jitter applies to recurring kinds.
type JobKind struct {
	Type   JobKindType   `json:"type"`
	RunAt  time.Time     `json:"run_at,omitzero"`
	Every  time.Duration `json:"every,omitempty"`
	Expr   string        `json:"expr,omitempty"`
	Jitter time.Duration `json:"jitter,omitempty"`
}

// Once returns a one-off kind.
func Once(at time.Time) JobKind { return JobKind{Type: JobOnce, RunAt: at} }

// Every returns an interval kind.
func Every(d, jitter time.Duration) JobKind {
	return JobKind{Type: JobInterval, Every: d, Jitter: jitter}
}

// Cron returns a cron-expression kind.
func Cron(expr string) JobKind { return JobKind{Type: JobCron, Expr: expr} }

// Recurring reports whether the kind reschedules after each run.
func (k JobKind) Recurring() bool { return k.Type == JobInterval || k.Type == JobCron }

// ParseCron parses a standard five-field cron expression or descriptor.
func ParseCron(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// BackoffPolicy bounds retry delays. Delay n is
// Initial*Multiplier^(n-1) capped at Max, shortened by up to a Jitter
// fraction but never below delay n-1.
type BackoffPolicy struct {
	Initial     time.Duration `json:"initial"`
	Max         time.Duration `json:"max"`
	Multiplier  float64       `json:"multiplier"`
	Jitter      float64       `json:"jitter"`
	MaxAttempts int           `json:"max_attempts"`
}

// DefaultBackoff is used when a spec leaves the policy empty.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:     time.Second,
		Max:         5 * time.Minute,
		Multiplier:  2,
		Jitter:      0.2,
		MaxAttempts: 5,
	}
}

// IsZero reports whether no field is set.
func (b BackoffPolicy) IsZero() bool { return b == BackoffPolicy{} }

// JobSpec is the input to scheduling.
type JobSpec struct {
	Kind    JobKind       `json:"kind"`
	Payload Action        `json:"payload"`
	Backoff BackoffPolicy `json:"backoff"`
	Source  string        `json:"source,omitempty"`
}

// Validate returns a *SchedulingError for specs that can never run.
func (s JobSpec) Validate() error {
	switch s.Kind.Type {
	case JobOnce:
		if s.Kind.RunAt.IsZero() {
			return &SchedulingError{Field: "kind.run_at", Message: "once job requires run_at"}
		}
	case JobInterval:
		if s.Kind.Every <= 0 {
			return &SchedulingError{Field: "kind.every", Message: "interval must be positive, got " + s.Kind.Every.String()}
		}
	case JobCron:
		if _, err := ParseCron(s.Kind.Expr); err != nil {
			return &SchedulingError{Field: "kind.expr", Message: "invalid cron expression: " + err.Error()}
		}
	default:
		return &SchedulingError{Field: "kind.type", Message: "unknown job kind " + strconv.Quote(string(s.Kind.Type))}
	}
	if s.Kind.Jitter < 0 {
		return &SchedulingError{Field: "kind.jitter", Message: "jitter must not be negative"}
	}
	if err := s.Payload.Validate(); err != nil {
		return &SchedulingError{Field: "payload", Message: err.Error()}
	}
	if s.Payload.Kind == ActionScheduleJob {
		return &SchedulingError{Field: "payload", Message: "payload must not schedule another job"}
	}
	if s.Backoff.IsZero() {
		return nil
	}
	b := s.Backoff
	switch {
	case b.Initial <= 0:
		return &SchedulingError{Field: "backoff.initial", Message: "must be positive"}
	case b.Max < b.Initial:
		return &SchedulingError{Field: "backoff.max", Message: "must be at least backoff.initial"}
	case b.Multiplier < 1:
		return &SchedulingError{Field: "backoff.multiplier", Message: "must be at least 1"}
	case b.Jitter < 0 || b.Jitter > 1:
		return &SchedulingError{Field: "backoff.jitter", Message: "must be within [0, 1]"}
	case b.MaxAttempts < 1:
		return &SchedulingError{Field: "backoff.max_attempts", Message: "must be at least 1"}
	}
	return nil
}

func (s JobSpec) canonicalTree() (map[string]any, error) {
	payload, err := s.Payload.canonicalTree()
	if err != nil {
		return nil, err
	}
	kind := map[string]any{"type": string(s.Kind.Type)}
	switch s.Kind.Type {
	case JobOnce:
		kind["run_at"] = s.Kind.RunAt.UTC().Format(time.RFC3339Nano)
	case JobInterval:
		kind["every"] = int64(s.Kind.Every)
		kind["jitter"] = int64(s.Kind.Jitter)
	case JobCron:
		kind["expr"] = s.Kind.Expr
		kind["jitter"] = int64(s.Kind.Jitter)
	}
	return map[string]any{"kind": kind, "payload": payload}, nil
}

// JobStatus is a job lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is a persisted unit of scheduled work. ScheduledFor is the regular
// occurrence the job is working on; NextRunAt is later than it while a
// failed run waits out its backoff.
type Job struct {
	ID              string        `json:"id"`
	Kind            JobKind       `json:"kind"`
	Payload         Action        `json:"payload"`
	Status          JobStatus     `json:"status"`
	Attempts        int           `json:"attempts"`
	NextRunAt       time.Time     `json:"next_run_at"`
	ScheduledFor    time.Time     `json:"scheduled_for"`
	Backoff         BackoffPolicy `json:"backoff"`
	LastError       string        `json:"last_error,omitempty"`
	Source          string        `json:"source,omitempty"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	RunCount        int           `json:"run_count"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
	FinishedAt      time.Time     `json:"finished_at,omitzero"`

	Revision int64 `json:"-"`
}
