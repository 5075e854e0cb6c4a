// Package scheduler persists and runs jobs.
//
// A job is an action with a schedule: Once at a time, every interval, or
// on a cron expression. The scheduler claims due jobs with a
// compare-and-swap on the job's revision, runs them on a bounded worker
// pool through the action executor, and retries failures with
// exponential backoff. Jobs left Running by a crashed process are moved
// back to Pending on startup, so delivery is at least once.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/reckon/internal/action"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/repo"
)

const (
	DefaultInterval   = time.Second
	DefaultWorkers    = 4
	DefaultJobTimeout = time.Minute
	DefaultStaleAfter = 10 * time.Minute
)

// Observer receives job outcomes.
type Observer interface {
	ObserveJob(kind ir.JobKindType, outcome string, elapsed time.Duration)
}

// Job outcomes reported to the Observer.
const (
	OutcomeCompleted   = "completed"
	OutcomeRescheduled = "rescheduled"
	OutcomeRetry       = "retry"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
	OutcomeInterrupted = "interrupted"
)

// Scheduler runs persisted jobs.
//
// Thread-safety: all methods are safe for concurrent use. Tick may be
// called by Run and by callers at the same time; the claim CAS keeps a
// job from being started twice.
type Scheduler struct {
	repo           *repo.Repository
	exec           action.Executor
	workers        *semaphore.Weighted
	poolSize       int
	interval       time.Duration
	jobTimeout     time.Duration
	staleAfter     time.Duration
	defaultBackoff ir.BackoffPolicy
	newID          func() string
	observer       Observer
	logger         *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc // per-job run lock
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.poolSize = n
		}
	}
}

// WithInterval sets the polling interval used by Run.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithJobTimeout bounds each job run.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// WithStaleAfter sets how long a job may stay Running before Recover
// treats its run as lost.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithDefaultBackoff sets the policy for specs that leave it empty.
func WithDefaultBackoff(p ir.BackoffPolicy) Option {
	return func(s *Scheduler) { s.defaultBackoff = p }
}

// WithIDGenerator sets how Schedule names new jobs.
func WithIDGenerator(fn func() string) Option {
	return func(s *Scheduler) { s.newID = fn }
}

// WithObserver reports job outcomes to o.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler. Times come from the repository's clock.
func New(r *repo.Repository, exec action.Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:           r,
		exec:           exec,
		poolSize:       DefaultWorkers,
		interval:       DefaultInterval,
		jobTimeout:     DefaultJobTimeout,
		staleAfter:     DefaultStaleAfter,
		defaultBackoff: ir.DefaultBackoff(),
		newID:          func() string { return uuid.Must(uuid.NewV7()).String() },
		logger:         slog.Default(),
		running:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.workers = semaphore.NewWeighted(int64(s.poolSize))
	return s
}

// Schedule validates spec and persists a new Pending job.
func (s *Scheduler) Schedule(ctx context.Context, spec ir.JobSpec) (ir.Job, error) {
	j, _, err := s.ScheduleWithID(ctx, s.newID(), spec)
	return j, err
}

// ScheduleWithID creates the job id from spec unless it already exists,
// in which case the stored job is returned with created=false. Trigger
// firings use it so that a replayed firing does not schedule twice.
func (s *Scheduler) ScheduleWithID(ctx context.Context, id string, spec ir.JobSpec) (ir.Job, bool, error) {
	if id == "" {
		return ir.Job{}, false, &ir.SchedulingError{Field: "id", Message: "job id must not be empty"}
	}
	if err := spec.Validate(); err != nil {
		var se *ir.SchedulingError
		if errors.As(err, &se) {
			se.JobID = id
		}
		return ir.Job{}, false, err
	}

	if existing, err := s.repo.GetJob(ctx, id); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return ir.Job{}, false, fmt.Errorf("load job %s: %w", id, err)
	}

	now := s.repo.Clock().Now()
	first, err := firstOccurrence(spec.Kind, now)
	if err != nil {
		return ir.Job{}, false, err
	}
	policy := spec.Backoff
	if policy.IsZero() {
		policy = s.defaultBackoff
	}
	j := ir.Job{
		ID:           id,
		Kind:         spec.Kind,
		Payload:      spec.Payload,
		Status:       ir.JobPending,
		NextRunAt:    first.Add(jitter(spec.Kind.Jitter)),
		ScheduledFor: first,
		Backoff:      policy,
		Source:       spec.Source,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := s.repo.CreateJob(ctx, j)
	if errors.Is(err, repo.ErrExists) {
		existing, gerr := s.repo.GetJob(ctx, id)
		return existing, false, gerr
	}
	if err != nil {
		return ir.Job{}, false, fmt.Errorf("create job %s: %w", id, err)
	}
	s.logger.Info("job scheduled",
		"job", id,
		"kind", spec.Kind.Type,
		"next_run_at", j.NextRunAt,
		"action", spec.Payload.Describe(),
	)
	return created, true, nil
}

// Cancel stops a job. A Pending job is Cancelled at once. A Running job
// is flagged and its in-flight context cancelled; it becomes Cancelled
// when the run returns. Terminal jobs cannot be cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) (ir.Job, error) {
	now := s.repo.Clock().Now()
	j, err := s.repo.UpdateJob(ctx, id, func(cur *ir.Job) error {
		switch {
		case cur.Status.Terminal():
			return &ir.SchedulingError{JobID: id, Message: "cannot cancel a " + string(cur.Status) + " job"}
		case cur.Status == ir.JobRunning:
			cur.CancelRequested = true
		default:
			cur.Status = ir.JobCancelled
			cur.FinishedAt = now
		}
		return nil
	})
	if err != nil {
		return ir.Job{}, err
	}

	if j.Status == ir.JobRunning {
		s.mu.Lock()
		if cancel, ok := s.running[id]; ok {
			cancel()
		}
		s.mu.Unlock()
		s.logger.Info("job cancellation requested", "job", id)
	} else {
		s.logger.Info("job cancelled", "job", id)
	}
	return j, nil
}

// Get reads one job.
func (s *Scheduler) Get(ctx context.Context, id string) (ir.Job, error) {
	return s.repo.GetJob(ctx, id)
}

// Filter selects jobs in List. Empty fields match everything.
type Filter struct {
	Status ir.JobStatus
	Kind   ir.JobKindType
	Source string
}

func (f Filter) match(j ir.Job) bool {
	return (f.Status == "" || j.Status == f.Status) &&
		(f.Kind == "" || j.Kind.Type == f.Kind) &&
		(f.Source == "" || j.Source == f.Source)
}

// List returns matching jobs ordered by next run time.
func (s *Scheduler) List(ctx context.Context, f Filter) ([]ir.Job, error) {
	all, err := s.repo.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := slices.DeleteFunc(all, func(j ir.Job) bool { return !f.match(j) })
	slices.SortStableFunc(out, byNextRun)
	return out, nil
}

func byNextRun(a, b ir.Job) int {
	if c := a.NextRunAt.Compare(b.NextRunAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// lock takes the per-job run lock.
func (s *Scheduler) lock(id string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[id]; busy {
		return false
	}
	s.running[id] = cancel
	return true
}

func (s *Scheduler) unlock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

func (s *Scheduler) isRunningHere(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}
