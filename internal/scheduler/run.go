package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/reckon/internal/action"
	"github.com/roach88/reckon/internal/ir"
)

// StaleRunError is recorded on jobs that Recover moves back to Pending.
const StaleRunError = "recovered after stale run"

var errNotRunning = errors.New("job is no longer running")

// TickReport summarizes one scheduler tick.
type TickReport struct {
	Due     int      `json:"due"`
	Started []string `json:"started,omitempty"`
}

// Tick starts every due job that a free worker can take. Due jobs are
// Pending with NextRunAt at or before now, taken in NextRunAt order. The
// tick stops at the first job that finds no free worker. Started jobs run
// in the background; Wait blocks until they finish.
//
// Jobs left Running past the stale threshold by another process are
// recovered first, so a crash is repaired without a restart.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	now := s.repo.Clock().Now()
	all, err := s.repo.ListJobs(ctx)
	if err != nil {
		return TickReport{}, fmt.Errorf("list jobs: %w", err)
	}
	for i, j := range all {
		if !s.isStale(j, now) {
			continue
		}
		recovered, ok, err := s.recoverStale(ctx, j, now)
		if err != nil {
			return TickReport{}, err
		}
		if ok {
			all[i] = recovered
		}
	}
	due := slices.DeleteFunc(all, func(j ir.Job) bool {
		return j.Status != ir.JobPending || j.NextRunAt.After(now)
	})
	slices.SortStableFunc(due, byNextRun)

	report := TickReport{Due: len(due)}
	for _, j := range due {
		if !s.workers.TryAcquire(1) {
			s.logger.Debug("worker pool full", "waiting", len(due)-len(report.Started))
			break
		}
		started, err := s.start(ctx, j, now)
		if err != nil {
			s.workers.Release(1)
			return report, err
		}
		if !started {
			s.workers.Release(1)
			continue
		}
		report.Started = append(report.Started, j.ID)
	}
	return report, nil
}

// start claims j and runs it on the worker slot already held by the
// caller. It reports false when the job is locked or claimed elsewhere.
func (s *Scheduler) start(ctx context.Context, j ir.Job, now time.Time) (bool, error) {
	runCtx, cancel := context.WithCancel(ctx)
	if !s.lock(j.ID, cancel) {
		cancel()
		return false, nil
	}

	j.Status = ir.JobRunning
	j.StartedAt = now
	claimed, err := s.repo.CompareAndSwapJob(ctx, j)
	if err != nil {
		s.unlock(j.ID)
		cancel()
		if ir.IsConflictError(err) {
			s.logger.Debug("job claimed elsewhere", "job", j.ID)
			return false, nil
		}
		return false, fmt.Errorf("claim job %s: %w", j.ID, err)
	}

	s.logger.Debug("job started", "job", j.ID, "attempt", claimed.Attempts+1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.workers.Release(1)
		defer s.unlock(j.ID)
		defer cancel()
		s.run(ctx, runCtx, claimed)
	}()
	return true, nil
}

// run executes one claimed job and records the outcome. parent is the
// scheduler's context; runCtx additionally ends on Cancel.
func (s *Scheduler) run(parent, runCtx context.Context, j ir.Job) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(runCtx, s.jobTimeout)
	defer cancel()

	res, execErr := s.exec.Execute(callCtx, action.Request{
		Action:         j.Payload,
		IdempotencyKey: fmt.Sprintf("%s/%d", j.ID, j.RunCount),
		Timeout:        s.jobTimeout,
	})
	interrupted := execErr != nil && parent.Err() != nil

	// The outcome is written even while shutting down.
	storeCtx := context.WithoutCancel(parent)
	outcome := ""
	updated, err := s.repo.UpdateJob(storeCtx, j.ID, func(cur *ir.Job) error {
		if cur.Status != ir.JobRunning {
			return errNotRunning
		}
		outcome = s.finish(cur, execErr, interrupted)
		return nil
	})
	switch {
	case errors.Is(err, errNotRunning):
		s.logger.Warn("job changed while running, outcome dropped", "job", j.ID)
		return
	case err != nil:
		s.logger.Error("persist job outcome", "job", j.ID, "error", err)
		return
	}

	if s.observer != nil {
		s.observer.ObserveJob(j.Kind.Type, outcome, time.Since(start))
	}
	attrs := []any{"job", j.ID, "outcome", outcome, "status", updated.Status}
	switch outcome {
	case OutcomeCompleted, OutcomeRescheduled, OutcomeCancelled, OutcomeInterrupted:
		s.logger.Info("job finished", append(attrs, "next_run_at", updated.NextRunAt, "result", res.Ref())...)
	case OutcomeRetry:
		s.logger.Warn("job failed, retrying", append(attrs, "attempt", updated.Attempts, "next_run_at", updated.NextRunAt, "error", execErr)...)
	default:
		s.logger.Error("job failed", append(attrs, "attempts", updated.Attempts, "error", execErr)...)
	}
}

// finish applies the outcome of a run to cur and names it.
func (s *Scheduler) finish(cur *ir.Job, execErr error, interrupted bool) string {
	now := s.repo.Clock().Now()
	cur.FinishedAt = now

	switch {
	case cur.CancelRequested:
		cur.Status = ir.JobCancelled
		return OutcomeCancelled

	case interrupted:
		// Shutdown, not a failure: run again on the next start.
		cur.Status = ir.JobPending
		return OutcomeInterrupted

	case execErr == nil:
		cur.LastError = ""
		cur.Attempts = 0
		cur.RunCount++
		if !cur.Kind.Recurring() {
			cur.Status = ir.JobCompleted
			return OutcomeCompleted
		}
		s.advance(cur, now)
		return OutcomeRescheduled
	}

	cur.Attempts++
	cur.LastError = execErr.Error()
	policy := cur.Backoff
	if policy.IsZero() {
		policy = s.defaultBackoff
	}
	retryAt := now.Add(RetryDelay(policy, cur.Attempts))

	if !cur.Kind.Recurring() {
		if cur.Attempts >= policy.MaxAttempts {
			cur.Status = ir.JobFailed
			return OutcomeFailed
		}
		cur.Status = ir.JobPending
		cur.NextRunAt = later(cur.NextRunAt, retryAt)
		return OutcomeRetry
	}

	// A recurring job retries within its current occurrence but never
	// past the next one; one failed occurrence does not stop the rest.
	next, err := nextOccurrence(cur.Kind, cur.ScheduledFor, now)
	if err == nil && cur.Attempts < policy.MaxAttempts && retryAt.Before(next) {
		cur.Status = ir.JobPending
		cur.NextRunAt = later(cur.NextRunAt, retryAt)
		return OutcomeRetry
	}
	cur.Attempts = 0
	cur.RunCount++
	s.advance(cur, now)
	return OutcomeRescheduled
}

// advance moves a recurring job to its next regular occurrence.
func (s *Scheduler) advance(cur *ir.Job, now time.Time) {
	next, err := nextOccurrence(cur.Kind, cur.ScheduledFor, now)
	if err != nil {
		cur.Status = ir.JobFailed
		cur.LastError = err.Error()
		return
	}
	cur.Status = ir.JobPending
	cur.ScheduledFor = next
	cur.NextRunAt = next.Add(jitter(cur.Kind.Jitter))
}

// Wait blocks until every started run has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Run ticks every interval until ctx is cancelled, then waits for
// in-flight runs to record their outcome.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting", "interval", s.interval, "workers", s.poolSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping: context cancelled")
			s.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Recover moves jobs that have been Running for longer than the stale
// threshold back to Pending. Their previous run is presumed lost with a
// crashed process. A job whose cancellation was requested is Cancelled
// instead. It returns the ids of recovered jobs. Tick repeats this check
// on every pass.
func (s *Scheduler) Recover(ctx context.Context) ([]string, error) {
	now := s.repo.Clock().Now()
	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	var recovered []string
	for _, j := range jobs {
		if !s.isStale(j, now) {
			continue
		}
		_, ok, err := s.recoverStale(ctx, j, now)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered = append(recovered, j.ID)
		}
	}
	return recovered, nil
}

// isStale reports whether j is Running without a live run in this
// process and started at least staleAfter ago.
func (s *Scheduler) isStale(j ir.Job, now time.Time) bool {
	return j.Status == ir.JobRunning && !s.isRunningHere(j.ID) && now.Sub(j.StartedAt) >= s.staleAfter
}

// recoverStale returns a stale job to Pending, or Cancelled when a
// cancel was requested. It reports false when another writer got there
// first.
func (s *Scheduler) recoverStale(ctx context.Context, j ir.Job, now time.Time) (ir.Job, bool, error) {
	if j.CancelRequested {
		j.Status = ir.JobCancelled
		j.FinishedAt = now
	} else {
		j.Status = ir.JobPending
		j.LastError = StaleRunError
	}
	updated, err := s.repo.CompareAndSwapJob(ctx, j)
	if err != nil {
		if ir.IsConflictError(err) {
			return ir.Job{}, false, nil
		}
		return ir.Job{}, false, fmt.Errorf("recover job %s: %w", j.ID, err)
	}
	s.logger.Warn("recovered stale job", "job", j.ID, "started_at", j.StartedAt, "status", updated.Status)
	return updated, true, nil
}
