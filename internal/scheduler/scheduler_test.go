package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/reckon/internal/action"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/repo"
	"github.com/roach88/reckon/internal/store"
	"github.com/roach88/reckon/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	repo  *repo.Repository
	clock *testutil.FakeClock
	exec  *action.Dispatcher
	ids   *testutil.SequenceGenerator
}

func setup(t *testing.T, handlers map[string]action.Handler) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "reckon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	opts := []action.Option{action.WithDedupeWindow(0)}
	for name, h := range handlers {
		opts = append(opts, action.WithHandler(name, h))
	}
	clock := testutil.NewFakeClock()
	return &fixture{
		repo:  repo.New(s, repo.WithClock(clock)),
		clock: clock,
		exec:  action.NewDispatcher(opts...),
		ids:   testutil.NewSequenceGenerator("job"),
	}
}

func (f *fixture) scheduler(opts ...Option) *Scheduler {
	base := []Option{WithIDGenerator(f.ids.Generate), WithJobTimeout(5 * time.Second)}
	return New(f.repo, f.exec, append(base, opts...)...)
}

// runDue ticks once and waits for the started runs to finish.
func runDue(t *testing.T, s *Scheduler) TickReport {
	t.Helper()
	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	s.Wait()
	return report
}

func failing(context.Context, map[string]ir.Value) (string, error) {
	return "", errors.New("endpoint returned 503")
}

func fixedBackoff(maxAttempts int) ir.BackoffPolicy {
	return ir.BackoffPolicy{Initial: 10 * time.Second, Max: time.Hour, Multiplier: 2, MaxAttempts: maxAttempts}
}

func TestScheduleValidatesSpec(t *testing.T) {
	f := setup(t, nil)
	s := f.scheduler()
	ctx := context.Background()

	tests := []struct {
		name  string
		spec  ir.JobSpec
		field string
	}{
		{"non-positive interval", ir.JobSpec{Kind: ir.Every(0, 0), Payload: ir.NewInvoke("noop", nil)}, "kind.every"},
		{"missing run_at", ir.JobSpec{Kind: ir.JobKind{Type: ir.JobOnce}, Payload: ir.NewInvoke("noop", nil)}, "kind.run_at"},
		{"bad cron", ir.JobSpec{Kind: ir.Cron("every tuesday"), Payload: ir.NewInvoke("noop", nil)}, "kind.expr"},
		{"bad backoff", ir.JobSpec{Kind: ir.Every(time.Minute, 0), Payload: ir.NewInvoke("noop", nil), Backoff: ir.BackoffPolicy{Initial: -1}}, "backoff.initial"},
		{"invalid payload", ir.JobSpec{Kind: ir.Every(time.Minute, 0), Payload: ir.Action{Kind: ir.ActionInvoke}}, "payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Schedule(ctx, tt.spec)
			var se *ir.SchedulingError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.field, se.Field)
			assert.NotEmpty(t, se.JobID)
		})
	}

	jobs, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "nothing is persisted for invalid specs")
}

func TestScheduleWithIDIsCreateIfAbsent(t *testing.T) {
	f := setup(t, nil)
	s := f.scheduler()
	ctx := context.Background()
	spec := ir.JobSpec{Kind: ir.Every(time.Minute, 0), Payload: ir.NewInvoke("noop", nil), Source: "trigger:t1"}

	first, created, err := s.ScheduleWithID(ctx, "job-fire-1", spec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ir.JobPending, first.Status)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), first.NextRunAt)
	assert.Equal(t, ir.DefaultBackoff(), first.Backoff)

	second, created, err := s.ScheduleWithID(ctx, "job-fire-1", spec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Revision, second.Revision)

	jobs, err := s.List(ctx, Filter{Source: "trigger:t1"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestOnceJobNeverRunsEarly(t *testing.T) {
	var calls atomic.Int32
	f := setup(t, map[string]action.Handler{"ping": func(context.Context, map[string]ir.Value) (string, error) {
		calls.Add(1)
		return "pong", nil
	}})
	s := f.scheduler()
	job, err := s.Schedule(context.Background(), ir.JobSpec{Kind: ir.Once(testutil.Epoch.Add(time.Hour)), Payload: ir.NewInvoke("ping", nil)})
	require.NoError(t, err)
	assert.Equal(t, "job-0001", job.ID)

	f.clock.Advance(59 * time.Minute)
	assert.Empty(t, runDue(t, s).Started)
	assert.Zero(t, calls.Load())

	f.clock.Advance(time.Minute)
	assert.Equal(t, []string{job.ID}, runDue(t, s).Started)
	assert.Equal(t, int32(1), calls.Load())

	got, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.JobCompleted, got.Status)
	assert.Equal(t, 1, got.RunCount)
	assert.Empty(t, runDue(t, s).Started, "completed jobs do not run again")
}

func TestOnceJobRetriesWithIncreasingDelaysThenFails(t *testing.T) {
	f := setup(t, map[string]action.Handler{"flaky": failing})
	s := f.scheduler()
	ctx := context.Background()
	job, err := s.Schedule(ctx, ir.JobSpec{Kind: ir.Once(testutil.Epoch), Payload: ir.NewInvoke("flaky", nil), Backoff: fixedBackoff(4)})
	require.NoError(t, err)

	var delays []time.Duration
	for {
		f.clock.Set(job.NextRunAt)
		runDue(t, s)
		job, err = s.Get(ctx, job.ID)
		require.NoError(t, err)
		if job.Status != ir.JobPending {
			break
		}
		delays = append(delays, job.NextRunAt.Sub(f.clock.Now()))
	}

	assert.Equal(t, ir.JobFailed, job.Status)
	assert.Equal(t, 4, job.Attempts)
	assert.Contains(t, job.LastError, "503")
	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1], "delays must strictly increase: %v", delays)
	}
	assert.Equal(t, 10*time.Second, delays[0])
}

func TestIntervalJobKeepsNextOccurrenceAfterFailures(t *testing.T) {
	f := setup(t, map[string]action.Handler{"flaky": failing})
	s := f.scheduler()
	ctx := context.Background()
	job, err := s.Schedule(ctx, ir.JobSpec{Kind: ir.Every(time.Minute, 0), Payload: ir.NewInvoke("flaky", nil), Backoff: fixedBackoff(3)})
	require.NoError(t, err)

	// Two retries fit inside the occurrence; the third failure hits the cap.
	for i := 0; i < 3; i++ {
		f.clock.Set(job.NextRunAt)
		runDue(t, s)
		job, err = s.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, ir.JobPending, job.Status)
	}

	assert.Equal(t, testutil.Epoch.Add(2*time.Minute), job.NextRunAt)
	assert.Equal(t, testutil.Epoch.Add(2*time.Minute), job.ScheduledFor)
	assert.Zero(t, job.Attempts)
	assert.Equal(t, 1, job.RunCount)
	assert.Contains(t, job.LastError, "503", "last error survives the reschedule")
}

func TestIntervalJobSkipsMissedOccurrences(t *testing.T) {
	f := setup(t, nil)
	s := f.scheduler()
	ctx := context.Background()
	job, err := s.Schedule(ctx, ir.JobSpec{Kind: ir.Every(10*time.Minute, 0), Payload: ir.NewInvoke("noop", nil)})
	require.NoError(t, err)

	f.clock.Advance(35 * time.Minute)
	runDue(t, s)
	job, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.JobPending, job.Status)
	assert.Equal(t, testutil.Epoch.Add(40*time.Minute), job.NextRunAt)
	assert.Equal(t, 1, job.RunCount)
}

func TestWorkerPoolBoundsRunningJobs(t *testing.T) {
	release := make(chan struct{})
	var running, peak atomic.Int32
	f := setup(t, map[string]action.Handler{"slow": func(context.Context, map[string]ir.Value) (string, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return "", nil
	}})
	s := f.scheduler(WithWorkers(3))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.Schedule(ctx, ir.JobSpec{Kind: ir.Once(testutil.Epoch), Payload: ir.NewInvoke("slow", nil)})
		require.NoError(t, err)
	}

	report, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, report.Due)
	assert.Len(t, report.Started, 3)

	report, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Started, "no free worker")

	inStore, err := s.List(ctx, Filter{Status: ir.JobRunning})
	require.NoError(t, err)
	assert.Len(t, inStore, 3)

	close(release)
	s.Wait()
	for i := 0; i < 4; i++ {
		runDue(t, s)
	}
	done, err := s.List(ctx, Filter{Status: ir.JobCompleted})
	require.NoError(t, err)
	assert.Len(t, done, 10)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	f := setup(t, map[string]action.Handler{"block": func(ctx context.Context, _ map[string]ir.Value) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}})
	s := f.scheduler()
	ctx := context.Background()

	pending, err := s.Schedule(ctx, ir.JobSpec{Kind: ir.Once(testutil.Epoch.Add(time.Hour)), Payload: ir.NewInvoke("noop", nil)})
	require.NoError(t, err)
	cancelled, err := s.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.JobCancelled, cancelled.Status)

	_, err = s.Cancel(ctx, pending.ID)
	assert.True(t, ir.IsSchedulingError(err), "terminal jobs cannot be cancelled")

	running, err := s.Schedule(ctx, ir.JobSpec{Kind: ir.Once(testutil.Epoch), Payload: ir.NewInvoke("block", nil)})
	require.NoError(t, err)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	<-started

	flagged, err := s.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.JobRunning, flagged.Status)
	assert.True(t, flagged.CancelRequested)

	s.Wait()
	got, err := s.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.JobCancelled, got.Status)
}

func TestRecoverStaleRunningJobs(t *testing.T) {
	f := setup(t, nil)
	s := f.scheduler(WithStaleAfter(10 * time.Minute))
	ctx := context.Background()

	mk := func(id string, startedAt time.Time, cancel bool) {
		_, err := f.repo.CreateJob(ctx, ir.Job{
			ID:              id,
			Kind:            ir.Once(testutil.Epoch),
			Payload:         ir.NewInvoke("noop", nil),
			Status:          ir.JobRunning,
			NextRunAt:       testutil.Epoch,
			Backoff:         ir.DefaultBackoff(),
			StartedAt:       startedAt,
			CancelRequested: cancel,
		})
		require.NoError(t, err)
	}
	mk("stale", testutil.Epoch, false)
	mk("stale-cancelled", testutil.Epoch, true)
	mk("fresh", testutil.Epoch.Add(9*time.Minute), false)
	f.clock.Advance(11 * time.Minute)

	recovered, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stale", "stale-cancelled"}, recovered)

	stale, err := s.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, ir.JobPending, stale.Status)
	assert.Equal(t, StaleRunError, stale.LastError)

	gone, err := s.Get(ctx, "stale-cancelled")
	require.NoError(t, err)
	assert.Equal(t, ir.JobCancelled, gone.Status)

	fresh, err := s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, ir.JobRunning, fresh.Status)

	// The recovered job runs again: at-least-once.
	assert.Equal(t, []string{"stale"}, runDue(t, s).Started)
}

func TestTickRecoversJobsThatGoStaleAfterStartup(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	// Left Running by a process that crashed right after claiming it.
	_, err := f.repo.CreateJob(ctx, ir.Job{
		ID:           "hourly",
		Kind:         ir.Every(time.Hour, 0),
		Payload:      ir.NewInvoke("noop", nil),
		Status:       ir.JobRunning,
		NextRunAt:    testutil.Epoch,
		ScheduledFor: testutil.Epoch,
		Backoff:      ir.DefaultBackoff(),
		StartedAt:    testutil.Epoch,
	})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	s := f.scheduler(WithStaleAfter(10 * time.Minute))
	recovered, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, recovered)

	var started []string
	for i := 0; i < 15 && len(started) == 0; i++ {
		f.clock.Advance(time.Minute)
		started = runDue(t, s).Started
	}
	assert.Equal(t, []string{"hourly"}, started)

	j, err := s.Get(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, ir.JobPending, j.Status)
	assert.Equal(t, 1, j.RunCount)
	assert.Equal(t, testutil.Epoch.Add(time.Hour), j.NextRunAt)
}

func TestTickLeavesJobsRunningHereAlone(t *testing.T) {
	release := make(chan struct{})
	f := setup(t, map[string]action.Handler{
		"block": func(ctx context.Context, _ map[string]ir.Value) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "", nil
		},
	})
	s := f.scheduler(WithStaleAfter(time.Minute), WithJobTimeout(time.Hour))
	ctx := context.Background()

	_, err := s.Schedule(ctx, ir.JobSpec{Kind: ir.Once(testutil.Epoch), Payload: ir.NewInvoke("block", nil)})
	require.NoError(t, err)
	report, err := s.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Started, 1)

	f.clock.Advance(5 * time.Minute)
	_, err = s.Tick(ctx)
	require.NoError(t, err)

	j, err := s.Get(ctx, report.Started[0])
	require.NoError(t, err)
	assert.Equal(t, ir.JobRunning, j.Status)
	assert.Empty(t, j.LastError)

	close(release)
	s.Wait()
	j, err = s.Get(ctx, report.Started[0])
	require.NoError(t, err)
	assert.Equal(t, ir.JobCompleted, j.Status)
}

func TestRunStopsAndWaits(t *testing.T) {
	var mu sync.Mutex
	ran := 0
	f := setup(t, map[string]action.Handler{"count": func(context.Context, map[string]ir.Value) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		ran++
		return "", nil
	}})
	s := f.scheduler(WithInterval(10 * time.Millisecond))
	_, err := s.Schedule(context.Background(), ir.JobSpec{Kind: ir.Once(testutil.Epoch), Payload: ir.NewInvoke("count", nil)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
