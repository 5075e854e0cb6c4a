package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/reckon/internal/action"
	"github.com/roach88/reckon/internal/datalog"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/repo"
	"github.com/roach88/reckon/internal/schema"
	"github.com/roach88/reckon/internal/store"
	"github.com/roach88/reckon/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// callLog records notify invocations by trigger name.
type callLog struct {
	mu    sync.Mutex
	calls map[string]int
	fail  atomic.Int32 // number of upcoming calls that fail
}

func (c *callLog) handler(_ context.Context, args map[string]ir.Value) (string, error) {
	if c.fail.Load() > 0 {
		c.fail.Add(-1)
		return "", errors.New("downstream unavailable")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	name := ir.Display(args["trigger"])
	c.calls[name]++
	return "notified " + name, nil
}

func (c *callLog) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// switchEvaluator wraps the Mangle evaluator and fails on demand.
type switchEvaluator struct {
	inner  datalog.Evaluator
	failOn atomic.Value // string; fail programs whose text contains it
}

func (s *switchEvaluator) Evaluate(ctx context.Context, p datalog.Program) (datalog.Result, error) {
	if marker, _ := s.failOn.Load().(string); marker != "" && strings.Contains(p.Text, marker) {
		return nil, errors.New("evaluator crashed")
	}
	return s.inner.Evaluate(ctx, p)
}

type fixture struct {
	repo  *repo.Repository
	reg   *schema.Registry
	clock *testutil.FakeClock
	calls *callLog
	eval  *switchEvaluator
	exec  *action.Dispatcher
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "reckon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewFakeClock()
	r := repo.New(s, repo.WithClock(clock))
	reg := schema.New(r)
	calls := &callLog{calls: make(map[string]int)}
	return &fixture{
		repo:  r,
		reg:   reg,
		clock: clock,
		calls: calls,
		eval:  &switchEvaluator{inner: datalog.NewMangleEvaluator(0)},
		exec:  action.NewDispatcher(action.WithFacts(reg), action.WithHandler("notify", calls.handler)),
	}
}

// engine builds a fresh engine over the fixture's store, as a restarted
// process would.
func (f *fixture) engine(opts ...Option) *Engine {
	p := datalog.NewPipeline(f.eval, datalog.WithTimeout(10*time.Second))
	base := []Option{WithTokens(testutil.NewSequenceGenerator("fire")), WithDegradedAfter(3)}
	return New(f.repo, p, f.exec, append(base, opts...)...)
}

func (f *fixture) declare(t *testing.T, name string, args ...ir.Arg) {
	t.Helper()
	_, err := f.reg.Register(context.Background(), ir.FactDeclaration{Name: name, Args: args})
	require.NoError(t, err)
}

func (f *fixture) rule(t *testing.T, name, text string) {
	t.Helper()
	r, err := datalog.ParseRule(name, text)
	require.NoError(t, err)
	_, err = f.repo.SaveRule(context.Background(), r)
	require.NoError(t, err)
}

func (f *fixture) trigger(t *testing.T, name, condition string) ir.Trigger {
	t.Helper()
	cond, err := datalog.ParseCondition(condition)
	require.NoError(t, err)
	tr, err := f.repo.SaveTrigger(context.Background(), ir.Trigger{
		Name:      name,
		Condition: cond,
		Action:    ir.NewInvoke("notify", map[string]ir.Value{"trigger": ir.String(name)}),
		Enabled:   true,
	})
	require.NoError(t, err)
	return tr
}

func (f *fixture) assert(t *testing.T, predicate string, args ...ir.Value) {
	t.Helper()
	fact, err := ir.NewFact(predicate, args...)
	require.NoError(t, err)
	_, _, err = f.reg.Assert(context.Background(), fact)
	require.NoError(t, err)
}

func (f *fixture) retract(t *testing.T, predicate string, args ...ir.Value) {
	t.Helper()
	_, err := f.reg.Retract(context.Background(), ir.FactRef{Predicate: predicate, Args: args})
	require.NoError(t, err)
}

func (f *fixture) getTrigger(t *testing.T, name string) ir.Trigger {
	t.Helper()
	tr, err := f.repo.GetTrigger(context.Background(), name)
	require.NoError(t, err)
	return tr
}

func TestEngine_FiresOnRisingEdgesOnly(t *testing.T) {
	f := setup(t)
	f.declare(t, "alarm", ir.Arg{Name: "level", Type: ir.TypeInt})
	f.trigger(t, "alarm_raised", "alarm(L)")
	e := f.engine()
	ctx := context.Background()

	sequence := []bool{false, false, true, true, false, true}
	var firedAt, rearmedAt []int
	for i, on := range sequence {
		if on {
			f.assert(t, "alarm", ir.Int(1))
		} else {
			f.retract(t, "alarm", ir.Int(1))
		}
		report, err := e.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), report.Seq)
		if len(report.Fired) > 0 {
			firedAt = append(firedAt, i+1)
		}
		if len(report.Rearmed) > 0 {
			rearmedAt = append(rearmedAt, i+1)
		}
		f.clock.Advance(time.Second)
	}

	assert.Equal(t, []int{3, 6}, firedAt)
	assert.Equal(t, []int{5}, rearmedAt)
	assert.Equal(t, 2, f.calls.count("alarm_raised"))

	decisions, err := f.repo.ListFireDecisions(ctx, "alarm_raised")
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "fire-0001", decisions[0].Token)
	assert.Equal(t, int64(3), decisions[0].TickSeq)
	assert.Equal(t, int64(6), decisions[1].TickSeq)
	for _, d := range decisions {
		assert.Equal(t, ir.FireCompleted, d.Status)
		assert.Equal(t, 1, d.Attempts)
		assert.Equal(t, "notified alarm_raised", d.Result)
	}

	tr := f.getTrigger(t, "alarm_raised")
	assert.True(t, tr.LastBoolean)
	assert.Equal(t, testutil.Epoch.Add(5*time.Second), tr.LastFiredAt)
}

func TestEngine_RecoverReplaysPendingDecisionOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.declare(t, "alarm", ir.Arg{Name: "level", Type: ir.TypeInt})
	tr := f.trigger(t, "alarm_raised", "alarm(L)")
	f.assert(t, "alarm", ir.Int(1))

	// The previous process persisted its decision and crashed before
	// updating the trigger or invoking the action.
	_, err := f.repo.CreateFireDecision(ctx, ir.FireDecision{
		Token:      "crashed-1",
		Trigger:    tr.Name,
		SnapshotAt: testutil.Epoch,
		TickSeq:    7,
		Action:     tr.Action,
		Status:     ir.FirePending,
		CreatedAt:  testutil.Epoch,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	e := f.engine()
	replayed, err := e.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, "crashed-1", replayed[0].Token)
	assert.Equal(t, 1, f.calls.count("alarm_raised"))

	d, err := f.repo.GetFireDecision(ctx, "crashed-1")
	require.NoError(t, err)
	assert.Equal(t, ir.FireCompleted, d.Status)
	assert.True(t, f.getTrigger(t, "alarm_raised").LastBoolean)

	// The condition still holds, but the trigger is already true.
	report, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Fired)
	assert.Equal(t, int64(8), report.Seq, "tick clock resumes after the last persisted decision")
	assert.Equal(t, 1, f.calls.count("alarm_raised"))

	// A second restart finds nothing to replay.
	replayed, err = f.engine().Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, replayed)
	assert.Equal(t, 1, f.calls.count("alarm_raised"))
}

func TestEngine_RestartDoesNotRefire(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.declare(t, "alarm", ir.Arg{Name: "level", Type: ir.TypeInt})
	f.trigger(t, "alarm_raised", "alarm(L)")
	f.assert(t, "alarm", ir.Int(1))

	_, err := f.engine().Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.calls.count("alarm_raised"))

	restarted := f.engine()
	_, err = restarted.Recover(ctx)
	require.NoError(t, err)
	report, err := restarted.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Fired)
	assert.Equal(t, 1, f.calls.count("alarm_raised"))
}

func TestEngine_ActionFailureIsRetriedNextTick(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.declare(t, "alarm", ir.Arg{Name: "level", Type: ir.TypeInt})
	f.trigger(t, "alarm_raised", "alarm(L)")
	f.assert(t, "alarm", ir.Int(1))
	f.calls.fail.Store(1)
	e := f.engine()

	report, err := e.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Fired, 1)
	assert.Contains(t, report.Fired[0].Error, "downstream unavailable")

	d, err := f.repo.GetFireDecision(ctx, report.Fired[0].Token)
	require.NoError(t, err)
	assert.Equal(t, ir.FirePending, d.Status)
	assert.Equal(t, 1, d.Attempts)

	report, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Fired, "edge already consumed")
	require.Len(t, report.Retried, 1)
	assert.Empty(t, report.Retried[0].Error)

	d, err = f.repo.GetFireDecision(ctx, d.Token)
	require.NoError(t, err)
	assert.Equal(t, ir.FireCompleted, d.Status)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, 1, f.calls.count("alarm_raised"))
}

func TestEngine_DecisionFailsAfterMaxAttempts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.declare(t, "alarm", ir.Arg{Name: "level", Type: ir.TypeInt})
	f.trigger(t, "alarm_raised", "alarm(L)")
	f.assert(t, "alarm", ir.Int(1))
	f.calls.fail.Store(100)
	e := f.engine(WithMaxFireAttempts(2))

	first, err := e.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, first.Fired, 1)
	_, err = e.Tick(ctx)
	require.NoError(t, err)

	d, err := f.repo.GetFireDecision(ctx, first.Fired[0].Token)
	require.NoError(t, err)
	assert.Equal(t, ir.FireFailed, d.Status)
	assert.Equal(t, 2, d.Attempts)
	assert.Contains(t, d.LastError, "downstream unavailable")

	third, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, third.Retried, "failed decisions are not retried")
}

func TestEngine_DegradesAfterConsecutiveFailures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.declare(t, "alarm", ir.Arg{Name: "level", Type: ir.TypeInt})
	f.trigger(t, "alarm_raised", "alarm(L)")
	f.assert(t, "alarm", ir.Int(1))
	f.eval.failOn.Store("alarm")
	e := f.engine(WithDegradedAfter(2))

	for i := 0; i < 2; i++ {
		report, err := e.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alarm_raised"}, report.Failed())
		assert.Empty(t, report.Fired)
	}

	tr := f.getTrigger(t, "alarm_raised")
	assert.Equal(t, ir.TriggerDegraded, tr.Status)
	assert.Equal(t, 2, tr.ConsecutiveFailures)
	assert.Contains(t, tr.LastError, string(StageEvaluate))
	assert.False(t, tr.LastBoolean, "failures leave edge state alone")

	// Degraded triggers are still evaluated and recover on success.
	f.eval.failOn.Store("")
	report, err := e.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Fired, 1)

	tr = f.getTrigger(t, "alarm_raised")
	assert.Equal(t, ir.TriggerActive, tr.Status)
	assert.Zero(t, tr.ConsecutiveFailures)
	assert.Empty(t, tr.LastError)
}

func TestEngine_IsolatesFailingCondition(t *testing.T) {
	tests := []struct {
		name       string
		isolate    bool
		wantFired  []string
		wantFailed []string
	}{
		{"isolation on", true, []string{"good"}, []string{"bad"}},
		{"isolation off", false, nil, []string{"bad", "good"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.declare(t, "alarm", ir.Arg{Name: "level", Type: ir.TypeInt})
			f.trigger(t, "good", "alarm(L)")
			f.trigger(t, "bad", "alarm(2)")
			f.assert(t, "alarm", ir.Int(1))
			f.eval.failOn.Store(datalog.QueryRelationName("bad"))

			report, err := f.engine(WithIsolation(tt.isolate)).Tick(context.Background())
			require.NoError(t, err)

			var fired []string
			for _, fr := range report.Fired {
				fired = append(fired, fr.Trigger)
			}
			assert.Equal(t, tt.wantFired, fired)
			assert.Equal(t, tt.wantFailed, report.Failed())
		})
	}
}

func TestEngine_ConditionThatNoLongerCompiles(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.declare(t, "alarm", ir.Arg{Name: "level", Type: ir.TypeInt})
	f.trigger(t, "good", "alarm(L)")
	f.trigger(t, "ghost", "ghost(X)")
	f.assert(t, "alarm", ir.Int(1))

	report, err := f.engine().Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Fired, 1)
	assert.Equal(t, "good", report.Fired[0].Trigger)
	require.Len(t, report.Failures, 1)
	assert.True(t, IsTriggerError(report.Failures[0], StageCompile))
	assert.True(t, ir.IsCompilationError(report.Failures[0]))
	assert.Equal(t, 1, f.getTrigger(t, "ghost").ConsecutiveFailures)
}

func TestEngine_DisabledTriggersAreSkipped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.declare(t, "alarm", ir.Arg{Name: "level", Type: ir.TypeInt})
	tr := f.trigger(t, "alarm_raised", "alarm(L)")
	tr.Enabled = false
	_, err := f.repo.SaveTrigger(ctx, tr)
	require.NoError(t, err)
	f.assert(t, "alarm", ir.Int(1))

	report, err := f.engine().Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Evaluated)
	assert.Zero(t, f.calls.count("alarm_raised"))
}

func TestEngine_InterestedUsersEndToEnd(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.declare(t, "likes", ir.Arg{Name: "user", Type: ir.TypeString}, ir.Arg{Name: "topic", Type: ir.TypeString})
	f.declare(t, "muted", ir.Arg{Name: "user", Type: ir.TypeString})
	f.rule(t, "interested", `interested(U) :- likes(U, "distributed-systems").`)
	f.trigger(t, "notify_interested", "interested(U), !muted(U)")
	e := f.engine()

	report, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Fired)

	f.assert(t, "likes", ir.String("alice"), ir.String("distributed-systems"))
	f.assert(t, "likes", ir.String("bob"), ir.String("go"))
	report, err = e.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Fired, 1)
	assert.Equal(t, 1, f.calls.count("notify_interested"))

	res, err := e.TestTrigger(ctx, "notify_interested")
	require.NoError(t, err)
	assert.True(t, res.Fires)
	assert.Equal(t, []string{"U"}, res.Vars)
	assert.Equal(t, []ir.Tuple{{ir.String("alice")}}, res.Tuples)

	// Muting the only interested user empties the condition and re-arms.
	f.assert(t, "muted", ir.String("alice"))
	report, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"notify_interested"}, report.Rearmed)

	f.assert(t, "likes", ir.String("bob"), ir.String("distributed-systems"))
	report, err = e.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Fired, 1)
	assert.Equal(t, 2, f.calls.count("notify_interested"))

	q, err := e.Query(ctx, "interested(U)")
	require.NoError(t, err)
	assert.Equal(t, []ir.Tuple{{ir.String("alice")}, {ir.String("bob")}}, q.Tuples)
}

func TestEngine_TestTriggerPersistsNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.declare(t, "alarm", ir.Arg{Name: "level", Type: ir.TypeInt})
	before := f.trigger(t, "alarm_raised", "alarm(L)")
	f.assert(t, "alarm", ir.Int(1))

	res, err := f.engine().TestTrigger(ctx, "alarm_raised")
	require.NoError(t, err)
	assert.True(t, res.Fires)

	after := f.getTrigger(t, "alarm_raised")
	assert.Equal(t, before.Revision, after.Revision)
	assert.Zero(t, f.calls.count("alarm_raised"))

	_, err = f.engine().TestTrigger(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = f.engine().Query(ctx, "alarm(")
	assert.True(t, ir.IsCompilationError(err))
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	f := setup(t)
	f.declare(t, "alarm", ir.Arg{Name: "level", Type: ir.TypeInt})
	f.trigger(t, "alarm_raised", "alarm(L)")
	f.assert(t, "alarm", ir.Int(1))
	e := f.engine(WithInterval(10 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return f.calls.count("alarm_raised") == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, f.calls.count("alarm_raised"))
}
