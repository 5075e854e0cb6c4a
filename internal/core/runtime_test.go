package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reckon/internal/bundle"
	"github.com/roach88/reckon/internal/config"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/testutil"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(_ context.Context, args map[string]ir.Value) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ir.Display(args["who"]))
	return "ok", nil
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	rt    *Runtime
	clock *testutil.FakeClock
	rec   *recorder
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "reckon.db")
	cfg.Engine.Interval = 10 * time.Millisecond
	cfg.Scheduler.Interval = 10 * time.Millisecond
	return cfg
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock()
	rec := &recorder{}
	rt, err := Open(testConfig(t),
		WithClock(clock),
		WithTokens(testutil.NewSequenceGenerator("fire")),
		WithJobIDs(testutil.NewSequenceGenerator("job").Generate),
		WithHandler("record", rec.handler),
	)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return &fixture{rt: rt, clock: clock, rec: rec}
}

const interests = `
declarations: {
	likes: args: {person: "string", topic: "symbol"}
}
rules: {
	interested: "interested(P, T) :- likes(P, T)."
}
triggers: {
	go_fan: {
		condition: "interested(P, /go)"
		action: invoke: {name: "record", args: {who: "go fans"}}
	}
}
facts: [{predicate: "likes", args: ["alice", "/rust"]}]
`

func applySource(t *testing.T, f *fixture, src string) ApplyReport {
	t.Helper()
	b, errs := bundle.LoadSource("test.cue", src, bundle.FailFast)
	require.Empty(t, errs)
	report, err := f.rt.ApplyBundle(context.Background(), b)
	require.NoError(t, err)
	return report
}

func TestApplyBundleThenFire(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	report := applySource(t, f, interests)
	assert.Equal(t, ApplyReport{Declarations: 1, Rules: 1, Triggers: 1, Facts: 1}, report)

	tick, err := f.rt.Engine.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, tick.Fired)

	fact, err := f.rt.ParseFact(ctx, "likes", []string{"bob", "go"})
	require.NoError(t, err)
	_, _, err = f.rt.Registry.Assert(ctx, fact)
	require.NoError(t, err)

	tick, err = f.rt.Engine.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, tick.Fired, 1)
	assert.Equal(t, "fire-0001", tick.Fired[0].Token)
	assert.Equal(t, []string{"go fans"}, f.rec.list())

	// Re-applying the same bundle keeps edge state: no refire.
	applySource(t, f, interests)
	tick, err = f.rt.Engine.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, tick.Fired)

	firings, err := f.rt.Firings(ctx, "go_fan")
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, ir.FireCompleted, firings[0].Status)
}

func TestApplyBundleRejectsBrokenProgramAtomically(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	applySource(t, f, interests)

	b, errs := bundle.LoadSource("bad.cue", `
rules: {
	p: "p(X) :- likes(X, _), !q(X)."
	q: "q(X) :- likes(X, _), !p(X)."
}
triggers: lonely: {
	condition: "p(X)"
	action: invoke: name: "noop"
}
`, bundle.FailFast)
	require.Empty(t, errs)
	_, err := f.rt.ApplyBundle(ctx, b)
	require.Error(t, err)
	assert.True(t, ir.IsCompilationError(err))

	rules, err := f.rt.Repo.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1, "nothing from the rejected bundle was written")
	_, err = f.rt.Repo.GetTrigger(ctx, "lonely")
	assert.Error(t, err)
}

func TestAddRuleChecksProgram(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	applySource(t, f, interests)

	_, err := f.rt.AddRule(ctx, "bad", "lonely(X) :- !likes(X, _).")
	assert.True(t, ir.IsCompilationError(err), "unsafe variable: %v", err)

	_, err = f.rt.AddRule(ctx, "unknown", "fan(X) :- follows(X, _).")
	assert.True(t, ir.IsCompilationError(err), "unresolved predicate: %v", err)

	r, err := f.rt.AddRule(ctx, "fan", "fan(P) :- likes(P, /go).")
	require.NoError(t, err)
	assert.True(t, r.Enabled)

	// The go_fan trigger depends on interested; removing its rule would
	// leave the condition unresolved.
	err = f.rt.RemoveRule(ctx, "interested")
	assert.True(t, ir.IsCompilationError(err))

	_, err = f.rt.SetRuleEnabled(ctx, "fan", false)
	require.NoError(t, err)
	require.NoError(t, f.rt.RemoveRule(ctx, "fan"))
}

func TestParseFact(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.rt.Registry.Register(ctx, ir.FactDeclaration{Name: "reading", Args: []ir.Arg{
		{Name: "sensor", Type: ir.TypeSymbol},
		{Name: "value", Type: ir.TypeFloat},
		{Name: "ok", Type: ir.TypeBool},
	}})
	require.NoError(t, err)

	fact, err := f.rt.ParseFact(ctx, "reading", []string{"/kitchen", "21.5", "true"})
	require.NoError(t, err)
	assert.Equal(t, "reading(/kitchen, 21.5, /true)", fact.String())

	_, err = f.rt.ParseFact(ctx, "reading", []string{"kitchen", "warm", "true"})
	var ve *ir.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 1, ve.Index)
	assert.Equal(t, "value", ve.Field)

	_, err = f.rt.ParseFact(ctx, "reading", []string{"kitchen"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, -1, ve.Index)
}

func TestTriggerScheduleJobRunsThroughScheduler(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	applySource(t, f, `
declarations: alert: args: {level: "int"}
triggers: page: {
	condition: "alert(L)"
	action: schedule_job: {
		once: "2026-01-01T09:05:00Z"
		payload: invoke: {name: "record", args: {who: "oncall"}}
	}
}
`)

	fact, err := f.rt.ParseFact(ctx, "alert", []string{"3"})
	require.NoError(t, err)
	_, _, err = f.rt.Registry.Assert(ctx, fact)
	require.NoError(t, err)

	tick, err := f.rt.Engine.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, tick.Fired, 1)
	assert.Equal(t, "job:job-fire-0001", tick.Fired[0].Result)
	jobID := "job-fire-0001"

	job, err := f.rt.Scheduler.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, ir.JobPending, job.Status)
	assert.Equal(t, "trigger:page", job.Source)

	f.clock.Advance(5 * time.Minute)
	_, err = f.rt.Scheduler.Tick(ctx)
	require.NoError(t, err)
	f.rt.Scheduler.Wait()

	job, err = f.rt.Scheduler.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, ir.JobCompleted, job.Status)
	assert.Equal(t, []string{"oncall"}, f.rec.list())
}

func TestTriggerValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	applySource(t, f, interests)

	tr, err := NewTrigger("BadName", "likes(P, T)", ir.NewInvoke("noop", nil))
	require.NoError(t, err)
	_, err = f.rt.AddTrigger(ctx, tr)
	assert.True(t, ir.IsValidationError(err))

	tr, err = NewTrigger("muted", "likes(P, T)", ir.Action{Kind: ir.ActionInvoke})
	require.NoError(t, err)
	_, err = f.rt.AddTrigger(ctx, tr)
	assert.True(t, ir.IsValidationError(err))

	tr, err = NewTrigger("ghost", "haunts(P)", ir.NewInvoke("noop", nil))
	require.NoError(t, err)
	_, err = f.rt.AddTrigger(ctx, tr)
	assert.True(t, ir.IsCompilationError(err))

	_, err = NewTrigger("syntax", "likes(P,", ir.NewInvoke("noop", nil))
	assert.Error(t, err)
}

func TestSetTriggerEnabledClearsDegraded(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	applySource(t, f, interests)

	_, err := f.rt.Repo.UpdateTrigger(ctx, "go_fan", func(cur *ir.Trigger) error {
		cur.Enabled = false
		cur.Status = ir.TriggerDegraded
		cur.ConsecutiveFailures = 3
		cur.LastError = "evaluator crashed"
		return nil
	})
	require.NoError(t, err)

	tr, err := f.rt.SetTriggerEnabled(ctx, "go_fan", true)
	require.NoError(t, err)
	assert.True(t, tr.Enabled)
	assert.Equal(t, ir.TriggerActive, tr.Status)
	assert.Zero(t, tr.ConsecutiveFailures)
	assert.Empty(t, tr.LastError)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	rt, err := Open(cfg)
	require.NoError(t, err)
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
