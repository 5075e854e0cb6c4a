package engine

import (
	"context"
	"fmt"

	"github.com/roach88/reckon/internal/datalog"
	"github.com/roach88/reckon/internal/ir"
)

// TestResult is the outcome of a dry-run evaluation.
type TestResult struct {
	Fires  bool       `json:"fires"`
	Vars   []string   `json:"vars"`
	Tuples []ir.Tuple `json:"tuples"`
}

// TestTrigger evaluates a trigger's condition against the current
// knowledge without persisting anything. Disabled triggers can be tested.
// Fires reports whether the condition holds; whether a tick would
// actually fire also depends on the persisted edge state.
func (e *Engine) TestTrigger(ctx context.Context, name string) (TestResult, error) {
	t, err := e.repo.GetTrigger(ctx, name)
	if err != nil {
		return TestResult{}, fmt.Errorf("load trigger %s: %w", name, err)
	}
	return e.dryRun(ctx, datalog.Query{Name: t.Name, Condition: t.Condition})
}

// Query evaluates an ad-hoc condition such as `interested(U), !muted(U)`
// and returns the bindings of its variables.
func (e *Engine) Query(ctx context.Context, condition string) (TestResult, error) {
	cond, err := datalog.ParseCondition(condition)
	if err != nil {
		return TestResult{}, err
	}
	return e.dryRun(ctx, datalog.Query{Name: "adhoc", Condition: cond})
}

func (e *Engine) dryRun(ctx context.Context, q datalog.Query) (TestResult, error) {
	snap, err := e.repo.LoadSnapshot(ctx)
	if err != nil {
		return TestResult{}, fmt.Errorf("load snapshot: %w", err)
	}
	in := baseInput(snap)
	in.Queries = []datalog.Query{q}
	prog, res, err := e.pipeline.Evaluate(ctx, in)
	if err != nil {
		return TestResult{}, err
	}
	rel := prog.Queries[q.Name]
	return TestResult{
		Fires:  res.NonEmpty(rel.Relation),
		Vars:   rel.Vars,
		Tuples: res.Tuples(rel.Relation),
	}, nil
}
