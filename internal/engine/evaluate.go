package engine

import (
	"context"

	"github.com/roach88/reckon/internal/datalog"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/repo"
)

// outcome is one trigger's evaluation result within a tick.
type outcome struct {
	current bool
	tuples  []ir.Tuple
	err     *TriggerError
}

func baseInput(snap repo.Snapshot) datalog.Input {
	return datalog.Input{
		Declarations: snap.Declarations,
		Facts:        snap.Facts,
		Rules:        snap.Rules,
	}
}

func queriesFor(triggers []ir.Trigger) []datalog.Query {
	qs := make([]datalog.Query, len(triggers))
	for i, t := range triggers {
		qs[i] = datalog.Query{Name: t.Name, Condition: t.Condition}
	}
	return qs
}

func failed(name string, stage FailureStage, err error) outcome {
	return outcome{err: &TriggerError{Trigger: name, Stage: stage, Err: err}}
}

// evaluate computes every trigger's condition against snap.
//
// All conditions are compiled into one program and evaluated once. When
// that program does not compile, conditions are compiled one at a time to
// find the ones that no longer compile. When the batched run fails for a
// reason other than a timeout and isolation is on, each condition is
// re-run alone against the same snapshot. The returned error is non-nil
// only when ctx ends.
func (e *Engine) evaluate(ctx context.Context, snap repo.Snapshot, triggers []ir.Trigger) (map[string]outcome, error) {
	out := make(map[string]outcome, len(triggers))
	if len(triggers) == 0 {
		return out, nil
	}

	in := baseInput(snap)
	in.Queries = queriesFor(triggers)
	batch := triggers
	prog, err := e.pipeline.Compile(in)
	if err != nil {
		batch = nil
		for _, t := range triggers {
			if _, err := e.compileOne(snap, t); err != nil {
				out[t.Name] = failed(t.Name, StageCompile, err)
				continue
			}
			batch = append(batch, t)
		}
		if len(batch) == 0 {
			return out, nil
		}
		in.Queries = queriesFor(batch)
		if prog, err = e.pipeline.Compile(in); err != nil {
			for _, t := range batch {
				out[t.Name] = failed(t.Name, StageCompile, err)
			}
			return out, nil
		}
	}

	res, err := e.pipeline.Execute(ctx, prog)
	if err == nil {
		collect(out, prog, res, batch)
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if ir.IsTimeout(err) || !e.isolate || len(batch) == 1 {
		for _, t := range batch {
			out[t.Name] = failed(t.Name, StageEvaluate, err)
		}
		return out, nil
	}

	e.logger.Warn("batched evaluation failed, isolating conditions", "triggers", len(batch), "error", err)
	for _, t := range batch {
		prog, err := e.compileOne(snap, t)
		if err != nil {
			out[t.Name] = failed(t.Name, StageCompile, err)
			continue
		}
		res, err := e.pipeline.Execute(ctx, prog)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out[t.Name] = failed(t.Name, StageEvaluate, err)
			continue
		}
		collect(out, prog, res, []ir.Trigger{t})
	}
	return out, nil
}

func (e *Engine) compileOne(snap repo.Snapshot, t ir.Trigger) (datalog.Program, error) {
	in := baseInput(snap)
	in.Queries = queriesFor([]ir.Trigger{t})
	return e.pipeline.Compile(in)
}

func collect(out map[string]outcome, prog datalog.Program, res datalog.Result, triggers []ir.Trigger) {
	for _, t := range triggers {
		rel := prog.Queries[t.Name].Relation
		out[t.Name] = outcome{current: res.NonEmpty(rel), tuples: res.Tuples(rel)}
	}
}
