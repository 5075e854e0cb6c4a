package core

import (
	"context"
	"fmt"

	"github.com/roach88/reckon/internal/datalog"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/repo"
)

// ParseFact builds a fact from text arguments typed by the predicate's
// declaration.
func (rt *Runtime) ParseFact(ctx context.Context, predicate string, args []string) (ir.Fact, error) {
	d, err := rt.Registry.Get(ctx, predicate)
	if err != nil {
		return ir.Fact{}, fmt.Errorf("predicate %s: %w", predicate, err)
	}
	if len(args) != d.Arity() {
		return ir.Fact{}, &ir.ValidationError{Predicate: predicate, Field: "args", Index: -1,
			Expected: fmt.Sprintf("%d arguments", d.Arity()), Actual: fmt.Sprintf("%d", len(args)),
			Message: "arity mismatch for " + d.Signature()}
	}
	vals := make(ir.Tuple, len(args))
	for i, a := range d.Args {
		v, err := ir.ParseValue(a.Type, args[i])
		if err != nil {
			return ir.Fact{}, &ir.ValidationError{Predicate: predicate, Field: a.Name, Index: i,
				Expected: string(a.Type), Actual: args[i], Message: err.Error()}
		}
		vals[i] = v
	}
	return ir.NewFact(predicate, vals...)
}

// Facts lists facts, optionally of one predicate.
func (rt *Runtime) Facts(ctx context.Context, predicate string) ([]ir.Fact, error) {
	if predicate == "" {
		return rt.Repo.ListFacts(ctx)
	}
	return rt.Repo.ListFactsByPredicate(ctx, predicate)
}

// AddRule parses text and stores it as rule name, replacing any rule of
// that name. The rule is rejected when the resulting program, including
// every trigger condition, no longer compiles.
func (rt *Runtime) AddRule(ctx context.Context, name, text string) (ir.Rule, error) {
	r, err := datalog.ParseRule(name, text)
	if err != nil {
		return ir.Rule{}, err
	}
	if err := rt.checkProgram(ctx, []ir.Rule{r}, nil, nil); err != nil {
		return ir.Rule{}, err
	}
	out, err := rt.Repo.SaveRule(ctx, r)
	if err != nil {
		return ir.Rule{}, err
	}
	rt.logger.Info("rule saved", "rule", name, "clause", r.Clause())
	return out, nil
}

// RemoveRule deletes a rule after checking that triggers still compile
// without it.
func (rt *Runtime) RemoveRule(ctx context.Context, name string) error {
	r, err := rt.Repo.GetRule(ctx, name)
	if err != nil {
		return fmt.Errorf("rule %s: %w", name, err)
	}
	r.Enabled = false
	if err := rt.checkProgram(ctx, []ir.Rule{r}, nil, nil); err != nil {
		return err
	}
	if err := rt.Repo.DeleteRule(ctx, name); err != nil {
		return err
	}
	rt.logger.Info("rule removed", "rule", name)
	return nil
}

// SetRuleEnabled enables or disables a rule.
func (rt *Runtime) SetRuleEnabled(ctx context.Context, name string, enabled bool) (ir.Rule, error) {
	r, err := rt.Repo.GetRule(ctx, name)
	if err != nil {
		return ir.Rule{}, fmt.Errorf("rule %s: %w", name, err)
	}
	r.Enabled = enabled
	if err := rt.checkProgram(ctx, []ir.Rule{r}, nil, nil); err != nil {
		return ir.Rule{}, err
	}
	return rt.Repo.UpdateRule(ctx, name, func(cur *ir.Rule) error {
		cur.Enabled = enabled
		return nil
	})
}

// checkProgram compiles the stored knowledge with the given declarations,
// rules and triggers added or replaced by name. Every trigger condition
// is compiled as a query so that a change cannot break a trigger.
func (rt *Runtime) checkProgram(ctx context.Context, rules []ir.Rule, triggers []ir.Trigger, decls []ir.FactDeclaration) error {
	snap, err := rt.Repo.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	stored, err := rt.Repo.ListTriggers(ctx)
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}

	in := datalog.Input{
		Declarations: merge(snap.Declarations, decls, func(d ir.FactDeclaration) string { return d.Name }),
		Rules:        merge(snap.Rules, rules, func(r ir.Rule) string { return r.Name }),
	}
	for _, t := range merge(stored, triggers, func(t ir.Trigger) string { return t.Name }) {
		in.Queries = append(in.Queries, datalog.Query{Name: t.Name, Condition: t.Condition})
	}
	_, err = rt.Pipeline.Compile(in)
	return err
}

// merge returns base with items replacing or extending entries by key.
func merge[T any](base, items []T, key func(T) string) []T {
	if len(items) == 0 {
		return base
	}
	out := make([]T, 0, len(base)+len(items))
	replaced := make(map[string]bool, len(items))
	for _, it := range items {
		replaced[key(it)] = true
	}
	for _, b := range base {
		if !replaced[key(b)] {
			out = append(out, b)
		}
	}
	return append(out, items...)
}

// Snapshot reads the current knowledge.
func (rt *Runtime) Snapshot(ctx context.Context) (repo.Snapshot, error) {
	return rt.Repo.LoadSnapshot(ctx)
}
