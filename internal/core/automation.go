package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/reckon/internal/bundle"
	"github.com/roach88/reckon/internal/datalog"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/repo"
	"github.com/roach88/reckon/internal/schema"
)

// NewTrigger parses condition and returns an enabled trigger.
func NewTrigger(name, condition string, a ir.Action) (ir.Trigger, error) {
	cond, err := datalog.ParseCondition(condition)
	if err != nil {
		return ir.Trigger{}, err
	}
	return ir.Trigger{Name: name, Condition: cond, Action: a, Enabled: true}, nil
}

// AddTrigger validates and stores t. Redefining a trigger keeps its edge
// state, so a trigger whose condition already holds does not refire.
func (rt *Runtime) AddTrigger(ctx context.Context, t ir.Trigger) (ir.Trigger, error) {
	if err := checkTrigger(t); err != nil {
		return ir.Trigger{}, err
	}
	if err := rt.checkProgram(ctx, nil, []ir.Trigger{t}, nil); err != nil {
		return ir.Trigger{}, err
	}
	out, err := rt.Repo.SaveTrigger(ctx, t)
	if err != nil {
		return ir.Trigger{}, err
	}
	rt.logger.Info("trigger saved", "trigger", t.Name, "condition", t.Condition.String(), "action", t.Action.Describe())
	return out, nil
}

func checkTrigger(t ir.Trigger) error {
	if !schema.ValidPredicateName(t.Name) {
		return &ir.ValidationError{Field: "name", Index: -1, Actual: t.Name,
			Message: "trigger names must be lower snake case"}
	}
	if err := t.Action.Validate(); err != nil {
		return &ir.ValidationError{Field: "action", Index: -1, Message: err.Error()}
	}
	if t.Action.Kind == ir.ActionScheduleJob {
		if err := t.Action.ScheduleJob.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RemoveTrigger deletes a trigger. Its fire decisions stay for audit.
func (rt *Runtime) RemoveTrigger(ctx context.Context, name string) error {
	if _, err := rt.Repo.GetTrigger(ctx, name); err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}
	if err := rt.Repo.DeleteTrigger(ctx, name); err != nil {
		return err
	}
	rt.logger.Info("trigger removed", "trigger", name)
	return nil
}

// SetTriggerEnabled enables or disables a trigger. Re-enabling clears
// Degraded status and the failure count.
func (rt *Runtime) SetTriggerEnabled(ctx context.Context, name string, enabled bool) (ir.Trigger, error) {
	return rt.Repo.UpdateTrigger(ctx, name, func(cur *ir.Trigger) error {
		if enabled && !cur.Enabled {
			cur.Status = ir.TriggerActive
			cur.ConsecutiveFailures = 0
			cur.LastError = ""
		}
		cur.Enabled = enabled
		return nil
	})
}

// Firings lists the fire decisions of a trigger, or of all triggers when
// name is empty.
func (rt *Runtime) Firings(ctx context.Context, name string) ([]ir.FireDecision, error) {
	return rt.Repo.ListFireDecisions(ctx, name)
}

// ApplyReport counts what ApplyBundle changed.
type ApplyReport struct {
	Declarations int `json:"declarations"`
	Rules        int `json:"rules"`
	Triggers     int `json:"triggers"`
	Facts        int `json:"facts"`
}

// ApplyBundle creates or updates every entry of b by name. The bundle's
// rules and triggers are compiled together with the stored knowledge
// before anything is written, so a bundle that would break the program
// changes nothing. Entries stored earlier but absent from b are kept.
func (rt *Runtime) ApplyBundle(ctx context.Context, b *bundle.Bundle) (ApplyReport, error) {
	var report ApplyReport
	for _, t := range b.Triggers {
		if err := checkTrigger(t); err != nil {
			return report, fmt.Errorf("trigger %s: %w", t.Name, err)
		}
	}
	if err := rt.checkProgram(ctx, b.Rules, b.Triggers, b.Declarations); err != nil {
		return report, fmt.Errorf("bundle does not compile: %w", err)
	}

	for _, d := range b.Declarations {
		if err := rt.applyDeclaration(ctx, d); err != nil {
			return report, fmt.Errorf("declaration %s: %w", d.Name, err)
		}
		report.Declarations++
	}
	for _, r := range b.Rules {
		if _, err := rt.Repo.SaveRule(ctx, r); err != nil {
			return report, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		report.Rules++
	}
	for _, t := range b.Triggers {
		if _, err := rt.Repo.SaveTrigger(ctx, t); err != nil {
			return report, fmt.Errorf("trigger %s: %w", t.Name, err)
		}
		report.Triggers++
	}
	for _, f := range b.Facts {
		if _, _, err := rt.Registry.Assert(ctx, f); err != nil {
			return report, fmt.Errorf("fact %s: %w", f.String(), err)
		}
		report.Facts++
	}
	rt.logger.Info("bundle applied",
		"dir", b.Dir,
		"declarations", report.Declarations,
		"rules", report.Rules,
		"triggers", report.Triggers,
		"facts", report.Facts,
	)
	return report, nil
}

func (rt *Runtime) applyDeclaration(ctx context.Context, d ir.FactDeclaration) error {
	existing, err := rt.Registry.Get(ctx, d.Name)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		_, err = rt.Registry.Register(ctx, d)
	case err != nil:
	case existing.SameShape(d):
		_, err = rt.Registry.Register(ctx, d)
	default:
		_, err = rt.Registry.Update(ctx, d)
	}
	return err
}
