package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/reckon/internal/action"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/repo"
)

// fire handles a rising edge. The decision is persisted before the
// trigger's edge state, and both before the action runs, so a crash at
// any point leaves either nothing or a Pending decision for Recover.
func (e *Engine) fire(ctx context.Context, t ir.Trigger, at time.Time, seq int64) (Firing, error) {
	hash, err := ir.ActionHash(t.Action)
	if err != nil {
		return Firing{}, fmt.Errorf("hash action of trigger %s: %w", t.Name, err)
	}
	d, err := e.repo.CreateFireDecision(ctx, ir.FireDecision{
		Token:      e.tokens.Generate(),
		Trigger:    t.Name,
		SnapshotAt: at,
		TickSeq:    seq,
		Action:     t.Action,
		ActionHash: hash,
		Status:     ir.FirePending,
		CreatedAt:  at,
	})
	if err != nil {
		return Firing{}, fmt.Errorf("persist fire decision for %s: %w", t.Name, err)
	}

	_, err = e.repo.UpdateTrigger(ctx, t.Name, func(cur *ir.Trigger) error {
		cur.LastBoolean = true
		cur.LastFiredAt = at
		cur.LastEvaluatedAt = at
		cur.ConsecutiveFailures = 0
		cur.Status = ir.TriggerActive
		cur.LastError = ""
		return nil
	})
	if err != nil {
		return Firing{}, fmt.Errorf("persist trigger %s: %w", t.Name, err)
	}

	e.logger.Info("trigger fired", "trigger", t.Name, "token", d.Token, "action", t.Action.Describe())
	return e.invoke(ctx, d)
}

// invoke runs a decision's action and records the outcome on the
// decision. An action failure leaves the decision Pending for the next
// tick until the attempt budget is spent.
func (e *Engine) invoke(ctx context.Context, d ir.FireDecision) (Firing, error) {
	f := Firing{Trigger: d.Trigger, Token: d.Token}
	res, execErr := e.exec.Execute(ctx, action.Request{
		Action:         d.Action,
		IdempotencyKey: d.Token,
		Timeout:        e.actionTimeout,
		Source:         "trigger:" + d.Trigger,
	})
	if execErr != nil && ctx.Err() != nil {
		// Shutting down; the decision stays Pending for Recover.
		return f, ctx.Err()
	}
	if e.observer != nil {
		e.observer.ObserveFire(d.Trigger, execErr)
	}

	now := e.repo.Clock().Now()
	updated, err := e.repo.UpdateFireDecision(ctx, d.Token, func(cur *ir.FireDecision) error {
		cur.Attempts++
		if execErr == nil {
			cur.Status = ir.FireCompleted
			cur.Result = res.Ref()
			cur.LastError = ""
			cur.CompletedAt = now
			return nil
		}
		cur.LastError = execErr.Error()
		if cur.Attempts >= e.maxFireAttempts {
			cur.Status = ir.FireFailed
			cur.CompletedAt = now
		}
		return nil
	})
	if err != nil {
		return f, fmt.Errorf("persist fire decision %s: %w", d.Token, err)
	}

	if execErr == nil {
		f.Result = updated.Result
		e.logger.Debug("fire decision completed", "trigger", d.Trigger, "token", d.Token, "result", updated.Result)
		return f, nil
	}
	f.Error = execErr.Error()
	if updated.Status == ir.FireFailed {
		e.logger.Error("fire decision failed",
			"trigger", d.Trigger,
			"token", d.Token,
			"attempts", updated.Attempts,
			"error", execErr,
		)
	} else {
		e.logger.Warn("action failed, will retry",
			"trigger", d.Trigger,
			"token", d.Token,
			"attempt", updated.Attempts,
			"error", execErr,
		)
	}
	return f, nil
}

// replay finishes a Pending decision left by an earlier tick or an
// earlier process. The trigger's edge state is brought up to date first
// so that the condition still holding does not fire a second time.
func (e *Engine) replay(ctx context.Context, d ir.FireDecision) (Firing, error) {
	t, err := e.repo.GetTrigger(ctx, d.Trigger)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// Trigger deleted after deciding; the decision still stands.
	case err != nil:
		return Firing{}, fmt.Errorf("load trigger %s: %w", d.Trigger, err)
	case t.LastFiredAt.Before(d.SnapshotAt):
		_, err = e.repo.UpdateTrigger(ctx, d.Trigger, func(cur *ir.Trigger) error {
			cur.LastBoolean = true
			cur.LastFiredAt = d.SnapshotAt
			return nil
		})
		if err != nil {
			return Firing{}, fmt.Errorf("persist trigger %s: %w", d.Trigger, err)
		}
	}
	return e.invoke(ctx, d)
}

// scanDecisions reads the whole firing history once, at startup, for the
// highest tick sequence and any Pending decision.
func (e *Engine) scanDecisions(ctx context.Context) ([]ir.FireDecision, int64, error) {
	all, err := e.repo.ListFireDecisions(ctx, "")
	if err != nil {
		return nil, 0, fmt.Errorf("list fire decisions: %w", err)
	}
	var pending []ir.FireDecision
	var maxSeq int64
	for _, d := range all {
		maxSeq = max(maxSeq, d.TickSeq)
		if d.Status == ir.FirePending {
			pending = append(pending, d)
		}
	}
	return pending, maxSeq, nil
}

func (e *Engine) retryPending(ctx context.Context) ([]Firing, error) {
	pending, err := e.repo.ListPendingFireDecisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending fire decisions: %w", err)
	}
	return e.replayAll(ctx, pending)
}

func (e *Engine) replayAll(ctx context.Context, pending []ir.FireDecision) ([]Firing, error) {
	var out []Firing
	for _, d := range pending {
		f, err := e.replay(ctx, d)
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Recover prepares the engine after a restart. It advances the tick
// clock past every persisted decision and replays decisions that were
// still Pending when the previous process stopped. Completed decisions
// are never invoked again. Call it once before the first Tick.
func (e *Engine) Recover(ctx context.Context) ([]Firing, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	pending, maxSeq, err := e.scanDecisions(ctx)
	if err != nil {
		return nil, err
	}
	e.clock.AdvanceTo(maxSeq)

	out, err := e.replayAll(ctx, pending)
	if len(pending) > 0 {
		e.logger.Info("recovered pending fire decisions", "count", len(pending), "tick_seq", maxSeq)
	}
	return out, err
}
