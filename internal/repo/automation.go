package repo

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/store"
)

// GetTrigger reads a trigger by name.
func (r *Repository) GetTrigger(ctx context.Context, name string) (ir.Trigger, error) {
	t, rev, err := get[ir.Trigger](ctx, r, CollTriggers, name)
	t.Revision = rev
	return t, err
}

// ListTriggers returns all triggers ordered by name.
func (r *Repository) ListTriggers(ctx context.Context) ([]ir.Trigger, error) {
	items, err := list[ir.Trigger](ctx, r, CollTriggers)
	if err != nil {
		return nil, err
	}
	out := make([]ir.Trigger, len(items))
	for i, it := range items {
		out[i] = it.value
		out[i].Revision = it.revision
	}
	return out, nil
}

// SaveTrigger creates or replaces a trigger definition. Edge state
// (LastBoolean, LastFiredAt) and health survive a redefinition so that
// editing a trigger does not make it refire.
func (r *Repository) SaveTrigger(ctx context.Context, t ir.Trigger) (ir.Trigger, error) {
	out, rev, err := mutate(ctx, r, CollTriggers, t.Name, func(cur *ir.Trigger, exists bool) error {
		now := r.clock.Now()
		next := t
		next.CreatedAt = now
		if next.Status == "" {
			next.Status = ir.TriggerActive
		}
		if exists {
			next.CreatedAt = cur.CreatedAt
			next.LastBoolean = cur.LastBoolean
			next.LastFiredAt = cur.LastFiredAt
			next.LastEvaluatedAt = cur.LastEvaluatedAt
			next.ConsecutiveFailures = cur.ConsecutiveFailures
			next.Status = cur.Status
			next.LastError = cur.LastError
		}
		next.UpdatedAt = now
		*cur = next
		return nil
	})
	out.Revision = rev
	return out, err
}

// UpdateTrigger applies fn to an existing trigger with conflict retry.
func (r *Repository) UpdateTrigger(ctx context.Context, name string, fn func(*ir.Trigger) error) (ir.Trigger, error) {
	out, rev, err := mutate(ctx, r, CollTriggers, name, func(cur *ir.Trigger, exists bool) error {
		if !exists {
			return fmt.Errorf("trigger %s: %w", name, ErrNotFound)
		}
		if err := fn(cur); err != nil {
			return err
		}
		cur.UpdatedAt = r.clock.Now()
		return nil
	})
	out.Revision = rev
	return out, err
}

// DeleteTrigger removes a trigger. Its fire decisions are kept for audit.
func (r *Repository) DeleteTrigger(ctx context.Context, name string) error {
	return remove(ctx, r, CollTriggers, name)
}

// GetJob reads a job by id.
func (r *Repository) GetJob(ctx context.Context, id string) (ir.Job, error) {
	j, rev, err := get[ir.Job](ctx, r, CollJobs, id)
	j.Revision = rev
	return j, err
}

// ListJobs returns all jobs ordered by id.
func (r *Repository) ListJobs(ctx context.Context) ([]ir.Job, error) {
	items, err := list[ir.Job](ctx, r, CollJobs)
	if err != nil {
		return nil, err
	}
	out := make([]ir.Job, len(items))
	for i, it := range items {
		out[i] = it.value
		out[i].Revision = it.revision
	}
	return out, nil
}

// CreateJob stores a new job; ErrExists if the id is taken.
func (r *Repository) CreateJob(ctx context.Context, j ir.Job) (ir.Job, error) {
	rev, err := create(ctx, r, CollJobs, j.ID, j)
	j.Revision = rev
	return j, err
}

// CompareAndSwapJob writes j only if the stored revision is still
// j.Revision. It does not retry: a ConflictError means someone else
// changed the job first. Used for the Pending to Running claim.
func (r *Repository) CompareAndSwapJob(ctx context.Context, j ir.Job) (ir.Job, error) {
	j.UpdatedAt = r.clock.Now()
	rev, err := put(ctx, r, CollJobs, j.ID, j, j.Revision)
	if err != nil {
		return ir.Job{}, err
	}
	j.Revision = rev
	return j, nil
}

// UpdateJob applies fn to an existing job with conflict retry.
func (r *Repository) UpdateJob(ctx context.Context, id string, fn func(*ir.Job) error) (ir.Job, error) {
	out, rev, err := mutate(ctx, r, CollJobs, id, func(cur *ir.Job, exists bool) error {
		if !exists {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err := fn(cur); err != nil {
			return err
		}
		cur.UpdatedAt = r.clock.Now()
		return nil
	})
	out.Revision = rev
	return out, err
}

// pendingEntry is the value stored in CollPendingFirings.
type pendingEntry struct {
	Trigger string `json:"trigger"`
	TickSeq int64  `json:"tick_seq"`
}

// CreateFireDecision persists a new decision; ErrExists if the token is
// already recorded. A Pending decision is indexed before it is written,
// so a crash in between leaves only an index entry without a decision.
func (r *Repository) CreateFireDecision(ctx context.Context, d ir.FireDecision) (ir.FireDecision, error) {
	if d.Status == ir.FirePending {
		_, err := create(ctx, r, CollPendingFirings, d.Token, pendingEntry{Trigger: d.Trigger, TickSeq: d.TickSeq})
		if err != nil && !errors.Is(err, ErrExists) {
			return d, fmt.Errorf("index fire decision %s: %w", d.Token, err)
		}
	}
	rev, err := create(ctx, r, CollFirings, d.Token, d)
	d.Revision = rev
	return d, err
}

// ListPendingFireDecisions returns the Pending decisions in creation
// order. It reads only the pending index and drops entries whose
// decision is missing or no longer Pending.
func (r *Repository) ListPendingFireDecisions(ctx context.Context) ([]ir.FireDecision, error) {
	recs, err := store.ListAll(ctx, r.rs, CollPendingFirings)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", CollPendingFirings, err)
	}
	var out []ir.FireDecision
	for _, rec := range recs {
		d, err := r.GetFireDecision(ctx, rec.Key)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, err
		case d.Status == ir.FirePending:
			out = append(out, d)
			continue
		}
		r.unindexPending(ctx, rec.Key)
	}
	sortDecisions(out)
	return out, nil
}

func (r *Repository) unindexPending(ctx context.Context, token string) {
	err := remove(ctx, r, CollPendingFirings, token)
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn("drop pending index entry", "token", token, "error", err)
	}
}

// GetFireDecision reads a decision by firing token.
func (r *Repository) GetFireDecision(ctx context.Context, token string) (ir.FireDecision, error) {
	d, rev, err := get[ir.FireDecision](ctx, r, CollFirings, token)
	d.Revision = rev
	return d, err
}

// ListFireDecisions returns decisions, optionally for one trigger, in
// creation order.
func (r *Repository) ListFireDecisions(ctx context.Context, trigger string) ([]ir.FireDecision, error) {
	items, err := list[ir.FireDecision](ctx, r, CollFirings)
	if err != nil {
		return nil, err
	}
	out := make([]ir.FireDecision, 0, len(items))
	for _, it := range items {
		if trigger != "" && it.value.Trigger != trigger {
			continue
		}
		d := it.value
		d.Revision = it.revision
		out = append(out, d)
	}
	sortDecisions(out)
	return out, nil
}

func sortDecisions(ds []ir.FireDecision) {
	slices.SortStableFunc(ds, func(a, b ir.FireDecision) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.TickSeq, b.TickSeq)
	})
}

// UpdateFireDecision applies fn to an existing decision with conflict retry.
func (r *Repository) UpdateFireDecision(ctx context.Context, token string, fn func(*ir.FireDecision) error) (ir.FireDecision, error) {
	out, rev, err := mutate(ctx, r, CollFirings, token, func(cur *ir.FireDecision, exists bool) error {
		if !exists {
			return fmt.Errorf("fire decision %s: %w", token, ErrNotFound)
		}
		return fn(cur)
	})
	out.Revision = rev
	if err == nil && out.Status != ir.FirePending {
		r.unindexPending(ctx, token)
	}
	return out, err
}
