package repo

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/reckon/internal/ir"
)

// GetDeclaration reads a declaration by predicate name.
func (r *Repository) GetDeclaration(ctx context.Context, name string) (ir.FactDeclaration, error) {
	d, rev, err := get[ir.FactDeclaration](ctx, r, CollDeclarations, name)
	d.Revision = rev
	return d, err
}

// ListDeclarations returns all declarations ordered by name.
func (r *Repository) ListDeclarations(ctx context.Context) ([]ir.FactDeclaration, error) {
	items, err := list[ir.FactDeclaration](ctx, r, CollDeclarations)
	if err != nil {
		return nil, err
	}
	out := make([]ir.FactDeclaration, len(items))
	for i, it := range items {
		out[i] = it.value
		out[i].Revision = it.revision
	}
	return out, nil
}

// CreateDeclaration stores a new declaration; ErrExists if taken.
func (r *Repository) CreateDeclaration(ctx context.Context, d ir.FactDeclaration) (ir.FactDeclaration, error) {
	now := r.clock.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	rev, err := create(ctx, r, CollDeclarations, d.Name, d)
	d.Revision = rev
	return d, err
}

// UpdateDeclaration reapplies fn to the stored declaration until the
// write succeeds or fn fails.
func (r *Repository) UpdateDeclaration(ctx context.Context, name string, fn func(*ir.FactDeclaration) error) (ir.FactDeclaration, error) {
	d, rev, err := mutate(ctx, r, CollDeclarations, name, func(cur *ir.FactDeclaration, exists bool) error {
		if !exists {
			return fmt.Errorf("declaration %s: %w", name, ErrNotFound)
		}
		if err := fn(cur); err != nil {
			return err
		}
		cur.Name = name
		cur.UpdatedAt = r.clock.Now()
		return nil
	})
	d.Revision = rev
	return d, err
}

// DeleteDeclaration removes a declaration. Callers enforce the removal
// policy for remaining facts.
func (r *Repository) DeleteDeclaration(ctx context.Context, name string) error {
	return remove(ctx, r, CollDeclarations, name)
}

// GetFact reads a fact by identity.
func (r *Repository) GetFact(ctx context.Context, id string) (ir.Fact, error) {
	f, rev, err := get[ir.Fact](ctx, r, CollFacts, id)
	f.Revision = rev
	return f, err
}

// ListFacts returns all facts ordered by identity.
func (r *Repository) ListFacts(ctx context.Context) ([]ir.Fact, error) {
	items, err := list[ir.Fact](ctx, r, CollFacts)
	if err != nil {
		return nil, err
	}
	out := make([]ir.Fact, len(items))
	for i, it := range items {
		out[i] = it.value
		out[i].Revision = it.revision
	}
	return out, nil
}

// ListFactsByPredicate returns the facts of one predicate.
func (r *Repository) ListFactsByPredicate(ctx context.Context, predicate string) ([]ir.Fact, error) {
	all, err := r.ListFacts(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(f ir.Fact) bool { return f.Predicate != predicate }), nil
}

// UpsertFact stores f under its content identity. Re-asserting an
// existing fact refreshes confidence, source, and UpdatedAt; CreatedAt is
// kept. The caller validates f against its declaration first.
func (r *Repository) UpsertFact(ctx context.Context, f ir.Fact) (ir.Fact, bool, error) {
	id, err := ir.FactID(f.Predicate, f.Args)
	if err != nil {
		return ir.Fact{}, false, err
	}
	created := false
	out, rev, err := mutate(ctx, r, CollFacts, id, func(cur *ir.Fact, exists bool) error {
		now := r.clock.Now()
		createdAt := now
		if exists {
			createdAt = cur.CreatedAt
		}
		created = !exists
		*cur = f
		cur.ID = id
		cur.CreatedAt = createdAt
		cur.UpdatedAt = now
		return nil
	})
	out.Revision = rev
	return out, created, err
}

// DeleteFact removes a fact by identity.
func (r *Repository) DeleteFact(ctx context.Context, id string) error {
	return remove(ctx, r, CollFacts, id)
}

// RetractFact removes the fact with the given predicate and arguments.
func (r *Repository) RetractFact(ctx context.Context, ref ir.FactRef) error {
	id, err := ref.ID()
	if err != nil {
		return err
	}
	return r.DeleteFact(ctx, id)
}

// CountFacts returns how many facts of predicate exist.
func (r *Repository) CountFacts(ctx context.Context, predicate string) (int, error) {
	facts, err := r.ListFactsByPredicate(ctx, predicate)
	return len(facts), err
}

// GetRule reads a rule by name.
func (r *Repository) GetRule(ctx context.Context, name string) (ir.Rule, error) {
	rule, rev, err := get[ir.Rule](ctx, r, CollRules, name)
	rule.Revision = rev
	return rule, err
}

// ListRules returns all rules ordered by name.
func (r *Repository) ListRules(ctx context.Context) ([]ir.Rule, error) {
	items, err := list[ir.Rule](ctx, r, CollRules)
	if err != nil {
		return nil, err
	}
	out := make([]ir.Rule, len(items))
	for i, it := range items {
		out[i] = it.value
		out[i].Revision = it.revision
	}
	return out, nil
}

// SaveRule creates or replaces a rule by name.
func (r *Repository) SaveRule(ctx context.Context, rule ir.Rule) (ir.Rule, error) {
	out, rev, err := mutate(ctx, r, CollRules, rule.Name, func(cur *ir.Rule, exists bool) error {
		now := r.clock.Now()
		createdAt := now
		if exists {
			createdAt = cur.CreatedAt
		}
		*cur = rule
		cur.CreatedAt = createdAt
		cur.UpdatedAt = now
		return nil
	})
	out.Revision = rev
	return out, err
}

// UpdateRule applies fn to an existing rule.
func (r *Repository) UpdateRule(ctx context.Context, name string, fn func(*ir.Rule) error) (ir.Rule, error) {
	out, rev, err := mutate(ctx, r, CollRules, name, func(cur *ir.Rule, exists bool) error {
		if !exists {
			return fmt.Errorf("rule %s: %w", name, ErrNotFound)
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

// DeleteRule removes a rule.
func (r *Repository) DeleteRule(ctx context.Context, name string) error {
	return remove(ctx, r, CollRules, name)
}

// Snapshot is one read of everything a program is compiled from.
type Snapshot struct {
	At           time.Time
	Declarations []ir.FactDeclaration
	Facts        []ir.Fact
	Rules        []ir.Rule
}

// LoadSnapshot reads declarations, facts, and rules once. Every trigger
// evaluated in a tick observes the same snapshot.
func (r *Repository) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{At: r.clock.Now()}
	var err error
	if snap.Declarations, err = r.ListDeclarations(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Facts, err = r.ListFacts(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Rules, err = r.ListRules(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
