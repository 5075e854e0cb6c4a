// Package schema owns fact declarations and validates facts against them.
//
// Validation is pure over the declarations currently stored: the same fact
// against the same declaration always gives the same answer.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/repo"
)

// QueryPrefix is reserved for synthesized query relations.
const QueryPrefix = "reckon_query_"

var (
	predicatePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	argNamePattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Registry manages fact declarations.
type Registry struct {
	repo   *repo.Repository
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a registry over r.
func New(r *repo.Repository, opts ...Option) *Registry {
	reg := &Registry{repo: r, logger: slog.Default()}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// ValidPredicateName reports whether name can be declared.
func ValidPredicateName(name string) bool {
	return predicatePattern.MatchString(name) && !isReserved(name)
}

func isReserved(name string) bool {
	return strings.HasPrefix(name, QueryPrefix)
}

// CheckDeclaration validates a declaration in isolation.
func CheckDeclaration(d ir.FactDeclaration) error {
	if !predicatePattern.MatchString(d.Name) {
		return &ir.ValidationError{Predicate: d.Name, Field: "name", Index: -1,
			Message: "predicate names must be lower snake case"}
	}
	if isReserved(d.Name) {
		return &ir.ValidationError{Predicate: d.Name, Field: "name", Index: -1,
			Message: fmt.Sprintf("prefix %q is reserved", QueryPrefix)}
	}
	if len(d.Args) == 0 {
		return &ir.ValidationError{Predicate: d.Name, Field: "args", Index: -1,
			Message: "at least one argument is required"}
	}
	seen := make(map[string]bool, len(d.Args))
	for i, a := range d.Args {
		field := fmt.Sprintf("args[%d]", i)
		if !argNamePattern.MatchString(a.Name) {
			return &ir.ValidationError{Predicate: d.Name, Field: field, Index: i,
				Message: fmt.Sprintf("invalid argument name %q", a.Name)}
		}
		if seen[a.Name] {
			return &ir.ValidationError{Predicate: d.Name, Field: field, Index: i,
				Message: fmt.Sprintf("duplicate argument name %q", a.Name)}
		}
		seen[a.Name] = true
		if !ir.ValidArgTypes[a.Type] {
			return &ir.ValidationError{Predicate: d.Name, Field: field, Index: i,
				Expected: "string|int|float|bool|symbol", Actual: string(a.Type)}
		}
	}
	return nil
}

// Check validates f against d. The first mismatched argument is reported.
func Check(d ir.FactDeclaration, f ir.Fact) error {
	if f.Predicate != d.Name {
		return &ir.ValidationError{Predicate: f.Predicate, Field: "predicate", Index: -1,
			Expected: d.Name, Actual: f.Predicate}
	}
	if len(f.Args) != len(d.Args) {
		return &ir.ValidationError{Predicate: f.Predicate, Field: "arity", Index: -1,
			Expected: fmt.Sprintf("%d args", len(d.Args)), Actual: fmt.Sprintf("%d args", len(f.Args))}
	}
	for i, v := range f.Args {
		field := fmt.Sprintf("args[%d]", i)
		if v == nil {
			return &ir.ValidationError{Predicate: f.Predicate, Field: field, Index: i,
				Expected: string(d.Args[i].Type), Actual: "null"}
		}
		if v.Type() != d.Args[i].Type {
			return &ir.ValidationError{Predicate: f.Predicate, Field: field, Index: i,
				Expected: string(d.Args[i].Type), Actual: string(v.Type()),
				Message: d.Args[i].Name}
		}
		if err := ir.CheckValue(v); err != nil {
			return &ir.ValidationError{Predicate: f.Predicate, Field: field, Index: i,
				Message: err.Error()}
		}
	}
	if math.IsNaN(f.Confidence) || f.Confidence < 0 || f.Confidence > 1 {
		return &ir.ValidationError{Predicate: f.Predicate, Field: "confidence", Index: -1,
			Expected: "value in [0,1]", Actual: fmt.Sprint(f.Confidence)}
	}
	return nil
}

// Get returns the declaration for name.
func (r *Registry) Get(ctx context.Context, name string) (ir.FactDeclaration, error) {
	return r.repo.GetDeclaration(ctx, name)
}

// List returns all declarations ordered by name.
func (r *Registry) List(ctx context.Context) ([]ir.FactDeclaration, error) {
	return r.repo.ListDeclarations(ctx)
}

// Register stores a new declaration. Registering an identical shape again
// only refreshes the description.
func (r *Registry) Register(ctx context.Context, d ir.FactDeclaration) (ir.FactDeclaration, error) {
	if err := CheckDeclaration(d); err != nil {
		return ir.FactDeclaration{}, err
	}
	out, err := r.repo.CreateDeclaration(ctx, d)
	if err == nil {
		r.logger.Info("declaration registered", "predicate", d.Name, "arity", d.Arity())
		return out, nil
	}
	if !errors.Is(err, repo.ErrExists) {
		return ir.FactDeclaration{}, err
	}

	existing, err := r.repo.GetDeclaration(ctx, d.Name)
	if err != nil {
		return ir.FactDeclaration{}, err
	}
	if !existing.SameShape(d) {
		return ir.FactDeclaration{}, &ir.ValidationError{Predicate: d.Name, Field: "args", Index: -1,
			Expected: existing.Signature(), Actual: d.Signature(),
			Message: "already declared with a different shape"}
	}
	if existing.Description == d.Description && argNamesEqual(existing, d) {
		return existing, nil
	}
	return r.Update(ctx, d)
}

// Update replaces a declaration. Changing arity or types is rejected with
// a ConflictError while facts of the predicate exist.
func (r *Registry) Update(ctx context.Context, d ir.FactDeclaration) (ir.FactDeclaration, error) {
	if err := CheckDeclaration(d); err != nil {
		return ir.FactDeclaration{}, err
	}
	existing, err := r.repo.GetDeclaration(ctx, d.Name)
	if err != nil {
		return ir.FactDeclaration{}, err
	}
	if !existing.SameShape(d) {
		n, err := r.repo.CountFacts(ctx, d.Name)
		if err != nil {
			return ir.FactDeclaration{}, err
		}
		if n > 0 {
			return ir.FactDeclaration{}, &ir.ConflictError{
				Collection: repo.CollDeclarations,
				Key:        d.Name,
				Message:    fmt.Sprintf("cannot change shape to %s while %d facts exist", d.Signature(), n),
			}
		}
	}
	out, err := r.repo.UpdateDeclaration(ctx, d.Name, func(cur *ir.FactDeclaration) error {
		cur.Args = d.Args
		cur.Description = d.Description
		return nil
	})
	if err != nil {
		return ir.FactDeclaration{}, err
	}
	r.logger.Info("declaration updated", "predicate", d.Name)
	return out, nil
}

// Remove deletes a declaration.
//
// A declaration still referenced by a rule body or trigger condition, and
// not derived by any enabled rule, is rejected with a CompilationError. Remaining
// facts reject the removal with a ConflictError unless force is set, in
// which case they are deleted first.
func (r *Registry) Remove(ctx context.Context, name string, force bool) error {
	if _, err := r.repo.GetDeclaration(ctx, name); err != nil {
		return err
	}
	if err := r.checkUnreferenced(ctx, name); err != nil {
		return err
	}

	facts, err := r.repo.ListFactsByPredicate(ctx, name)
	if err != nil {
		return err
	}
	if len(facts) > 0 && !force {
		return &ir.ConflictError{
			Collection: repo.CollDeclarations,
			Key:        name,
			Message:    fmt.Sprintf("%d facts still exist; remove them or force", len(facts)),
		}
	}
	for _, f := range facts {
		if err := r.repo.DeleteFact(ctx, f.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("cascade delete %s: %w", f.ID, err)
		}
	}
	if err := r.repo.DeleteDeclaration(ctx, name); err != nil {
		return err
	}
	r.logger.Info("declaration removed", "predicate", name, "cascaded_facts", len(facts))
	return nil
}

func (r *Registry) checkUnreferenced(ctx context.Context, name string) error {
	rules, err := r.repo.ListRules(ctx)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if rule.Enabled && rule.Head.Predicate == name {
			// Still derivable after the declaration goes away.
			return nil
		}
	}
	for _, rule := range rules {
		for _, a := range rule.Body {
			if a.Predicate == name {
				return &ir.CompilationError{Code: ir.ErrCodeInUse, Subject: rule.Name, Predicate: name,
					Message: "predicate is referenced by a rule"}
			}
		}
	}
	triggers, err := r.repo.ListTriggers(ctx)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		for _, a := range t.Condition.Atoms {
			if a.Predicate == name {
				return &ir.CompilationError{Code: ir.ErrCodeInUse, Subject: t.Name, Predicate: name,
					Message: "predicate is referenced by a trigger"}
			}
		}
	}
	return nil
}

// Validate checks f against its stored declaration.
func (r *Registry) Validate(ctx context.Context, f ir.Fact) error {
	d, err := r.repo.GetDeclaration(ctx, f.Predicate)
	if errors.Is(err, repo.ErrNotFound) {
		return &ir.ValidationError{Predicate: f.Predicate, Field: "predicate", Index: -1,
			Message: "predicate is not declared"}
	}
	if err != nil {
		return err
	}
	return Check(d, f)
}

// Assert validates f and upserts it. It reports whether the fact is new.
func (r *Registry) Assert(ctx context.Context, f ir.Fact) (ir.Fact, bool, error) {
	if err := r.Validate(ctx, f); err != nil {
		return ir.Fact{}, false, err
	}
	out, created, err := r.repo.UpsertFact(ctx, f)
	if err != nil {
		return ir.Fact{}, false, err
	}
	if created {
		r.logger.Debug("fact asserted", "fact", out.String(), "id", out.ID)
	}
	return out, created, nil
}

func argNamesEqual(a, b ir.FactDeclaration) bool {
	for i := range a.Args {
		if a.Args[i].Name != b.Args[i].Name {
			return false
		}
	}
	return true
}

// Retract removes the referenced fact. It reports whether a fact was
// removed; retracting an absent fact is not an error.
func (r *Registry) Retract(ctx context.Context, ref ir.FactRef) (bool, error) {
	err := r.repo.RetractFact(ctx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.logger.Debug("fact retracted", "predicate", ref.Predicate, "args", ref.Args.String())
	return true, nil
}
