package schema

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/repo"
	"github.com/roach88/reckon/internal/store"
	"github.com/roach88/reckon/internal/testutil"
)

func setupRegistry(t *testing.T) (*Registry, *repo.Repository) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "reckon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	r := repo.New(s, repo.WithClock(testutil.NewFakeClock()))
	return New(r), r
}

func likes() ir.FactDeclaration {
	return ir.FactDeclaration{
		Name: "likes",
		Args: []ir.Arg{{Name: "user", Type: ir.TypeString}, {Name: "topic", Type: ir.TypeString}},
	}
}

func TestCheckAcceptsMatchingFacts(t *testing.T) {
	decl := ir.FactDeclaration{
		Name: "reading",
		Args: []ir.Arg{
			{Name: "sensor", Type: ir.TypeString},
			{Name: "seq", Type: ir.TypeInt},
			{Name: "value", Type: ir.TypeFloat},
			{Name: "ok", Type: ir.TypeBool},
			{Name: "level", Type: ir.TypeSymbol},
		},
	}
	f, err := ir.NewFact("reading", ir.String("s1"), ir.Int(7), ir.Float(0.25), ir.Bool(true), ir.Symbol("high"))
	require.NoError(t, err)
	assert.NoError(t, Check(decl, f))
}

func TestCheckNamesOffendingArgument(t *testing.T) {
	tests := []struct {
		name     string
		args     []ir.Value
		field    string
		index    int
		expected string
		actual   string
	}{
		{"second arg wrong type", []ir.Value{ir.String("alice"), ir.Int(3)}, "args[1]", 1, "string", "int"},
		{"first arg wrong type", []ir.Value{ir.Bool(true), ir.String("go")}, "args[0]", 0, "string", "bool"},
		{"too few", []ir.Value{ir.String("alice")}, "arity", -1, "2 args", "1 args"},
		{"too many", []ir.Value{ir.String("a"), ir.String("b"), ir.String("c")}, "arity", -1, "2 args", "3 args"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := ir.Fact{Predicate: "likes", Args: tt.args, Confidence: 1}
			err := Check(likes(), f)
			require.Error(t, err)
			var ve *ir.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, tt.index, ve.Index)
			assert.Equal(t, tt.expected, ve.Expected)
			assert.Equal(t, tt.actual, ve.Actual)
		})
	}
}

func TestCheckRejectsBadConfidence(t *testing.T) {
	f := ir.Fact{Predicate: "likes", Args: ir.Tuple{ir.String("a"), ir.String("b")}, Confidence: 1.5}
	err := Check(likes(), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence")
}

func TestCheckDeclaration(t *testing.T) {
	tests := []struct {
		name string
		decl ir.FactDeclaration
		ok   bool
	}{
		{"valid", likes(), true},
		{"upper case", ir.FactDeclaration{Name: "Likes", Args: likes().Args}, false},
		{"reserved", ir.FactDeclaration{Name: "reckon_query_x", Args: likes().Args}, false},
		{"no args", ir.FactDeclaration{Name: "flag"}, false},
		{"duplicate arg", ir.FactDeclaration{Name: "p", Args: []ir.Arg{{Name: "a", Type: ir.TypeInt}, {Name: "a", Type: ir.TypeInt}}}, false},
		{"bad type", ir.FactDeclaration{Name: "p", Args: []ir.Arg{{Name: "a", Type: "decimal"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckDeclaration(tt.decl)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, ir.IsValidationError(err), "got %v", err)
		})
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, likes())
	require.NoError(t, err)
	second, err := reg.Register(ctx, likes())
	require.NoError(t, err)
	assert.Equal(t, first.Revision, second.Revision)

	changed := likes()
	changed.Args[1].Type = ir.TypeInt
	_, err = reg.Register(ctx, changed)
	assert.True(t, ir.IsValidationError(err))
}

func TestValidateUndeclared(t *testing.T) {
	reg, _ := setupRegistry(t)
	f, err := ir.NewFact("unknown", ir.String("x"))
	require.NoError(t, err)
	err = reg.Validate(context.Background(), f)
	assert.True(t, ir.IsValidationError(err))
}

func TestAssertPersistsValidFactsOnly(t *testing.T) {
	reg, r := setupRegistry(t)
	ctx := context.Background()
	_, err := reg.Register(ctx, likes())
	require.NoError(t, err)

	good, err := ir.NewFact("likes", ir.String("alice"), ir.String("go"))
	require.NoError(t, err)
	_, created, err := reg.Assert(ctx, good)
	require.NoError(t, err)
	assert.True(t, created)

	bad := ir.Fact{Predicate: "likes", Args: ir.Tuple{ir.String("alice"), ir.Int(1)}, Confidence: 1}
	_, _, err = reg.Assert(ctx, bad)
	assert.True(t, ir.IsValidationError(err))

	n, err := r.CountFacts(ctx, "likes")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdateShapeChangeWithFactsConflicts(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	_, err := reg.Register(ctx, likes())
	require.NoError(t, err)
	f, err := ir.NewFact("likes", ir.String("alice"), ir.String("go"))
	require.NoError(t, err)
	_, _, err = reg.Assert(ctx, f)
	require.NoError(t, err)

	described := likes()
	described.Description = "who likes what"
	out, err := reg.Update(ctx, described)
	require.NoError(t, err)
	assert.Equal(t, "who likes what", out.Description)

	reshaped := likes()
	reshaped.Args = append(reshaped.Args, ir.Arg{Name: "weight", Type: ir.TypeFloat})
	_, err = reg.Update(ctx, reshaped)
	assert.True(t, ir.IsConflictError(err))
}

func TestRemoveWithFactsRequiresForce(t *testing.T) {
	reg, r := setupRegistry(t)
	ctx := context.Background()
	_, err := reg.Register(ctx, likes())
	require.NoError(t, err)
	f, err := ir.NewFact("likes", ir.String("alice"), ir.String("go"))
	require.NoError(t, err)
	_, _, err = reg.Assert(ctx, f)
	require.NoError(t, err)

	err = reg.Remove(ctx, "likes", false)
	assert.True(t, ir.IsConflictError(err))

	require.NoError(t, reg.Remove(ctx, "likes", true))
	n, err := r.CountFacts(ctx, "likes")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = reg.Get(ctx, "likes")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRemoveReferencedByRule(t *testing.T) {
	reg, r := setupRegistry(t)
	ctx := context.Background()
	_, err := reg.Register(ctx, likes())
	require.NoError(t, err)
	_, err = r.SaveRule(ctx, ir.Rule{
		Name:    "interested",
		Head:    ir.Atom{Predicate: "interested", Args: []ir.Term{ir.V("U")}},
		Body:    []ir.Atom{{Predicate: "likes", Args: []ir.Term{ir.V("U"), ir.V("_")}}},
		Enabled: true,
	})
	require.NoError(t, err)

	err = reg.Remove(ctx, "likes", true)
	var ce *ir.CompilationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ir.ErrCodeInUse, ce.Code)
	assert.Equal(t, "interested", ce.Subject)
}

func TestRemoveIgnoresDisabledDerivingRule(t *testing.T) {
	reg, r := setupRegistry(t)
	ctx := context.Background()
	_, err := reg.Register(ctx, likes())
	require.NoError(t, err)
	_, err = r.SaveRule(ctx, ir.Rule{
		Name:    "likes_from_follows",
		Head:    ir.Atom{Predicate: "likes", Args: []ir.Term{ir.V("U"), ir.V("T")}},
		Body:    []ir.Atom{{Predicate: "follows", Args: []ir.Term{ir.V("U"), ir.V("T")}}},
		Enabled: false,
	})
	require.NoError(t, err)
	_, err = r.SaveTrigger(ctx, ir.Trigger{
		Name:      "go_fan",
		Condition: ir.Condition{Source: "likes(U, T)", Atoms: []ir.Atom{{Predicate: "likes", Args: []ir.Term{ir.V("U"), ir.V("T")}}}},
		Action:    ir.NewInvoke("noop", nil),
		Enabled:   true,
	})
	require.NoError(t, err)

	err = reg.Remove(ctx, "likes", false)
	var ce *ir.CompilationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ir.ErrCodeInUse, ce.Code)
	assert.Equal(t, "go_fan", ce.Subject)
}
