package datalog

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reckon/internal/ir"
)

func decl(name string, args ...ir.Arg) ir.FactDeclaration {
	return ir.FactDeclaration{Name: name, Args: args}
}

func arg(name string, t ir.ArgType) ir.Arg { return ir.Arg{Name: name, Type: t} }

func fact(t *testing.T, pred string, args ...ir.Value) ir.Fact {
	t.Helper()
	f, err := ir.NewFact(pred, args...)
	require.NoError(t, err)
	return f
}

func rule(t *testing.T, name, text string) ir.Rule {
	t.Helper()
	r, err := ParseRule(name, text)
	require.NoError(t, err)
	return r
}

func query(t *testing.T, name, text string) Query {
	t.Helper()
	c, err := ParseCondition(text)
	require.NoError(t, err)
	return Query{Name: name, Condition: c}
}

func sampleInput(t *testing.T) Input {
	return Input{
		Declarations: []ir.FactDeclaration{
			decl("profile", arg("user", ir.TypeString), arg("age", ir.TypeInt), arg("weight", ir.TypeFloat),
				arg("vip", ir.TypeBool), arg("tier", ir.TypeSymbol)),
			decl("muted", arg("user", ir.TypeString)),
			decl("likes", arg("user", ir.TypeString), arg("topic", ir.TypeString)),
		},
		Facts: []ir.Fact{
			fact(t, "profile", ir.String("alice"), ir.Int(30), ir.Float(1.5), ir.Bool(true), ir.Symbol("gold")),
			fact(t, "muted", ir.String("bob")),
			fact(t, "likes", ir.String("bob"), ir.String("go")),
			fact(t, "likes", ir.String("alice"), ir.String("distributed-systems")),
		},
		Rules: []ir.Rule{
			rule(t, "a_notify", `notify(U) :- interested(U), !muted(U).`),
			rule(t, "interested", `interested(U) :- likes(U, "distributed-systems").`),
		},
		Queries: []Query{
			query(t, "t1", `interested(U), !muted(U)`),
			query(t, "alice-notified", `notify("alice")`),
		},
	}
}

func TestCompileGolden(t *testing.T) {
	prog, err := Compile(sampleInput(t))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "program", []byte(prog.Text))

	assert.Equal(t, QueryRelation{Relation: "reckon_query_t1", Vars: []string{"U"}}, prog.Queries["t1"])
	assert.Equal(t, "reckon_query_alice_notified", prog.Queries["alice-notified"].Relation)
	assert.Empty(t, prog.Queries["alice-notified"].Vars)
}

func TestCompileIsDeterministic(t *testing.T) {
	in := sampleInput(t)
	first, err := Compile(in)
	require.NoError(t, err)

	slices.Reverse(in.Facts)
	slices.Reverse(in.Rules)
	slices.Reverse(in.Queries)
	slices.Reverse(in.Declarations)
	in.Facts = append(in.Facts, in.Facts[0])
	second, err := Compile(in)
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.Hash, second.Hash)
}

func TestCompileSkipsDisabledRulesAndLowConfidence(t *testing.T) {
	in := sampleInput(t)
	in.Rules[0].Enabled = false
	in.Queries = []Query{query(t, "t1", `interested(U)`)}
	in.Facts[3].Confidence = 0.2
	in.MinConfidence = 0.5

	prog, err := Compile(in)
	require.NoError(t, err)
	assert.NotContains(t, prog.Text, "notify(U)")
	assert.NotContains(t, prog.Text, `likes("alice"`)
	assert.Contains(t, prog.Text, `likes("bob", "go").`)
}

func TestCompileErrors(t *testing.T) {
	likes := decl("likes", arg("user", ir.TypeString), arg("topic", ir.TypeString))
	tagged := decl("tagged", arg("item", ir.TypeString), arg("tag", ir.TypeSymbol))

	tests := []struct {
		name    string
		rules   []string
		queries []string
		code    ir.CompilationErrorCode
	}{
		{
			name:  "unresolved body predicate",
			rules: []string{`interested(U) :- follows(U, _).`},
			code:  ir.ErrCodeUnresolvedPredicate,
		},
		{
			name:    "unresolved query predicate",
			queries: []string{`ghost(X)`},
			code:    ir.ErrCodeUnresolvedPredicate,
		},
		{
			name:  "arity mismatch in body",
			rules: []string{`interested(U) :- likes(U).`},
			code:  ir.ErrCodeArityMismatch,
		},
		{
			name:  "declared head with wrong arity",
			rules: []string{`likes(U) :- likes(U, _).`},
			code:  ir.ErrCodeArityMismatch,
		},
		{
			name:  "unsafe head variable",
			rules: []string{`interested(V) :- likes(U, _).`},
			code:  ir.ErrCodeUnsafeVariable,
		},
		{
			name:  "variable only under negation",
			rules: []string{`lonely(U) :- likes(U, _), !likes(V, U).`},
			code:  ir.ErrCodeUnsafeVariable,
		},
		{
			name:    "negation-only condition",
			queries: []string{`!likes("a", "b")`},
			code:    ir.ErrCodeUnsafeVariable,
		},
		{
			name:  "constant of the wrong type",
			rules: []string{`interested(U) :- likes(U, 42).`},
			code:  ir.ErrCodeTypeMismatch,
		},
		{
			name:    "boolean in a symbol column",
			queries: []string{`tagged(I, /true)`},
			code:    ir.ErrCodeTypeMismatch,
		},
		{
			name: "negation through recursion",
			rules: []string{
				`odd(U) :- likes(U, _), !even(U).`,
				`even(U) :- likes(U, _), !odd(U).`,
			},
			code: ir.ErrCodeUnstratifiable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{Declarations: []ir.FactDeclaration{likes, tagged}}
			for i, src := range tt.rules {
				in.Rules = append(in.Rules, rule(t, "r"+string(rune('a'+i)), src))
			}
			for i, src := range tt.queries {
				in.Queries = append(in.Queries, query(t, "q"+string(rune('a'+i)), src))
			}
			_, err := Compile(in)
			var ce *ir.CompilationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.code, ce.Code, ce.Error())
		})
	}
}

func TestCompileRejectsUndeclaredFacts(t *testing.T) {
	_, err := Compile(Input{Facts: []ir.Fact{fact(t, "ghost", ir.String("x"))}})
	assert.True(t, ir.IsCompilationError(err))
}

func TestQueryRelationNames(t *testing.T) {
	assert.Equal(t, "reckon_query_alice_notified", QueryRelationName("Alice Notified"))
	assert.Equal(t, "reckon_query_a_b", QueryRelationName("--a..b--"))

	c, err := ParseCondition(`likes(U, _)`)
	require.NoError(t, err)
	prog, err := Compile(Input{
		Declarations: []ir.FactDeclaration{decl("likes", arg("user", ir.TypeString), arg("topic", ir.TypeString))},
		Queries:      []Query{{Name: "a-b", Condition: c}, {Name: "a_b", Condition: c}},
	})
	require.NoError(t, err)
	got := []string{prog.Queries["a-b"].Relation, prog.Queries["a_b"].Relation}
	assert.Equal(t, []string{"reckon_query_a_b", "reckon_query_a_b_2"}, got)
}

func TestStratifyOrdersNegationAbove(t *testing.T) {
	rules := []ir.Rule{
		rule(t, "n", `notify(U) :- interested(U), !muted(U).`),
		rule(t, "i", `interested(U) :- likes(U, _).`),
		rule(t, "p1", `path(X, Y) :- edge(X, Y).`),
		rule(t, "p2", `path(X, Z) :- edge(X, Y), path(Y, Z).`),
	}
	strata, err := stratify(rules)
	require.NoError(t, err)

	want := map[string]int{
		"notify":     1,
		"interested": 0,
		"likes":      0,
		"muted":      0,
		"path":       0,
		"edge":       0,
	}
	if diff := cmp.Diff(want, strata); diff != "" {
		t.Errorf("strata mismatch (-want +got):\n%s", diff)
	}
}
