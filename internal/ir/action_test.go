package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notify(text string) Action {
	return NewInvoke("notify", map[string]Value{"text": String(text)})
}

func TestActionValidate(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"invoke", notify("hi"), false},
		{"invoke without name", NewInvoke("", nil), true},
		{"schedule once", NewScheduleJob(JobSpec{Kind: Once(at), Payload: notify("hi")}), false},
		{"schedule nested schedule", NewScheduleJob(JobSpec{
			Kind:    Once(at),
			Payload: NewScheduleJob(JobSpec{Kind: Once(at), Payload: notify("hi")}),
		}), true},
		{"assert", NewAssertFact(Fact{Predicate: "p", Args: Tuple{Int(1)}}), false},
		{"retract", NewRetractFact("p", Int(1)), false},
		{"retract without predicate", NewRetractFact(""), true},
		{"kind mismatch", Action{Kind: ActionInvoke, RetractFact: &FactRef{Predicate: "p"}}, true},
		{"two variants", Action{Kind: ActionInvoke, Invoke: &InvokeAction{Name: "x"}, RetractFact: &FactRef{Predicate: "p"}}, true},
		{"unknown kind", Action{Kind: "teleport", Invoke: &InvokeAction{Name: "x"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestActionJSONStable(t *testing.T) {
	a := notify("notify alice")

	first, err := json.Marshal(a)
	require.NoError(t, err)
	second, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
	assert.JSONEq(t,
		`{"kind":"invoke","invoke":{"name":"notify","args":{"text":{"type":"string","value":"notify alice"}}}}`,
		string(first))
}

func TestJobSpecValidate(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		spec  JobSpec
		field string
	}{
		{"once ok", JobSpec{Kind: Once(at), Payload: notify("x")}, ""},
		{"once without time", JobSpec{Kind: JobKind{Type: JobOnce}, Payload: notify("x")}, "kind.run_at"},
		{"interval ok", JobSpec{Kind: Every(time.Minute, 0), Payload: notify("x")}, ""},
		{"zero interval", JobSpec{Kind: Every(0, 0), Payload: notify("x")}, "kind.every"},
		{"negative interval", JobSpec{Kind: Every(-time.Second, 0), Payload: notify("x")}, "kind.every"},
		{"cron ok", JobSpec{Kind: Cron("*/5 * * * *"), Payload: notify("x")}, ""},
		{"cron descriptor", JobSpec{Kind: Cron("@hourly"), Payload: notify("x")}, ""},
		{"bad cron", JobSpec{Kind: Cron("every tuesday"), Payload: notify("x")}, "kind.expr"},
		{"unknown kind", JobSpec{Kind: JobKind{Type: "sometimes"}, Payload: notify("x")}, "kind.type"},
		{"bad payload", JobSpec{Kind: Once(at), Payload: Action{Kind: ActionInvoke}}, "payload"},
		{"bad backoff", JobSpec{Kind: Once(at), Payload: notify("x"), Backoff: BackoffPolicy{Initial: time.Second, Max: time.Millisecond, Multiplier: 2, MaxAttempts: 1}}, "backoff.max"},
		{"backoff ok", JobSpec{Kind: Once(at), Payload: notify("x"), Backoff: DefaultBackoff()}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var se *SchedulingError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.field, se.Field)
			assert.True(t, IsSchedulingError(err))
		})
	}
}

func TestConditionVariables(t *testing.T) {
	c := Condition{Atoms: []Atom{
		{Predicate: "likes", Args: []Term{V("U"), V("T")}},
		{Predicate: "topic", Args: []Term{V("T"), V("_")}},
		{Predicate: "muted", Args: []Term{V("U"), V("M")}, Negated: true},
	}}
	assert.Equal(t, []string{"U", "T"}, c.Variables())
	assert.Equal(t, "likes(U, T), topic(T, _), !muted(U, M)", c.String())
}

func TestRuleClause(t *testing.T) {
	r := Rule{
		Head: Atom{Predicate: "interested", Args: []Term{V("U")}},
		Body: []Atom{{Predicate: "likes", Args: []Term{V("U"), C(String("distributed-systems"))}}},
	}
	assert.Equal(t, `interested(U) :- likes(U, "distributed-systems").`, r.Clause())
}

func TestTermJSON(t *testing.T) {
	atom := Atom{Predicate: "p", Args: []Term{V("X"), C(Float(1.5)), C(Symbol("on"))}, Negated: true}
	data, err := json.Marshal(atom)
	require.NoError(t, err)

	var out Atom
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, atom, out)
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, IsTimeout(&EvaluationError{Kind: EvalTimeout}))
	assert.False(t, IsTimeout(&EvaluationError{Kind: EvalMalformed}))
	assert.True(t, IsTimeout(&ActionError{Action: "x", Timeout: true}))
	assert.True(t, IsConflictError(&ConflictError{Collection: "facts", Key: "k"}))

	ve := &ValidationError{Predicate: "likes", Field: "args[1]", Index: 1, Expected: "string", Actual: "int"}
	assert.Equal(t, "validation failed for likes at args[1]: expected string, got int", ve.Error())
}
