package ir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Arg is one named, typed argument position of a predicate.
type Arg struct {
	Name string  `json:"name"`
	Type ArgType `json:"type"`
}

// FactDeclaration declares the shape of a predicate.
type FactDeclaration struct {
	Name        string    `json:"name"`
	Args        []Arg     `json:"args"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`

	Revision int64 `json:"-"`
}

// Arity returns the number of argument positions.
func (d FactDeclaration) Arity() int { return len(d.Args) }

// Types returns the ordered argument types.
func (d FactDeclaration) Types() []ArgType {
	types := make([]ArgType, len(d.Args))
	for i, a := range d.Args {
		types[i] = a.Type
	}
	return types
}

// SameShape reports whether two declarations have identical argument types.
func (d FactDeclaration) SameShape(o FactDeclaration) bool {
	if len(d.Args) != len(o.Args) {
		return false
	}
	for i := range d.Args {
		if d.Args[i].Type != o.Args[i].Type {
			return false
		}
	}
	return true
}

// Signature renders the declaration as name(arg: type, ...).
func (d FactDeclaration) Signature() string {
	parts := make([]string, len(d.Args))
	for i, a := range d.Args {
		parts[i] = fmt.Sprintf("%s: %s", a.Name, a.Type)
	}
	return d.Name + "(" + strings.Join(parts, ", ") + ")"
}

// Fact is one ground assertion about a declared predicate.
type Fact struct {
	ID         string    `json:"id"`
	Predicate  string    `json:"predicate"`
	Args       Tuple     `json:"args"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`

	Revision int64 `json:"-"`
}

// NewFact builds a fact with full confidence and computes its identity.
func NewFact(predicate string, args ...Value) (Fact, error) {
	id, err := FactID(predicate, args)
	if err != nil {
		return Fact{}, err
	}
	return Fact{ID: id, Predicate: predicate, Args: args, Confidence: 1}, nil
}

// String renders the fact in Mangle syntax without the trailing period.
func (f Fact) String() string {
	return f.Predicate + f.Args.String()
}

// FactRef identifies a fact by predicate and arguments.
type FactRef struct {
	Predicate string `json:"predicate"`
	Args      Tuple  `json:"args"`
}

// ID returns the content address of the referenced fact.
func (r FactRef) ID() (string, error) { return FactID(r.Predicate, r.Args) }

// Term is either a variable or a constant. Exactly one field is set.
type Term struct {
	Var   string
	Const Value
}

// V returns a variable term.
func V(name string) Term { return Term{Var: name} }

// C returns a constant term.
func C(v Value) Term { return Term{Const: v} }

// IsVar reports whether the term is a variable.
func (t Term) IsVar() bool { return t.Var != "" }

// IsWildcard reports whether the term is the anonymous variable.
func (t Term) IsWildcard() bool { return t.Var == "_" }

func (t Term) String() string {
	if t.IsVar() {
		return t.Var
	}
	if t.Const == nil {
		return "<nil>"
	}
	return t.Const.Literal()
}

type termJSON struct {
	Var   string          `json:"var,omitempty"`
	Const json.RawMessage `json:"const,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (t Term) MarshalJSON() ([]byte, error) {
	if t.IsVar() {
		return json.Marshal(termJSON{Var: t.Var})
	}
	if t.Const == nil {
		return nil, fmt.Errorf("term has neither variable nor constant")
	}
	c, err := MarshalValue(t.Const)
	if err != nil {
		return nil, err
	}
	return json.Marshal(termJSON{Const: c})
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Term) UnmarshalJSON(data []byte) error {
	var raw termJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Var != "" {
		*t = Term{Var: raw.Var}
		return nil
	}
	if len(raw.Const) == 0 {
		return fmt.Errorf("term has neither var nor const")
	}
	v, err := UnmarshalValue(raw.Const)
	if err != nil {
		return err
	}
	*t = Term{Const: v}
	return nil
}

// Atom is a predicate applied to terms, optionally negated when used in a
// rule body or condition.
type Atom struct {
	Predicate string `json:"predicate"`
	Args      []Term `json:"args"`
	Negated   bool   `json:"negated,omitempty"`
}

// String renders the atom in Mangle syntax.
func (a Atom) String() string {
	parts := make([]string, len(a.Args))
	for i, t := range a.Args {
		parts[i] = t.String()
	}
	s := a.Predicate + "(" + strings.Join(parts, ", ") + ")"
	if a.Negated {
		return "!" + s
	}
	return s
}

// Variables returns the distinct named variables of the atom in order of
// first appearance. The wildcard is skipped.
func (a Atom) Variables() []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range a.Args {
		if t.IsVar() && !t.IsWildcard() && !seen[t.Var] {
			seen[t.Var] = true
			out = append(out, t.Var)
		}
	}
	return out
}

// Rule derives its head from the conjunction of its body atoms.
type Rule struct {
	Name      string    `json:"name"`
	Head      Atom      `json:"head"`
	Body      []Atom    `json:"body"`
	Enabled   bool      `json:"enabled"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`

	Revision int64 `json:"-"`
}

// Clause renders the rule as a Mangle clause including the final period.
func (r Rule) Clause() string {
	if len(r.Body) == 0 {
		return r.Head.String() + "."
	}
	parts := make([]string, len(r.Body))
	for i, a := range r.Body {
		parts[i] = a.String()
	}
	return r.Head.String() + " :- " + strings.Join(parts, ", ") + "."
}

// Condition is a conjunction of atoms evaluated as a query.
type Condition struct {
	Source string `json:"source"`
	Atoms  []Atom `json:"atoms"`
}

// String renders the condition body in Mangle syntax.
func (c Condition) String() string {
	parts := make([]string, len(c.Atoms))
	for i, a := range c.Atoms {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

// Variables returns the distinct variables bound by positive atoms, in
// order of first appearance. These form the columns of the query result.
func (c Condition) Variables() []string {
	var out []string
	seen := map[string]bool{}
	for _, a := range c.Atoms {
		if a.Negated {
			continue
		}
		for _, v := range a.Variables() {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
