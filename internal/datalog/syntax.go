package datalog

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/parse"
	"github.com/google/mangle/symbols"

	"github.com/roach88/reckon/internal/ir"
)

// conditionHead is the placeholder head used to parse a bare condition
// as a clause body.
const conditionHead = "reckon_condition(/true) :- "

// ParseRule parses one authored rule such as
//
//	interested(U) :- likes(U, "distributed-systems"), !muted(U).
//
// The trailing period is optional. Only atoms and negated atoms are
// accepted in the body.
func ParseRule(name, text string) (ir.Rule, error) {
	src := strings.TrimSpace(text)
	if src == "" {
		return ir.Rule{}, syntaxError(name, "empty rule")
	}
	if !strings.HasSuffix(src, ".") {
		src += "."
	}
	clause, err := parseSingleClause(name, src)
	if err != nil {
		return ir.Rule{}, err
	}
	head, err := convertAtom(clause.Head, false)
	if err != nil {
		return ir.Rule{}, syntaxError(name, err.Error())
	}
	body, err := convertPremises(clause.Premises)
	if err != nil {
		return ir.Rule{}, syntaxError(name, err.Error())
	}
	return ir.Rule{Name: name, Head: head, Body: body, Enabled: true, Source: strings.TrimSpace(text)}, nil
}

// ParseCondition parses a conjunction of atoms such as
// `interested(U), !muted(U)`.
func ParseCondition(text string) (ir.Condition, error) {
	src := strings.TrimSuffix(strings.TrimSpace(text), ".")
	if src == "" {
		return ir.Condition{}, syntaxError("", "empty condition")
	}
	clause, err := parseSingleClause("", conditionHead+src+".")
	if err != nil {
		return ir.Condition{}, err
	}
	atoms, err := convertPremises(clause.Premises)
	if err != nil {
		return ir.Condition{}, syntaxError("", err.Error())
	}
	return ir.Condition{Source: src, Atoms: atoms}, nil
}

func parseSingleClause(subject, src string) (ast.Clause, error) {
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return ast.Clause{}, syntaxError(subject, err.Error())
	}
	for _, d := range unit.Decls {
		// The parser adds a Package decl to every unit.
		if d.DeclaredAtom.Predicate == symbols.Package {
			continue
		}
		return ast.Clause{}, syntaxError(subject, "declarations are not allowed here")
	}
	if len(unit.Clauses) != 1 {
		return ast.Clause{}, syntaxError(subject, fmt.Sprintf("expected exactly one clause, got %d", len(unit.Clauses)))
	}
	clause := unit.Clauses[0]
	if clause.Transform != nil {
		return ast.Clause{}, syntaxError(subject, "transforms are not supported")
	}
	return clause, nil
}

func convertPremises(premises []ast.Term) ([]ir.Atom, error) {
	atoms := make([]ir.Atom, 0, len(premises))
	for _, p := range premises {
		switch t := p.(type) {
		case ast.Atom:
			a, err := convertAtom(t, false)
			if err != nil {
				return nil, err
			}
			atoms = append(atoms, a)
		case ast.NegAtom:
			a, err := convertAtom(t.Atom, true)
			if err != nil {
				return nil, err
			}
			atoms = append(atoms, a)
		default:
			return nil, fmt.Errorf("unsupported body element %s", p)
		}
	}
	return atoms, nil
}

func convertAtom(a ast.Atom, negated bool) (ir.Atom, error) {
	out := ir.Atom{Predicate: a.Predicate.Symbol, Negated: negated, Args: make([]ir.Term, len(a.Args))}
	for i, arg := range a.Args {
		switch t := arg.(type) {
		case ast.Variable:
			out.Args[i] = ir.V(t.Symbol)
		case ast.Constant:
			v, err := valueFromConstant(t)
			if err != nil {
				return ir.Atom{}, fmt.Errorf("%s argument %d: %w", out.Predicate, i, err)
			}
			out.Args[i] = ir.C(v)
		default:
			return ir.Atom{}, fmt.Errorf("%s argument %d: unsupported term %s", out.Predicate, i, arg)
		}
	}
	return out, nil
}

// valueFromConstant maps a Mangle constant to a typed value. The name
// constants /true and /false are booleans; every other name is a symbol.
func valueFromConstant(c ast.Constant) (ir.Value, error) {
	switch c.Type {
	case ast.StringType:
		return ir.String(c.Symbol), nil
	case ast.NumberType:
		return ir.Int(c.NumValue), nil
	case ast.Float64Type:
		return ir.Float(math.Float64frombits(uint64(c.NumValue))), nil
	case ast.NameType:
		switch c.Symbol {
		case "/true":
			return ir.Bool(true), nil
		case "/false":
			return ir.Bool(false), nil
		}
		return ir.Symbol(strings.TrimPrefix(c.Symbol, "/")), nil
	}
	return nil, fmt.Errorf("unsupported constant %s", c)
}

func syntaxError(subject, msg string) *ir.CompilationError {
	return &ir.CompilationError{Code: ir.ErrCodeSyntax, Subject: subject, Message: msg}
}
