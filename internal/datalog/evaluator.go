package datalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"github.com/roach88/reckon/internal/ir"
)

// Evaluator runs a compiled program to its fixed point and returns every
// derived relation. Implementations are stateless between calls.
type Evaluator interface {
	Evaluate(ctx context.Context, p Program) (Result, error)
}

// DefaultFactLimit bounds the facts one in-process run may create.
const DefaultFactLimit = 1_000_000

// MangleEvaluator evaluates programs in-process with the Mangle engine.
//
// Mangle's evaluation is not interruptible, so ctx is only checked before
// the run starts. The Pipeline bounds the wall-clock time.
type MangleEvaluator struct {
	FactLimit int
}

// NewMangleEvaluator returns an in-process evaluator. A non-positive
// limit selects DefaultFactLimit.
func NewMangleEvaluator(factLimit int) *MangleEvaluator {
	if factLimit <= 0 {
		factLimit = DefaultFactLimit
	}
	return &MangleEvaluator{FactLimit: factLimit}
}

// Evaluate implements Evaluator.
func (e *MangleEvaluator) Evaluate(ctx context.Context, p Program) (Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unit, err := parse.Unit(strings.NewReader(p.Text))
	if err != nil {
		return nil, &ir.EvaluationError{Kind: ir.EvalFailed, Message: "parse program", Diagnostics: err.Error(), Err: err}
	}
	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, &ir.EvaluationError{Kind: ir.EvalFailed, Message: "analyze program", Diagnostics: err.Error(), Err: err}
	}

	store := factstore.NewSimpleInMemoryStore()
	if _, err := mengine.EvalProgramWithStats(info, store, mengine.WithCreatedFactLimit(e.FactLimit)); err != nil {
		return nil, &ir.EvaluationError{Kind: ir.EvalFailed, Message: "evaluate program", Diagnostics: err.Error(), Err: err}
	}
	return readStore(store)
}

// readStore copies every predicate of store into a Result.
func readStore(store factstore.FactStore) (Result, error) {
	res := make(Result)
	for _, sym := range store.ListPredicates() {
		err := store.GetFacts(ast.NewQuery(sym), func(a ast.Atom) error {
			t, err := tupleFromAtom(a)
			if err != nil {
				return err
			}
			res[sym.Symbol] = append(res[sym.Symbol], t)
			return nil
		})
		if err != nil {
			return nil, &ir.EvaluationError{Kind: ir.EvalMalformed, Message: "read " + sym.Symbol, Diagnostics: err.Error(), Err: err}
		}
	}
	res.Sort()
	return res, nil
}

func tupleFromAtom(a ast.Atom) (ir.Tuple, error) {
	t := make(ir.Tuple, len(a.Args))
	for i, arg := range a.Args {
		c, ok := arg.(ast.Constant)
		if !ok {
			return nil, fmt.Errorf("%s argument %d is not a constant: %s", a.Predicate.Symbol, i, arg)
		}
		v, err := valueFromConstant(c)
		if err != nil {
			return nil, fmt.Errorf("%s argument %d: %w", a.Predicate.Symbol, i, err)
		}
		t[i] = v
	}
	return t, nil
}
