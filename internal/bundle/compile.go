package bundle

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/reckon/internal/datalog"
	"github.com/roach88/reckon/internal/ir"
)

// CompileError is a bundle entry that could not be turned into ir.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError keeps the position of the first CUE error.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}

func label(v cue.Value) string {
	sels := v.Path().Selectors()
	if len(sels) == 0 {
		return ""
	}
	return strings.Trim(sels[len(sels)-1].String(), `"`)
}

func lookupString(v cue.Value, path string) (string, bool, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return "", false, nil
	}
	s, err := f.String()
	if err != nil {
		return "", true, formatCUEError(err)
	}
	return s, true, nil
}

func lookupBool(v cue.Value, path string, def bool) (bool, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return def, nil
	}
	b, err := f.Bool()
	if err != nil {
		return def, formatCUEError(err)
	}
	return b, nil
}

// CompileDeclaration reads one entry of the declarations struct:
//
//	declarations: likes: {
//		description: "person likes topic"
//		args: {person: "string", topic: "symbol"}
//	}
//
// Argument order is the field order of args.
func CompileDeclaration(v cue.Value) (ir.FactDeclaration, error) {
	if err := v.Err(); err != nil {
		return ir.FactDeclaration{}, formatCUEError(err)
	}
	d := ir.FactDeclaration{Name: label(v)}

	desc, _, err := lookupString(v, "description")
	if err != nil {
		return d, err
	}
	d.Description = desc

	argsVal := v.LookupPath(cue.ParsePath("args"))
	if !argsVal.Exists() {
		return d, &CompileError{Field: "declaration.args", Message: "args are required", Pos: v.Pos()}
	}
	iter, err := argsVal.Fields()
	if err != nil {
		return d, formatCUEError(err)
	}
	for iter.Next() {
		typ, err := iter.Value().String()
		if err != nil {
			return d, formatCUEError(err)
		}
		if !ir.ValidArgTypes[ir.ArgType(typ)] {
			return d, &CompileError{
				Field:   "declaration.args." + iter.Label(),
				Message: fmt.Sprintf("unknown type %q, want string, int, float, bool or symbol", typ),
				Pos:     iter.Value().Pos(),
			}
		}
		d.Args = append(d.Args, ir.Arg{Name: iter.Label(), Type: ir.ArgType(typ)})
	}
	return d, nil
}

// CompileRule reads a rule given either as clause text or as a struct
// with text and enabled fields.
func CompileRule(v cue.Value) (ir.Rule, error) {
	if err := v.Err(); err != nil {
		return ir.Rule{}, formatCUEError(err)
	}
	name := label(v)
	text, err := v.String()
	enabled := true
	if err != nil {
		var ok bool
		text, ok, err = lookupString(v, "text")
		if err != nil {
			return ir.Rule{}, err
		}
		if !ok {
			return ir.Rule{}, &CompileError{Field: "rule", Message: "must be clause text or a struct with text", Pos: v.Pos()}
		}
		if enabled, err = lookupBool(v, "enabled", true); err != nil {
			return ir.Rule{}, err
		}
	}

	r, err := datalog.ParseRule(name, text)
	if err != nil {
		return ir.Rule{}, &CompileError{Field: "rule.text", Message: err.Error(), Pos: v.Pos()}
	}
	r.Enabled = enabled
	r.Source = Source
	return r, nil
}

// CompileTrigger reads one entry of the triggers struct.
func CompileTrigger(v cue.Value, decls map[string]ir.FactDeclaration) (ir.Trigger, error) {
	if err := v.Err(); err != nil {
		return ir.Trigger{}, formatCUEError(err)
	}
	t := ir.Trigger{Name: label(v)}

	text, ok, err := lookupString(v, "condition")
	if err != nil {
		return t, err
	}
	if !ok {
		return t, &CompileError{Field: "trigger.condition", Message: "condition is required", Pos: v.Pos()}
	}
	if t.Condition, err = datalog.ParseCondition(text); err != nil {
		return t, &CompileError{Field: "trigger.condition", Message: err.Error(), Pos: v.LookupPath(cue.ParsePath("condition")).Pos()}
	}

	actionVal := v.LookupPath(cue.ParsePath("action"))
	if !actionVal.Exists() {
		return t, &CompileError{Field: "trigger.action", Message: "action is required", Pos: v.Pos()}
	}
	if t.Action, err = CompileAction(actionVal, decls); err != nil {
		return t, err
	}
	if t.Enabled, err = lookupBool(v, "enabled", true); err != nil {
		return t, err
	}
	return t, nil
}

// CompileAction reads an action struct holding exactly one of invoke,
// schedule_job, assert_fact or retract_fact.
func CompileAction(v cue.Value, decls map[string]ir.FactDeclaration) (ir.Action, error) {
	var kinds []string
	iter, err := v.Fields()
	if err != nil {
		return ir.Action{}, formatCUEError(err)
	}
	for iter.Next() {
		kinds = append(kinds, iter.Label())
	}
	if len(kinds) != 1 {
		return ir.Action{}, &CompileError{
			Field:   "action",
			Message: fmt.Sprintf("want exactly one of invoke, schedule_job, assert_fact, retract_fact; got %v", kinds),
			Pos:     v.Pos(),
		}
	}

	body := v.LookupPath(cue.MakePath(cue.Str(kinds[0])))
	var a ir.Action
	switch ir.ActionKind(kinds[0]) {
	case ir.ActionInvoke:
		a, err = compileInvoke(body)
	case ir.ActionScheduleJob:
		a, err = compileScheduleJob(body, decls)
	case ir.ActionAssertFact:
		var f ir.Fact
		if f, err = CompileFact(body, decls); err == nil {
			a = ir.NewAssertFact(f)
		}
	case ir.ActionRetractFact:
		var f ir.Fact
		if f, err = CompileFact(body, decls); err == nil {
			a = ir.NewRetractFact(f.Predicate, f.Args...)
		}
	default:
		return ir.Action{}, &CompileError{Field: "action", Message: "unknown action kind " + kinds[0], Pos: body.Pos()}
	}
	if err != nil {
		return ir.Action{}, err
	}
	if err := a.Validate(); err != nil {
		return ir.Action{}, &CompileError{Field: "action", Message: err.Error(), Pos: v.Pos()}
	}
	return a, nil
}

func compileInvoke(v cue.Value) (ir.Action, error) {
	name, ok, err := lookupString(v, "name")
	if err != nil {
		return ir.Action{}, err
	}
	if !ok {
		return ir.Action{}, &CompileError{Field: "action.invoke.name", Message: "handler name is required", Pos: v.Pos()}
	}
	args := map[string]ir.Value{}
	if argsVal := v.LookupPath(cue.ParsePath("args")); argsVal.Exists() {
		iter, err := argsVal.Fields()
		if err != nil {
			return ir.Action{}, formatCUEError(err)
		}
		for iter.Next() {
			val, err := valueOf(iter.Value())
			if err != nil {
				return ir.Action{}, err
			}
			args[iter.Label()] = val
		}
	}
	return ir.NewInvoke(name, args), nil
}

// compileScheduleJob reads
//
//	schedule_job: {every: "10m", jitter: "30s", payload: {invoke: {...}}}
//
// with once (RFC 3339) or cron in place of every, and an optional backoff.
func compileScheduleJob(v cue.Value, decls map[string]ir.FactDeclaration) (ir.Action, error) {
	var spec ir.JobSpec
	once, hasOnce, err := lookupString(v, "once")
	if err != nil {
		return ir.Action{}, err
	}
	every, hasEvery, err := lookupString(v, "every")
	if err != nil {
		return ir.Action{}, err
	}
	expr, hasCron, err := lookupString(v, "cron")
	if err != nil {
		return ir.Action{}, err
	}
	jitter, err := lookupDuration(v, "jitter")
	if err != nil {
		return ir.Action{}, err
	}

	switch {
	case hasOnce && !hasEvery && !hasCron:
		at, perr := time.Parse(time.RFC3339, once)
		if perr != nil {
			return ir.Action{}, &CompileError{Field: "schedule_job.once", Message: perr.Error(), Pos: v.Pos()}
		}
		spec.Kind = ir.Once(at.UTC())
	case hasEvery && !hasOnce && !hasCron:
		d, perr := time.ParseDuration(every)
		if perr != nil {
			return ir.Action{}, &CompileError{Field: "schedule_job.every", Message: perr.Error(), Pos: v.Pos()}
		}
		spec.Kind = ir.Every(d, jitter)
	case hasCron && !hasOnce && !hasEvery:
		spec.Kind = ir.Cron(expr)
		spec.Kind.Jitter = jitter
	default:
		return ir.Action{}, &CompileError{Field: "schedule_job", Message: "want exactly one of once, every, cron", Pos: v.Pos()}
	}

	payload := v.LookupPath(cue.ParsePath("payload"))
	if !payload.Exists() {
		return ir.Action{}, &CompileError{Field: "schedule_job.payload", Message: "payload is required", Pos: v.Pos()}
	}
	if spec.Payload, err = CompileAction(payload, decls); err != nil {
		return ir.Action{}, err
	}

	if b := v.LookupPath(cue.ParsePath("backoff")); b.Exists() {
		if spec.Backoff, err = compileBackoff(b); err != nil {
			return ir.Action{}, err
		}
	}
	if err := spec.Validate(); err != nil {
		return ir.Action{}, &CompileError{Field: "schedule_job", Message: err.Error(), Pos: v.Pos()}
	}
	return ir.NewScheduleJob(spec), nil
}

func compileBackoff(v cue.Value) (ir.BackoffPolicy, error) {
	p := ir.DefaultBackoff()
	var err error
	if d, derr := lookupDuration(v, "initial"); derr != nil {
		return p, derr
	} else if d > 0 {
		p.Initial = d
	}
	if d, derr := lookupDuration(v, "max"); derr != nil {
		return p, derr
	} else if d > 0 {
		p.Max = d
	}
	for path, dst := range map[string]*float64{"multiplier": &p.Multiplier, "jitter": &p.Jitter} {
		if f := v.LookupPath(cue.ParsePath(path)); f.Exists() {
			if *dst, err = f.Float64(); err != nil {
				return p, formatCUEError(err)
			}
		}
	}
	if f := v.LookupPath(cue.ParsePath("max_attempts")); f.Exists() {
		n, err := f.Int64()
		if err != nil {
			return p, formatCUEError(err)
		}
		p.MaxAttempts = int(n)
	}
	return p, nil
}

func lookupDuration(v cue.Value, path string) (time.Duration, error) {
	s, ok, err := lookupString(v, path)
	if err != nil || !ok {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &CompileError{Field: path, Message: err.Error(), Pos: v.LookupPath(cue.ParsePath(path)).Pos()}
	}
	return d, nil
}

// CompileFact reads {predicate, args: [...], confidence}. Arguments are
// coerced to the declared types when the predicate is declared in the
// bundle.
func CompileFact(v cue.Value, decls map[string]ir.FactDeclaration) (ir.Fact, error) {
	if err := v.Err(); err != nil {
		return ir.Fact{}, formatCUEError(err)
	}
	pred, ok, err := lookupString(v, "predicate")
	if err != nil {
		return ir.Fact{}, err
	}
	if !ok {
		return ir.Fact{}, &CompileError{Field: "fact.predicate", Message: "predicate is required", Pos: v.Pos()}
	}

	var args ir.Tuple
	if argsVal := v.LookupPath(cue.ParsePath("args")); argsVal.Exists() {
		iter, err := argsVal.List()
		if err != nil {
			return ir.Fact{}, formatCUEError(err)
		}
		for iter.Next() {
			val, err := valueOf(iter.Value())
			if err != nil {
				return ir.Fact{}, err
			}
			args = append(args, val)
		}
	}
	if d, ok := decls[pred]; ok {
		if len(args) != d.Arity() {
			return ir.Fact{}, &CompileError{
				Field:   "fact.args",
				Message: fmt.Sprintf("%s takes %d arguments, got %d", d.Signature(), d.Arity(), len(args)),
				Pos:     v.Pos(),
			}
		}
		for i, a := range d.Args {
			args[i] = coerce(a.Type, args[i])
		}
	}

	f, err := ir.NewFact(pred, args...)
	if err != nil {
		return ir.Fact{}, &CompileError{Field: "fact", Message: err.Error(), Pos: v.Pos()}
	}
	if c := v.LookupPath(cue.ParsePath("confidence")); c.Exists() {
		if f.Confidence, err = c.Float64(); err != nil {
			return ir.Fact{}, formatCUEError(err)
		}
	}
	f.Source = Source
	return f, nil
}

// valueOf maps a concrete CUE scalar to a value. Strings with a leading
// slash are symbols, as in Mangle.
func valueOf(v cue.Value) (ir.Value, error) {
	switch v.Kind() {
	case cue.StringKind:
		s, _ := v.String()
		if strings.HasPrefix(s, "/") {
			return ir.ParseValue(ir.TypeSymbol, s)
		}
		return ir.String(s), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Int(n), nil
	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Float(f), nil
	case cue.BoolKind:
		b, _ := v.Bool()
		return ir.Bool(b), nil
	}
	return nil, &CompileError{
		Field:   "value",
		Message: fmt.Sprintf("want a concrete string, number or bool, got %v", v.IncompleteKind()),
		Pos:     v.Pos(),
	}
}

// coerce converts v to t where the conversion is lossless; otherwise v is
// returned unchanged for schema validation to reject.
func coerce(t ir.ArgType, v ir.Value) ir.Value {
	switch val := v.(type) {
	case ir.Int:
		if t == ir.TypeFloat {
			return ir.Float(float64(val))
		}
	case ir.Float:
		if t == ir.TypeInt && val == ir.Float(math.Trunc(float64(val))) {
			return ir.Int(int64(val))
		}
	case ir.Symbol:
		if t == ir.TypeString {
			return ir.String("/" + string(val))
		}
	case ir.String:
		if t == ir.TypeSymbol {
			if sym, err := ir.ParseValue(ir.TypeSymbol, string(val)); err == nil {
				return sym
			}
		}
	}
	return v
}

func sortedNames[T any](items []T, name func(T) string) {
	slices.SortFunc(items, func(a, b T) int { return strings.Compare(name(a), name(b)) })
}
