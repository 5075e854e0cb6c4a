package cli

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/reckon/internal/core"
	"github.com/roach88/reckon/internal/ir"
)

// parseLiteral guesses the type of a command line value: a leading
// slash makes a symbol, then int, float and bool are tried, and
// anything else is a string. Quote a value to force a string.
func parseLiteral(s string) ir.Value {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return ir.String(s[1 : len(s)-1])
	}
	if strings.HasPrefix(s, "/") && len(s) > 1 {
		return ir.Symbol(s[1:])
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ir.Int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return ir.Float(f)
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return ir.Bool(b)
	}
	return ir.String(s)
}

// parseKeyValues turns key=value pairs into invoke arguments.
func parseKeyValues(pairs []string) (map[string]ir.Value, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]ir.Value, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, usagef("argument %q is not key=value", p)
		}
		out[k] = parseLiteral(v)
	}
	return out, nil
}

// parseDeclArgs parses name:type pairs. A bare name is a string.
func parseDeclArgs(specs []string) ([]ir.Arg, error) {
	args := make([]ir.Arg, 0, len(specs))
	for _, s := range specs {
		name, typ, ok := strings.Cut(s, ":")
		if !ok {
			typ = string(ir.TypeString)
		}
		if !ir.ValidArgTypes[ir.ArgType(typ)] {
			return nil, usagef("argument %q: unknown type %q (want string, int, float, bool or symbol)", s, typ)
		}
		args = append(args, ir.Arg{Name: name, Type: ir.ArgType(typ)})
	}
	return args, nil
}

// actionFlags collects the flags that describe an action. Exactly one of
// invoke, assert, retract or json is given; schedule flags wrap an invoke,
// assert or retract into a schedule_job action.
type actionFlags struct {
	invoke   string
	args     []string
	assert   string
	retract  string
	factArgs []string
	json     string

	schedule jobFlags
}

// jobFlags describe when a job runs and how it retries.
type jobFlags struct {
	at          string
	every       time.Duration
	cron        string
	jitter      time.Duration
	maxAttempts int
	initial     time.Duration
}

func (f *actionFlags) register(cmd *cobra.Command, withSchedule bool) {
	fl := cmd.Flags()
	fl.StringVar(&f.invoke, "invoke", "", "invoke the named handler")
	fl.StringArrayVar(&f.args, "arg", nil, "handler argument key=value (repeatable)")
	fl.StringVar(&f.assert, "assert", "", "assert a fact of this predicate")
	fl.StringVar(&f.retract, "retract", "", "retract a fact of this predicate")
	fl.StringArrayVar(&f.factArgs, "fact-arg", nil, "fact argument for --assert or --retract (repeatable, in order)")
	fl.StringVar(&f.json, "action-json", "", "the action as JSON")
	if withSchedule {
		f.schedule.register(cmd)
	}
}

func (f *jobFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.at, "at", "", "run once at this RFC 3339 time")
	fl.DurationVar(&f.every, "every", 0, "run at this interval")
	fl.StringVar(&f.cron, "cron", "", "run on this cron schedule")
	fl.DurationVar(&f.jitter, "jitter", 0, "random delay added to recurring runs")
	fl.IntVar(&f.maxAttempts, "max-attempts", 0, "attempts before a run is given up (default from config)")
	fl.DurationVar(&f.initial, "backoff", 0, "first retry delay (default from config)")
}

func (f *jobFlags) given() bool {
	return f.at != "" || f.every > 0 || f.cron != ""
}

// spec builds a job spec around payload.
func (f *jobFlags) spec(payload ir.Action, defaults ir.BackoffPolicy) (ir.JobSpec, error) {
	var kind ir.JobKind
	n := 0
	if f.at != "" {
		t, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return ir.JobSpec{}, usagef("--at: %v", err)
		}
		kind = ir.Once(t)
		n++
	}
	if f.every > 0 {
		kind = ir.Every(f.every, f.jitter)
		n++
	}
	if f.cron != "" {
		kind = ir.Cron(f.cron)
		kind.Jitter = f.jitter
		n++
	}
	if n != 1 {
		return ir.JobSpec{}, usagef("exactly one of --at, --every, --cron is required")
	}
	spec := ir.JobSpec{Kind: kind, Payload: payload}
	if f.maxAttempts > 0 || f.initial > 0 {
		spec.Backoff = defaults
		if f.maxAttempts > 0 {
			spec.Backoff.MaxAttempts = f.maxAttempts
		}
		if f.initial > 0 {
			spec.Backoff.Initial = f.initial
		}
	}
	return spec, spec.Validate()
}

// build returns the described action. Fact arguments are typed by the
// predicate's declaration.
func (f *actionFlags) build(ctx context.Context, rt *core.Runtime) (ir.Action, error) {
	n := 0
	for _, s := range []string{f.invoke, f.assert, f.retract, f.json} {
		if s != "" {
			n++
		}
	}
	if n != 1 {
		return ir.Action{}, usagef("exactly one of --invoke, --assert, --retract, --action-json is required")
	}

	var a ir.Action
	switch {
	case f.json != "":
		if err := json.Unmarshal([]byte(f.json), &a); err != nil {
			return ir.Action{}, usagef("--action-json: %v", err)
		}
	case f.invoke != "":
		args, err := parseKeyValues(f.args)
		if err != nil {
			return ir.Action{}, err
		}
		a = ir.NewInvoke(f.invoke, args)
	case f.assert != "":
		fact, err := rt.ParseFact(ctx, f.assert, f.factArgs)
		if err != nil {
			return ir.Action{}, err
		}
		a = ir.NewAssertFact(fact)
	default:
		fact, err := rt.ParseFact(ctx, f.retract, f.factArgs)
		if err != nil {
			return ir.Action{}, err
		}
		a = ir.NewRetractFact(fact.Predicate, fact.Args...)
	}

	if f.schedule.given() {
		spec, err := f.schedule.spec(a, rt.Config.Scheduler.Backoff.Policy())
		if err != nil {
			return ir.Action{}, err
		}
		a = ir.NewScheduleJob(spec)
	}
	return a, a.Validate()
}
