package ir

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// ActionKind tags the variant held by an Action.
type ActionKind string

const (
	ActionInvoke      ActionKind = "invoke"
	ActionScheduleJob ActionKind = "schedule_job"
	ActionAssertFact  ActionKind = "assert_fact"
	ActionRetractFact ActionKind = "retract_fact"
)

// Action is a closed tagged variant describing work to perform. Exactly
// the field matching Kind is set; the JSON form is stable so decisions
// and jobs can be replayed after a crash.
type Action struct {
	Kind        ActionKind    `json:"kind"`
	Invoke      *InvokeAction `json:"invoke,omitempty"`
	ScheduleJob *JobSpec      `json:"schedule_job,omitempty"`
	AssertFact  *Fact         `json:"assert_fact,omitempty"`
	RetractFact *FactRef      `json:"retract_fact,omitempty"`
}

// InvokeAction calls a named handler of the action executor.
type InvokeAction struct {
	Name string           `json:"name"`
	Args map[string]Value `json:"-"`
}

// NewInvoke returns an invoke action.
func NewInvoke(name string, args map[string]Value) Action {
	return Action{Kind: ActionInvoke, Invoke: &InvokeAction{Name: name, Args: args}}
}

// NewScheduleJob returns an action that schedules a job.
func NewScheduleJob(spec JobSpec) Action {
	return Action{Kind: ActionScheduleJob, ScheduleJob: &spec}
}

// NewAssertFact returns an action that asserts a fact.
func NewAssertFact(f Fact) Action {
	return Action{Kind: ActionAssertFact, AssertFact: &f}
}

// NewRetractFact returns an action that retracts a fact.
func NewRetractFact(predicate string, args ...Value) Action {
	return Action{Kind: ActionRetractFact, RetractFact: &FactRef{Predicate: predicate, Args: args}}
}

// Validate checks that exactly the variant named by Kind is populated.
func (a Action) Validate() error {
	set := 0
	for _, ok := range []bool{a.Invoke != nil, a.ScheduleJob != nil, a.AssertFact != nil, a.RetractFact != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("action must set exactly one variant, got %d", set)
	}
	switch a.Kind {
	case ActionInvoke:
		if a.Invoke == nil {
			return fmt.Errorf("kind %s without invoke body", a.Kind)
		}
		if a.Invoke.Name == "" {
			return fmt.Errorf("invoke: name is required")
		}
		for k, v := range a.Invoke.Args {
			if err := CheckValue(v); err != nil {
				return fmt.Errorf("invoke arg %q: %w", k, err)
			}
		}
	case ActionScheduleJob:
		if a.ScheduleJob == nil {
			return fmt.Errorf("kind %s without schedule_job body", a.Kind)
		}
		if a.ScheduleJob.Payload.Kind == ActionScheduleJob {
			return fmt.Errorf("schedule_job: payload must not schedule another job")
		}
		return a.ScheduleJob.Validate()
	case ActionAssertFact:
		if a.AssertFact == nil {
			return fmt.Errorf("kind %s without assert_fact body", a.Kind)
		}
		if a.AssertFact.Predicate == "" {
			return fmt.Errorf("assert_fact: predicate is required")
		}
	case ActionRetractFact:
		if a.RetractFact == nil {
			return fmt.Errorf("kind %s without retract_fact body", a.Kind)
		}
		if a.RetractFact.Predicate == "" {
			return fmt.Errorf("retract_fact: predicate is required")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Describe returns a short human label such as "invoke notify".
func (a Action) Describe() string {
	switch a.Kind {
	case ActionInvoke:
		if a.Invoke != nil {
			return "invoke " + a.Invoke.Name
		}
	case ActionScheduleJob:
		if a.ScheduleJob != nil {
			return fmt.Sprintf("schedule_job %s(%s)", a.ScheduleJob.Kind.Type, a.ScheduleJob.Payload.Describe())
		}
	case ActionAssertFact:
		if a.AssertFact != nil {
			return "assert_fact " + a.AssertFact.String()
		}
	case ActionRetractFact:
		if a.RetractFact != nil {
			return "retract_fact " + a.RetractFact.Predicate + a.RetractFact.Args.String()
		}
	}
	return string(a.Kind)
}

// canonicalTree builds the hashable form of the action. Only fields that
// change what the action does are included.
func (a Action) canonicalTree() (map[string]any, error) {
	tree := map[string]any{"kind": string(a.Kind)}
	switch a.Kind {
	case ActionInvoke:
		if a.Invoke == nil {
			return nil, fmt.Errorf("invoke body missing")
		}
		args := make(map[string]any, len(a.Invoke.Args))
		for k, v := range a.Invoke.Args {
			args[k] = v
		}
		tree["name"] = a.Invoke.Name
		tree["args"] = args
	case ActionScheduleJob:
		if a.ScheduleJob == nil {
			return nil, fmt.Errorf("schedule_job body missing")
		}
		spec, err := a.ScheduleJob.canonicalTree()
		if err != nil {
			return nil, err
		}
		tree["job"] = spec
	case ActionAssertFact:
		if a.AssertFact == nil {
			return nil, fmt.Errorf("assert_fact body missing")
		}
		tree["predicate"] = a.AssertFact.Predicate
		tree["args"] = a.AssertFact.Args
		tree["confidence"] = strconv.FormatFloat(a.AssertFact.Confidence, 'g', -1, 64)
	case ActionRetractFact:
		if a.RetractFact == nil {
			return nil, fmt.Errorf("retract_fact body missing")
		}
		tree["predicate"] = a.RetractFact.Predicate
		tree["args"] = a.RetractFact.Args
	default:
		return nil, fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return tree, nil
}

// ArgNames returns the invoke argument names in sorted order.
func (i InvokeAction) ArgNames() []string {
	names := make([]string, 0, len(i.Args))
	for k := range i.Args {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

type invokeJSON struct {
	Name string                     `json:"name"`
	Args map[string]json.RawMessage `json:"args,omitempty"`
}

// MarshalJSON implements json.Marshaler with tagged argument values.
func (i InvokeAction) MarshalJSON() ([]byte, error) {
	out := invokeJSON{Name: i.Name}
	if len(i.Args) > 0 {
		out.Args = make(map[string]json.RawMessage, len(i.Args))
		for k, v := range i.Args {
			b, err := MarshalValue(v)
			if err != nil {
				return nil, fmt.Errorf("invoke arg %q: %w", k, err)
			}
			out.Args[k] = b
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *InvokeAction) UnmarshalJSON(data []byte) error {
	var raw invokeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	i.Name = raw.Name
	i.Args = nil
	if len(raw.Args) > 0 {
		i.Args = make(map[string]Value, len(raw.Args))
		for k, b := range raw.Args {
			v, err := UnmarshalValue(b)
			if err != nil {
				return fmt.Errorf("invoke arg %q: %w", k, err)
			}
			i.Args[k] = v
		}
	}
	return nil
}
