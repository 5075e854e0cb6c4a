package harness

// TraceEvent records one observable effect of a scenario step.
type TraceEvent struct {
	// Step is the index of the step that caused the event.
	Step int `json:"step"`
	// Kind is a step kind, or "fire", "invoke", "job" for effects.
	Kind    string `json:"kind"`
	Subject string `json:"subject,omitempty"`
	Detail  string `json:"detail,omitempty"`
	// At is the fake clock time, RFC 3339.
	At string `json:"at"`
}

// Event kinds for effects.
const (
	EventFire   = "fire"
	EventFail   = "fire_failed"
	EventInvoke = "invoke"
	EventJob    = "job"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect step held.
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failed expectation and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
