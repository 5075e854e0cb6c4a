// Package action executes ir.Action values.
//
// The Executor interface is the boundary both the trigger engine and the
// scheduler call through. Dispatcher is the in-process implementation:
// named handlers serve invoke actions, fact actions go to the knowledge
// base, and schedule_job actions go to the scheduler.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/reckon/internal/ir"
)

// DefaultDedupeWindow is how many idempotency keys a Dispatcher remembers.
const DefaultDedupeWindow = 1024

// Request is one action invocation.
type Request struct {
	Action ir.Action
	// IdempotencyKey identifies the logical invocation. Replays with the
	// same key return the first result. Empty disables de-duplication.
	IdempotencyKey string
	// Timeout bounds the call. Zero means no extra bound beyond ctx.
	Timeout time.Duration
	// Source names the caller, recorded on jobs it schedules.
	Source string
}

// Result describes what an action did.
type Result struct {
	Output       string `json:"output,omitempty"`
	JobID        string `json:"job_id,omitempty"`
	FactID       string `json:"fact_id,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// Ref returns the most specific reference to what the action produced.
func (r Result) Ref() string {
	switch {
	case r.JobID != "":
		return "job:" + r.JobID
	case r.FactID != "":
		return "fact:" + r.FactID
	}
	return r.Output
}

// Executor runs actions. Failures are returned as *ir.ActionError.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Handler serves one named invoke action.
type Handler func(ctx context.Context, args map[string]ir.Value) (string, error)

// FactWriter is the knowledge base as seen by fact actions.
type FactWriter interface {
	Assert(ctx context.Context, f ir.Fact) (ir.Fact, bool, error)
	Retract(ctx context.Context, ref ir.FactRef) (bool, error)
}

// JobScheduler creates jobs for schedule_job actions. Creating an id that
// already exists returns the existing job.
type JobScheduler interface {
	ScheduleWithID(ctx context.Context, id string, spec ir.JobSpec) (ir.Job, bool, error)
}

// JobID derives the job id scheduled under an idempotency key, so a
// replayed schedule_job finds the job created the first time.
func JobID(key string) string {
	if key == "" {
		return uuid.Must(uuid.NewV7()).String()
	}
	return "job-" + key
}

// Dispatcher is the default Executor.
type Dispatcher struct {
	handlers  map[string]Handler
	facts     FactWriter
	scheduler JobScheduler
	logger    *slog.Logger
	window    int

	mu      sync.Mutex
	seen    map[string]Result
	order   []string
	schedMu sync.RWMutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHandler registers h under name.
func WithHandler(name string, h Handler) Option {
	return func(d *Dispatcher) { d.handlers[name] = h }
}

// WithFacts sets the fact writer used by assert_fact and retract_fact.
func WithFacts(f FactWriter) Option {
	return func(d *Dispatcher) { d.facts = f }
}

// WithScheduler sets the scheduler used by schedule_job.
func WithScheduler(s JobScheduler) Option {
	return func(d *Dispatcher) { d.scheduler = s }
}

// WithDedupeWindow sets how many idempotency keys are remembered.
func WithDedupeWindow(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.window = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher with the built-in log and noop
// handlers registered.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
		window:   DefaultDedupeWindow,
		seen:     make(map[string]Result),
	}
	for _, opt := range opts {
		opt(d)
	}
	if _, ok := d.handlers["noop"]; !ok {
		d.handlers["noop"] = Noop
	}
	if _, ok := d.handlers["log"]; !ok {
		d.handlers["log"] = LogHandler(d.logger)
	}
	return d
}

// SetScheduler wires the scheduler after construction. The scheduler
// itself needs an executor, so one side of the cycle is set late.
func (d *Dispatcher) SetScheduler(s JobScheduler) {
	d.schedMu.Lock()
	defer d.schedMu.Unlock()
	d.scheduler = s
}

// Register adds or replaces a handler.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Handlers returns the registered handler names.
func (d *Dispatcher) Handlers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	return names
}

// Execute implements Executor.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (Result, error) {
	label := req.Action.Describe()
	if err := req.Action.Validate(); err != nil {
		return Result{}, &ir.ActionError{Action: label, Message: "invalid action", Err: err}
	}
	if res, ok := d.lookup(req.IdempotencyKey); ok {
		d.logger.Debug("action deduplicated", "action", label, "key", req.IdempotencyKey)
		res.Deduplicated = true
		return res, nil
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	res, err := d.dispatch(ctx, req)
	if err != nil {
		return Result{}, d.wrap(ctx, label, err)
	}
	d.remember(req.IdempotencyKey, res)
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (Result, error) {
	a := req.Action
	switch a.Kind {
	case ir.ActionInvoke:
		d.mu.Lock()
		h, ok := d.handlers[a.Invoke.Name]
		d.mu.Unlock()
		if !ok || h == nil {
			return Result{}, fmt.Errorf("no handler named %q", a.Invoke.Name)
		}
		out, err := runHandler(ctx, h, a.Invoke.Args)
		return Result{Output: out}, err

	case ir.ActionScheduleJob:
		d.schedMu.RLock()
		s := d.scheduler
		d.schedMu.RUnlock()
		if s == nil {
			return Result{}, errors.New("no scheduler configured")
		}
		spec := *a.ScheduleJob
		if spec.Source == "" {
			spec.Source = req.Source
		}
		job, created, err := s.ScheduleWithID(ctx, JobID(req.IdempotencyKey), spec)
		if err != nil {
			return Result{}, err
		}
		if !created {
			d.logger.Info("job already scheduled", "job", job.ID)
		}
		return Result{JobID: job.ID}, nil

	case ir.ActionAssertFact:
		if d.facts == nil {
			return Result{}, errors.New("no fact store configured")
		}
		f := *a.AssertFact
		if f.Confidence == 0 {
			f.Confidence = 1
		}
		f, _, err := d.facts.Assert(ctx, f)
		if err != nil {
			return Result{}, err
		}
		return Result{FactID: f.ID}, nil

	case ir.ActionRetractFact:
		if d.facts == nil {
			return Result{}, errors.New("no fact store configured")
		}
		removed, err := d.facts.Retract(ctx, *a.RetractFact)
		if err != nil {
			return Result{}, err
		}
		id, _ := a.RetractFact.ID()
		if !removed {
			return Result{Output: "absent", FactID: id}, nil
		}
		return Result{FactID: id}, nil
	}
	return Result{}, fmt.Errorf("unknown action kind %q", a.Kind)
}

// runHandler runs h and gives up when ctx ends, even if h ignores ctx.
func runHandler(ctx context.Context, h Handler, args map[string]ir.Value) (string, error) {
	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := h(ctx, args)
		done <- outcome{out: out, err: err}
	}()
	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *Dispatcher) wrap(ctx context.Context, label string, err error) error {
	var ae *ir.ActionError
	if errors.As(err, &ae) {
		return err
	}
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	msg := "execution failed"
	if timeout {
		msg = "deadline exceeded"
	}
	return &ir.ActionError{Action: label, Message: msg, Timeout: timeout, Err: err}
}

func (d *Dispatcher) lookup(key string) (Result, bool) {
	if key == "" {
		return Result{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, ok := d.seen[key]
	return res, ok
}

func (d *Dispatcher) remember(key string, res Result) {
	if key == "" || d.window == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return
	}
	d.seen[key] = res
	d.order = append(d.order, key)
	for len(d.order) > d.window {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
}
