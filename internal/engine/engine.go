package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/reckon/internal/action"
	"github.com/roach88/reckon/internal/datalog"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/repo"
)

const (
	// DefaultInterval is the time between ticks in Run.
	DefaultInterval = 5 * time.Second

	// DefaultDegradedAfter is how many consecutive failures mark a
	// trigger Degraded.
	DefaultDegradedAfter = 3

	// DefaultMaxFireAttempts bounds how often a pending decision's action
	// is invoked before the decision is marked Failed.
	DefaultMaxFireAttempts = 5

	// DefaultActionTimeout bounds one action invocation.
	DefaultActionTimeout = 30 * time.Second
)

// Observer receives engine measurements.
type Observer interface {
	ObserveTick(elapsed time.Duration, triggers int)
	ObserveFire(trigger string, err error)
	ObserveTriggerFailure(trigger string, stage FailureStage, degraded bool)
}

// Engine evaluates trigger conditions and fires actions on rising edges.
//
// Thread-safety model:
//   - Tick(): serialized by an internal mutex; Run and manual ticks may
//     share one Engine
//   - TestTrigger(), Query(): safe from any goroutine, persist nothing
type Engine struct {
	repo     *repo.Repository
	pipeline *datalog.Pipeline
	exec     action.Executor
	tokens   TokenGenerator
	clock    *Clock
	logger   *slog.Logger
	observer Observer

	interval        time.Duration
	degradedAfter   int
	maxFireAttempts int
	isolate         bool
	actionTimeout   time.Duration

	tickMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterval sets the tick interval used by Run.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithDegradedAfter sets the consecutive failure count that marks a
// trigger Degraded.
func WithDegradedAfter(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.degradedAfter = n
		}
	}
}

// WithMaxFireAttempts bounds action attempts per fire decision.
func WithMaxFireAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxFireAttempts = n
		}
	}
}

// WithIsolation controls whether a failed batched evaluation is retried
// one condition at a time.
func WithIsolation(on bool) Option {
	return func(e *Engine) { e.isolate = on }
}

// WithActionTimeout bounds each action invocation.
func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.actionTimeout = d }
}

// WithTokens sets the firing token generator.
func WithTokens(g TokenGenerator) Option {
	return func(e *Engine) { e.tokens = g }
}

// WithObserver reports ticks, fires and failures to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine. Wall-clock readings come from the repository's
// clock so that snapshots and persisted timestamps agree.
func New(r *repo.Repository, p *datalog.Pipeline, exec action.Executor, opts ...Option) *Engine {
	e := &Engine{
		repo:            r,
		pipeline:        p,
		exec:            exec,
		tokens:          UUIDv7Generator{},
		clock:           NewClock(),
		logger:          slog.Default(),
		interval:        DefaultInterval,
		degradedAfter:   DefaultDegradedAfter,
		maxFireAttempts: DefaultMaxFireAttempts,
		isolate:         true,
		actionTimeout:   DefaultActionTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Firing describes one action invocation made for a fire decision.
type Firing struct {
	Trigger string `json:"trigger"`
	Token   string `json:"token"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TickReport summarizes one tick.
type TickReport struct {
	Seq       int64           `json:"seq"`
	At        time.Time       `json:"at"`
	Evaluated int             `json:"evaluated"`
	Retried   []Firing        `json:"retried,omitempty"`
	Fired     []Firing        `json:"fired,omitempty"`
	Rearmed   []string        `json:"rearmed,omitempty"`
	Failures  []*TriggerError `json:"-"`
}

// Failed returns the names of triggers that failed this tick.
func (r TickReport) Failed() []string {
	names := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		names = append(names, f.Trigger)
	}
	return names
}

// Tick runs one evaluation round.
//
// Pending decisions from earlier ticks are retried first. Then every
// enabled trigger is evaluated against one snapshot, rising edges fire
// and falling edges re-arm. Per-trigger failures are recorded on the
// trigger and in the report; only store and context errors abort the tick.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	start := time.Now()
	report := TickReport{Seq: e.clock.Next()}

	retried, err := e.retryPending(ctx)
	report.Retried = retried
	if err != nil {
		return report, err
	}

	snap, err := e.repo.LoadSnapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("load snapshot: %w", err)
	}
	report.At = snap.At

	triggers, err := e.enabledTriggers(ctx)
	if err != nil {
		return report, err
	}
	report.Evaluated = len(triggers)

	outcomes, err := e.evaluate(ctx, snap, triggers)
	if err != nil {
		return report, err
	}

	for _, t := range triggers {
		o := outcomes[t.Name]
		if o.err != nil {
			report.Failures = append(report.Failures, o.err)
			if err := e.recordFailure(ctx, t, o.err, snap.At); err != nil {
				return report, err
			}
			continue
		}
		switch {
		case o.current && !t.LastBoolean:
			f, err := e.fire(ctx, t, snap.At, report.Seq)
			if err != nil {
				return report, err
			}
			report.Fired = append(report.Fired, f)
		case !o.current && t.LastBoolean:
			if err := e.recordSuccess(ctx, t, false, snap.At); err != nil {
				return report, err
			}
			report.Rearmed = append(report.Rearmed, t.Name)
			e.logger.Info("trigger re-armed", "trigger", t.Name)
		default:
			if err := e.recordSuccess(ctx, t, t.LastBoolean, snap.At); err != nil {
				return report, err
			}
		}
	}

	elapsed := time.Since(start)
	if e.observer != nil {
		e.observer.ObserveTick(elapsed, len(triggers))
	}
	e.logger.Debug("tick complete",
		"seq", report.Seq,
		"triggers", report.Evaluated,
		"fired", len(report.Fired),
		"failed", len(report.Failures),
		"elapsed", elapsed,
	)
	return report, nil
}

// Run ticks every interval until ctx is cancelled. The first tick runs
// immediately. Tick errors are logged and the loop continues.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("trigger engine starting", "interval", e.interval)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			e.logger.Info("trigger engine stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) enabledTriggers(ctx context.Context) ([]ir.Trigger, error) {
	all, err := e.repo.ListTriggers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	enabled := slices.DeleteFunc(all, func(t ir.Trigger) bool { return !t.Enabled })
	slices.SortFunc(enabled, func(a, b ir.Trigger) int { return strings.Compare(a.Name, b.Name) })
	return enabled, nil
}

// recordSuccess persists edge state after a successful evaluation and
// clears failure accounting.
func (e *Engine) recordSuccess(ctx context.Context, t ir.Trigger, current bool, at time.Time) error {
	_, err := e.repo.UpdateTrigger(ctx, t.Name, func(cur *ir.Trigger) error {
		cur.LastBoolean = current
		cur.LastEvaluatedAt = at
		cur.ConsecutiveFailures = 0
		cur.Status = ir.TriggerActive
		cur.LastError = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist trigger %s: %w", t.Name, err)
	}
	if t.Status == ir.TriggerDegraded {
		e.logger.Info("trigger recovered", "trigger", t.Name)
	}
	return nil
}

// recordFailure counts a failure. Edge state is left untouched so that a
// transient failure neither fires nor re-arms the trigger.
func (e *Engine) recordFailure(ctx context.Context, t ir.Trigger, te *TriggerError, at time.Time) error {
	updated, err := e.repo.UpdateTrigger(ctx, t.Name, func(cur *ir.Trigger) error {
		cur.ConsecutiveFailures++
		cur.LastError = te.Error()
		cur.LastEvaluatedAt = at
		if cur.ConsecutiveFailures >= e.degradedAfter {
			cur.Status = ir.TriggerDegraded
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist trigger %s: %w", t.Name, err)
	}

	degraded := updated.Status == ir.TriggerDegraded
	e.logger.Warn("trigger evaluation failed",
		"trigger", t.Name,
		"stage", te.Stage,
		"failures", updated.ConsecutiveFailures,
		"error", te.Err,
	)
	if degraded && t.Status != ir.TriggerDegraded {
		e.logger.Error("trigger degraded", "trigger", t.Name, "failures", updated.ConsecutiveFailures)
	}
	if e.observer != nil {
		e.observer.ObserveTriggerFailure(t.Name, te.Stage, degraded)
	}
	return nil
}
