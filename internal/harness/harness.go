package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/reckon/internal/action"
	"github.com/roach88/reckon/internal/bundle"
	"github.com/roach88/reckon/internal/config"
	"github.com/roach88/reckon/internal/core"
	"github.com/roach88/reckon/internal/engine"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/store"
	"github.com/roach88/reckon/internal/testutil"
)

// Harness executes one scenario.
type Harness struct {
	rt     *core.Runtime
	clock  *testutil.FakeClock
	logger *slog.Logger

	mu       sync.Mutex
	result   *Result
	step     int
	calls    map[string]int
	lastTick *engine.TickReport
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sends runtime logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes s and returns its trace. An error means the scenario
// could not run; failed expectations are reported in the result.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		clock:  testutil.NewFakeClock(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		result: NewResult(),
		calls:  map[string]int{},
	}
	for _, opt := range opts {
		opt(h)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	cfg := config.Default()
	cfg.Scheduler.Workers = 1
	coreOpts := []core.Option{
		core.WithStore(st),
		core.WithClock(h.clock),
		core.WithTokens(testutil.NewSequenceGenerator("fire")),
		core.WithJobIDs(testutil.NewSequenceGenerator("job").Generate),
		core.WithLogger(h.logger),
	}
	names := make([]string, 0, len(s.Handlers))
	for name := range s.Handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		coreOpts = append(coreOpts, core.WithHandler(name, h.handler(name, s.Handlers[name])))
	}
	rt, err := core.Open(cfg, coreOpts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	defer rt.Close()
	h.rt = rt

	for _, dir := range s.Bundles {
		b, errs := bundle.Load(dir, bundle.FailFast)
		if len(errs) > 0 {
			return nil, fmt.Errorf("load bundle %s: %w", dir, errors.Join(errs...))
		}
		if _, err := rt.ApplyBundle(ctx, b); err != nil {
			return nil, fmt.Errorf("apply bundle %s: %w", dir, err)
		}
	}

	for i, step := range s.Steps {
		h.mu.Lock()
		h.step = i
		h.mu.Unlock()
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Kind(), err)
		}
	}
	return h.result, nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch step.Kind() {
	case StepAssert:
		f, err := h.fact(ctx, *step.Assert)
		if err != nil {
			return err
		}
		stored, created, err := h.rt.Registry.Assert(ctx, f)
		if err != nil {
			return err
		}
		detail := "created"
		if !created {
			detail = "updated"
		}
		h.record(StepAssert, stored.String(), detail)

	case StepRetract:
		f, err := h.fact(ctx, *step.Retract)
		if err != nil {
			return err
		}
		removed, err := h.rt.Registry.Retract(ctx, ir.FactRef{Predicate: f.Predicate, Args: f.Args})
		if err != nil {
			return err
		}
		detail := "removed"
		if !removed {
			detail = "absent"
		}
		h.record(StepRetract, f.String(), detail)

	case StepTick:
		for range step.Tick {
			report, err := h.rt.Engine.Tick(ctx)
			if err != nil {
				return err
			}
			h.lastTick = &report
			h.record(StepTick, fmt.Sprintf("%d", report.Seq), fmt.Sprintf("fired=%d", len(report.Fired)))
			for _, f := range append(report.Retried, report.Fired...) {
				if f.Error != "" {
					h.record(EventFail, f.Trigger, f.Error)
					continue
				}
				h.record(EventFire, f.Trigger, f.Token+" "+f.Result)
			}
		}

	case StepAdvance:
		h.clock.Advance(step.Advance)
		h.record(StepAdvance, step.Advance.String(), "")

	case StepRunScheduler:
		report, err := h.rt.Scheduler.Tick(ctx)
		if err != nil {
			return err
		}
		h.rt.Scheduler.Wait()
		h.record(StepRunScheduler, "", fmt.Sprintf("due=%d started=%d", report.Due, len(report.Started)))
		for _, id := range report.Started {
			j, err := h.rt.Scheduler.Get(ctx, id)
			if err != nil {
				return err
			}
			h.record(EventJob, id, jobDetail(j))
		}

	case StepExpect:
		for _, msg := range h.check(ctx, *step.Expect) {
			h.mu.Lock()
			h.result.AddError(fmt.Sprintf("step %d: %s", h.step, msg))
			h.mu.Unlock()
		}
	}
	return nil
}

func (h *Harness) fact(ctx context.Context, fs FactStep) (ir.Fact, error) {
	f, err := h.rt.ParseFact(ctx, fs.Predicate, fs.Args)
	if err != nil {
		return ir.Fact{}, err
	}
	if fs.Confidence > 0 {
		f.Confidence = fs.Confidence
	}
	return f, nil
}

// handler returns a recording invoke handler.
func (h *Harness) handler(name string, spec HandlerSpec) action.Handler {
	return func(_ context.Context, args map[string]ir.Value) (string, error) {
		h.mu.Lock()
		h.calls[name]++
		n := h.calls[name]
		h.mu.Unlock()

		detail := formatArgs(args)
		if n <= spec.Fail {
			h.record(EventInvoke, name, detail+" -> error")
			return "", fmt.Errorf("%s: scripted failure %d of %d", name, n, spec.Fail)
		}
		h.record(EventInvoke, name, detail)
		out := spec.Output
		if out == "" {
			out = "ok"
		}
		return out, nil
	}
}

func (h *Harness) record(kind, subject, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.add(TraceEvent{
		Step:    h.step,
		Kind:    kind,
		Subject: subject,
		Detail:  detail,
		At:      h.clock.Now().UTC().Format(time.RFC3339),
	})
}

func jobDetail(j ir.Job) string {
	d := fmt.Sprintf("%s attempts=%d runs=%d", j.Status, j.Attempts, j.RunCount)
	if j.Status == ir.JobPending {
		d += " next=" + j.NextRunAt.UTC().Format(time.RFC3339)
	}
	return d
}

func formatArgs(args map[string]ir.Value) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + ir.Display(args[k])
	}
	return strings.Join(parts, " ")
}
