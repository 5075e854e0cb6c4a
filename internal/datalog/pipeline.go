package datalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/reckon/internal/ir"
)

// DefaultTimeout bounds one evaluation.
const DefaultTimeout = 30 * time.Second

// Observer receives the outcome of every evaluation.
type Observer interface {
	ObserveEvaluation(elapsed time.Duration, err error)
}

// Pipeline owns the evaluator slot. At most one evaluation runs at a time;
// other callers queue on the slot.
type Pipeline struct {
	eval          Evaluator
	slot          *semaphore.Weighted
	timeout       time.Duration
	minConfidence float64
	observer      Observer
	logger        *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithTimeout sets the hard per-evaluation timeout.
func WithTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMinConfidence drops facts below c at compile time.
func WithMinConfidence(c float64) PipelineOption {
	return func(p *Pipeline) { p.minConfidence = c }
}

// WithObserver reports evaluation outcomes to o.
func WithObserver(o Observer) PipelineOption {
	return func(p *Pipeline) { p.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline around eval.
func NewPipeline(eval Evaluator, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		eval:    eval,
		slot:    semaphore.NewWeighted(1),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type outcome struct {
	res Result
	err error
}

// Execute runs prog on the evaluator under the pipeline timeout.
//
// A run that outlives its timeout is reported as EvaluationError{Timeout}
// immediately, but keeps the slot until the evaluator actually returns.
// Evaluators that cannot be interrupted therefore never overlap.
func (p *Pipeline) Execute(ctx context.Context, prog Program) (Result, error) {
	if err := p.slot.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for evaluator slot: %w", err)
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	done := make(chan outcome, 1)
	go func() {
		defer p.slot.Release(1)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ir.EvaluationError{Kind: ir.EvalFailed, Message: fmt.Sprintf("evaluator panic: %v", r)}}
			}
		}()
		res, err := p.eval.Evaluate(runCtx, prog)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		// Prefer a result that raced the deadline.
		select {
		case out = <-done:
		default:
			out.err = &ir.EvaluationError{
				Kind:    ir.EvalTimeout,
				Message: fmt.Sprintf("evaluation exceeded %s", p.timeout),
				Err:     runCtx.Err(),
			}
		}
	}

	if out.err != nil && !ir.IsEvaluationError(out.err) {
		kind := ir.EvalFailed
		if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled) {
			kind = ir.EvalTimeout
		}
		out.err = &ir.EvaluationError{Kind: kind, Message: "evaluator error", Err: out.err}
	}

	elapsed := time.Since(start)
	if p.observer != nil {
		p.observer.ObserveEvaluation(elapsed, out.err)
	}
	if out.err != nil {
		p.logger.Warn("evaluation failed", "program", shortHash(prog.Hash), "elapsed", elapsed, "error", out.err)
		return nil, out.err
	}
	out.res.Sort()
	p.logger.Debug("evaluation complete", "program", shortHash(prog.Hash), "elapsed", elapsed, "relations", len(out.res))
	return out.res, nil
}

// Compile compiles in with the pipeline's confidence floor applied when
// in does not set its own.
func (p *Pipeline) Compile(in Input) (Program, error) {
	if in.MinConfidence == 0 {
		in.MinConfidence = p.minConfidence
	}
	return Compile(in)
}

// Evaluate compiles in and executes the program.
func (p *Pipeline) Evaluate(ctx context.Context, in Input) (Program, Result, error) {
	prog, err := p.Compile(in)
	if err != nil {
		return Program{}, nil, err
	}
	res, err := p.Execute(ctx, prog)
	if err != nil {
		return prog, nil, err
	}
	return prog, res, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
