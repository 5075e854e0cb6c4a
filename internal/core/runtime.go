// Package core assembles a reckon runtime from configuration.
//
// Runtime is built once at startup and owns every component. There are
// no package-level singletons: the store, evaluator and executor are
// constructed here and handed to the repository, registry, pipeline,
// engine and scheduler explicitly.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/reckon/internal/action"
	"github.com/roach88/reckon/internal/bundle"
	"github.com/roach88/reckon/internal/config"
	"github.com/roach88/reckon/internal/datalog"
	"github.com/roach88/reckon/internal/engine"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/metrics"
	"github.com/roach88/reckon/internal/repo"
	"github.com/roach88/reckon/internal/scheduler"
	"github.com/roach88/reckon/internal/schema"
	"github.com/roach88/reckon/internal/store"
	"github.com/roach88/reckon/internal/store/natskv"
)

// ClosableStore is a record store that owns a connection.
type ClosableStore interface {
	store.RecordStore
	Close() error
}

// Runtime holds the wired components.
type Runtime struct {
	Config     *config.Config
	Store      ClosableStore
	Repo       *repo.Repository
	Registry   *schema.Registry
	Pipeline   *datalog.Pipeline
	Dispatcher *action.Dispatcher
	Scheduler  *scheduler.Scheduler
	Engine     *engine.Engine
	Metrics    *metrics.Metrics

	logger *slog.Logger
}

type options struct {
	store     ClosableStore
	evaluator datalog.Evaluator
	clock     ir.Clock
	tokens    engine.TokenGenerator
	jobIDs    func() string
	handlers  map[string]action.Handler
	logger    *slog.Logger
}

// Option overrides a component that would otherwise come from config.
type Option func(*options)

// WithStore uses s instead of opening the configured store.
func WithStore(s ClosableStore) Option {
	return func(o *options) { o.store = s }
}

// WithEvaluator uses e instead of the configured evaluator.
func WithEvaluator(e datalog.Evaluator) Option {
	return func(o *options) { o.evaluator = e }
}

// WithClock sets the clock used for all persisted times.
func WithClock(c ir.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTokens sets the generator of fire decision tokens.
func WithTokens(g engine.TokenGenerator) Option {
	return func(o *options) { o.tokens = g }
}

// WithJobIDs sets how scheduled jobs are named.
func WithJobIDs(fn func() string) Option {
	return func(o *options) { o.jobIDs = fn }
}

// WithHandler registers an invoke handler on the dispatcher.
func WithHandler(name string, h action.Handler) Option {
	return func(o *options) { o.handlers[name] = h }
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open builds a runtime from cfg. The caller must Close it.
func Open(cfg *config.Config, opts ...Option) (*Runtime, error) {
	o := options{handlers: map[string]action.Handler{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	rs := o.store
	if rs == nil {
		var err error
		if rs, err = OpenStore(cfg.Store, logger); err != nil {
			return nil, err
		}
	}

	eval := o.evaluator
	if eval == nil {
		eval = NewEvaluator(cfg.Datalog, logger)
	}

	m := metrics.New()

	repoOpts := []repo.Option{repo.WithConflictRetries(cfg.Store.ConflictRetries), repo.WithLogger(logger)}
	if o.clock != nil {
		repoOpts = append(repoOpts, repo.WithClock(o.clock))
	}
	r := repo.New(rs, repoOpts...)
	registry := schema.New(r, schema.WithLogger(logger))

	pipeline := datalog.NewPipeline(eval,
		datalog.WithTimeout(cfg.Datalog.Timeout),
		datalog.WithMinConfidence(cfg.Datalog.MinConfidence),
		datalog.WithObserver(m),
		datalog.WithLogger(logger),
	)

	dispatchOpts := []action.Option{
		action.WithFacts(registry),
		action.WithDedupeWindow(cfg.Scheduler.DedupeWindow),
		action.WithLogger(logger),
	}
	for name, h := range o.handlers {
		dispatchOpts = append(dispatchOpts, action.WithHandler(name, h))
	}
	dispatcher := action.NewDispatcher(dispatchOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithWorkers(cfg.Scheduler.Workers),
		scheduler.WithInterval(cfg.Scheduler.Interval),
		scheduler.WithJobTimeout(cfg.Scheduler.JobTimeout),
		scheduler.WithStaleAfter(cfg.Scheduler.StaleAfter),
		scheduler.WithDefaultBackoff(cfg.Scheduler.Backoff.Policy()),
		scheduler.WithObserver(m),
		scheduler.WithLogger(logger),
	}
	if o.jobIDs != nil {
		schedOpts = append(schedOpts, scheduler.WithIDGenerator(o.jobIDs))
	}
	sched := scheduler.New(r, dispatcher, schedOpts...)
	dispatcher.SetScheduler(sched)

	engOpts := []engine.Option{
		engine.WithInterval(cfg.Engine.Interval),
		engine.WithDegradedAfter(cfg.Engine.DegradedAfter),
		engine.WithMaxFireAttempts(cfg.Engine.MaxFireAttempts),
		engine.WithIsolation(cfg.Engine.IsolateFailures),
		engine.WithActionTimeout(cfg.Engine.ActionTimeout),
		engine.WithObserver(m),
		engine.WithLogger(logger),
	}
	if o.tokens != nil {
		engOpts = append(engOpts, engine.WithTokens(o.tokens))
	}

	return &Runtime{
		Config:     cfg,
		Store:      rs,
		Repo:       r,
		Registry:   registry,
		Pipeline:   pipeline,
		Dispatcher: dispatcher,
		Scheduler:  sched,
		Engine:     engine.New(r, pipeline, dispatcher, engOpts...),
		Metrics:    m,
		logger:     logger,
	}, nil
}

// OpenStore opens the configured record store.
func OpenStore(cfg config.StoreConfig, logger *slog.Logger) (ClosableStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		s, err := store.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.Path, err)
		}
		return s, nil
	case config.DriverNATS:
		s, err := natskv.Connect(cfg.NATSURL, natskv.WithBucketPrefix(cfg.BucketPrefix), natskv.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("connect nats store %s: %w", cfg.NATSURL, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// NewEvaluator returns the configured evaluator.
func NewEvaluator(cfg config.DatalogConfig, logger *slog.Logger) datalog.Evaluator {
	if cfg.Evaluator == config.EvaluatorProcess {
		return datalog.NewProcessEvaluator(cfg.Command, logger)
	}
	return datalog.NewMangleEvaluator(cfg.FactLimit)
}

// Close releases the store.
func (rt *Runtime) Close() error {
	return rt.Store.Close()
}

// RecoveryReport lists what Recover repaired.
type RecoveryReport struct {
	Jobs    []string        `json:"jobs,omitempty"`
	Firings []engine.Firing `json:"firings,omitempty"`
}

// Recover returns stale Running jobs to Pending and replays fire
// decisions left Pending by a crash. Serve calls it before the loops start.
func (rt *Runtime) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	var err error
	if report.Jobs, err = rt.Scheduler.Recover(ctx); err != nil {
		return report, fmt.Errorf("recover jobs: %w", err)
	}
	if report.Firings, err = rt.Engine.Recover(ctx); err != nil {
		return report, fmt.Errorf("recover firings: %w", err)
	}
	if len(report.Jobs) > 0 || len(report.Firings) > 0 {
		rt.logger.Warn("recovered after restart", "jobs", len(report.Jobs), "firings", len(report.Firings))
	}
	return report, nil
}

// Serve recovers, applies the configured bundle, then runs the trigger
// loop and the scheduler loop until ctx is cancelled. The metrics
// endpoint and the bundle watcher run alongside when configured. The
// first loop to fail cancels the others.
func (rt *Runtime) Serve(ctx context.Context) error {
	if _, err := rt.Recover(ctx); err != nil {
		return err
	}
	cfg := rt.Config
	if cfg.Bundle.Dir != "" {
		b, errs := bundle.Load(cfg.Bundle.Dir, bundle.CollectAll)
		if len(errs) > 0 {
			return fmt.Errorf("load bundle %s: %w", cfg.Bundle.Dir, errors.Join(errs...))
		}
		if _, err := rt.ApplyBundle(ctx, b); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return quiet(rt.Engine.Run(gctx)) })
	g.Go(func() error { return quiet(rt.Scheduler.Run(gctx)) })
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return quiet(rt.Metrics.Serve(gctx, cfg.Metrics.Listen, rt.logger)) })
	}
	if cfg.Bundle.Dir != "" && cfg.Bundle.Watch {
		w := bundle.NewWatcher(cfg.Bundle.Dir, func(ctx context.Context, b *bundle.Bundle) error {
			_, err := rt.ApplyBundle(ctx, b)
			return err
		}, bundle.WithDebounce(cfg.Bundle.Debounce), bundle.WithLogger(rt.logger))
		g.Go(func() error { return quiet(w.Run(gctx)) })
	}

	rt.logger.Info("reckon serving",
		"engine_interval", cfg.Engine.Interval,
		"scheduler_interval", cfg.Scheduler.Interval,
		"workers", cfg.Scheduler.Workers,
	)
	err := g.Wait()
	rt.logger.Info("reckon stopped")
	return err
}

// quiet treats cancellation as a clean stop.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
