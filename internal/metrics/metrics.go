// Package metrics exports pipeline, engine and scheduler measurements to
// Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/reckon/internal/datalog"
	"github.com/roach88/reckon/internal/engine"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/scheduler"
)

const namespace = "reckon"

// Metrics implements the observer interfaces of the datalog pipeline,
// the trigger engine and the scheduler.
type Metrics struct {
	registry *prometheus.Registry

	evaluations *prometheus.CounterVec
	evalSeconds prometheus.Histogram
	ticks       prometheus.Counter
	tickSeconds prometheus.Histogram
	triggers    prometheus.Gauge
	fires       *prometheus.CounterVec
	failures    *prometheus.CounterVec
	degraded    prometheus.Counter
	jobs        *prometheus.CounterVec
	jobSeconds  *prometheus.HistogramVec
}

var (
	_ datalog.Observer   = (*Metrics)(nil)
	_ engine.Observer    = (*Metrics)(nil)
	_ scheduler.Observer = (*Metrics)(nil)
)

// New registers reckon's collectors on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datalog", Name: "evaluations_total",
			Help: "Datalog evaluations by result.",
		}, []string{"result"}),
		evalSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "datalog", Name: "evaluation_seconds",
			Help:    "Time spent in one evaluation, including the wait for the slot.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "ticks_total",
			Help: "Trigger engine ticks.",
		}),
		tickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "tick_seconds",
			Help:    "Duration of one trigger engine tick.",
			Buckets: prometheus.DefBuckets,
		}),
		triggers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "triggers",
			Help: "Enabled triggers evaluated by the last tick.",
		}),
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "fires_total",
			Help: "Trigger action invocations by result.",
		}, []string{"result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "trigger_failures_total",
			Help: "Trigger evaluation failures by stage.",
		}, []string{"stage"}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "trigger_degradations_total",
			Help: "Failures that left a trigger Degraded.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "job_runs_total",
			Help: "Job runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		jobSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "job_run_seconds",
			Help:    "Duration of one job run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.evaluations, m.evalSeconds,
		m.ticks, m.tickSeconds, m.triggers, m.fires, m.failures, m.degraded,
		m.jobs, m.jobSeconds,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveEvaluation implements datalog.Observer.
func (m *Metrics) ObserveEvaluation(elapsed time.Duration, err error) {
	m.evaluations.WithLabelValues(evalResult(err)).Inc()
	m.evalSeconds.Observe(elapsed.Seconds())
}

func evalResult(err error) string {
	if err == nil {
		return "ok"
	}
	var ee *ir.EvaluationError
	if errors.As(err, &ee) {
		return string(ee.Kind)
	}
	if ir.IsCompilationError(err) {
		return "compile"
	}
	return "error"
}

// ObserveTick implements engine.Observer.
func (m *Metrics) ObserveTick(elapsed time.Duration, triggers int) {
	m.ticks.Inc()
	m.tickSeconds.Observe(elapsed.Seconds())
	m.triggers.Set(float64(triggers))
}

// ObserveFire implements engine.Observer.
func (m *Metrics) ObserveFire(_ string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fires.WithLabelValues(result).Inc()
}

// ObserveTriggerFailure implements engine.Observer.
func (m *Metrics) ObserveTriggerFailure(_ string, stage engine.FailureStage, degraded bool) {
	m.failures.WithLabelValues(string(stage)).Inc()
	if degraded {
		m.degraded.Inc()
	}
}

// ObserveJob implements scheduler.Observer.
func (m *Metrics) ObserveJob(kind ir.JobKindType, outcome string, elapsed time.Duration) {
	m.jobs.WithLabelValues(string(kind), outcome).Inc()
	m.jobSeconds.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("metrics listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errc
	return ctx.Err()
}
