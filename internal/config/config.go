// Package config loads reckon's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/reckon/internal/action"
	"github.com/roach88/reckon/internal/datalog"
	"github.com/roach88/reckon/internal/engine"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/repo"
	"github.com/roach88/reckon/internal/scheduler"
	"github.com/roach88/reckon/internal/store/natskv"
)

// EnvVar names the environment variable that selects the config file
// when no --config flag is given.
const EnvVar = "RECKON_CONFIG"

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverNATS   = "nats"
)

// Evaluators.
const (
	EvaluatorMangle  = "mangle"
	EvaluatorProcess = "process"
)

// Config is the complete reckon configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Datalog   DatalogConfig   `yaml:"datalog"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Bundle    BundleConfig    `yaml:"bundle"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	// Driver is "sqlite" or "nats".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// NATSURL is the server URL for the nats driver.
	NATSURL string `yaml:"nats_url"`
	// BucketPrefix namespaces the JetStream KV buckets.
	BucketPrefix    string `yaml:"bucket_prefix"`
	ConflictRetries int    `yaml:"conflict_retries"`
}

// DatalogConfig configures the evaluation pipeline.
type DatalogConfig struct {
	// Evaluator is "mangle" (in-process) or "process".
	Evaluator string `yaml:"evaluator"`
	// Command runs the process evaluator. {program} and {output} are
	// replaced with file paths.
	Command       []string      `yaml:"command,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
	FactLimit     int           `yaml:"fact_limit"`
	MinConfidence float64       `yaml:"min_confidence"`
}

// EngineConfig configures the trigger engine.
type EngineConfig struct {
	Interval        time.Duration `yaml:"interval"`
	DegradedAfter   int           `yaml:"degraded_after"`
	MaxFireAttempts int           `yaml:"max_fire_attempts"`
	IsolateFailures bool          `yaml:"isolate_failures"`
	ActionTimeout   time.Duration `yaml:"action_timeout"`
}

// SchedulerConfig configures the job scheduler.
type SchedulerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Workers    int           `yaml:"workers"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Backoff    BackoffConfig `yaml:"backoff"`
	// DedupeWindow is how many executed idempotency keys are remembered.
	DedupeWindow int `yaml:"dedupe_window"`
}

// BackoffConfig is the default retry policy for jobs.
type BackoffConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Policy converts the config to an ir.BackoffPolicy.
func (b BackoffConfig) Policy() ir.BackoffPolicy {
	return ir.BackoffPolicy{
		Initial:     b.Initial,
		Max:         b.Max,
		Multiplier:  b.Multiplier,
		Jitter:      b.Jitter,
		MaxAttempts: b.MaxAttempts,
	}
}

// MetricsConfig configures the Prometheus endpoint. An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// BundleConfig points serve at a CUE bundle directory.
type BundleConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
	// Debounce delays a reload until edits settle.
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns a Config with the package defaults of every component.
func Default() *Config {
	b := ir.DefaultBackoff()
	return &Config{
		Store: StoreConfig{
			Driver:          DriverSQLite,
			Path:            "reckon.db",
			BucketPrefix:    natskv.DefaultBucketPrefix,
			ConflictRetries: repo.DefaultConflictRetries,
		},
		Datalog: DatalogConfig{
			Evaluator: EvaluatorMangle,
			Timeout:   datalog.DefaultTimeout,
			FactLimit: datalog.DefaultFactLimit,
		},
		Engine: EngineConfig{
			Interval:        engine.DefaultInterval,
			DegradedAfter:   engine.DefaultDegradedAfter,
			MaxFireAttempts: engine.DefaultMaxFireAttempts,
			IsolateFailures: true,
			ActionTimeout:   engine.DefaultActionTimeout,
		},
		Scheduler: SchedulerConfig{
			Interval:   scheduler.DefaultInterval,
			Workers:    scheduler.DefaultWorkers,
			JobTimeout: scheduler.DefaultJobTimeout,
			StaleAfter: scheduler.DefaultStaleAfter,
			Backoff: BackoffConfig{
				Initial:     b.Initial,
				Max:         b.Max,
				Multiplier:  b.Multiplier,
				Jitter:      b.Jitter,
				MaxAttempts: b.MaxAttempts,
			},
			DedupeWindow: action.DefaultDedupeWindow,
		},
		Bundle: BundleConfig{
			Debounce: 250 * time.Millisecond,
		},
	}
}

// Load reads path and overlays it on Default. An empty path falls back
// to $RECKON_CONFIG, and to the defaults alone when that is unset too.
// The result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	// A relative store path is relative to the config file.
	if cfg.Store.Path != "" && !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(filepath.Dir(path), cfg.Store.Path)
	}
	if cfg.Bundle.Dir != "" && !filepath.IsAbs(cfg.Bundle.Dir) {
		cfg.Bundle.Dir = filepath.Join(filepath.Dir(path), cfg.Bundle.Dir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Store.Driver {
	case DriverSQLite:
		check(c.Store.Path != "", "store.path is required for the sqlite driver")
	case DriverNATS:
		check(c.Store.NATSURL != "", "store.nats_url is required for the nats driver")
	default:
		check(false, "store.driver must be %q or %q, got %q", DriverSQLite, DriverNATS, c.Store.Driver)
	}
	check(c.Store.ConflictRetries >= 0, "store.conflict_retries must not be negative")

	switch c.Datalog.Evaluator {
	case EvaluatorMangle:
	case EvaluatorProcess:
		check(len(c.Datalog.Command) > 0, "datalog.command is required for the process evaluator")
	default:
		check(false, "datalog.evaluator must be %q or %q, got %q", EvaluatorMangle, EvaluatorProcess, c.Datalog.Evaluator)
	}
	check(c.Datalog.Timeout > 0, "datalog.timeout must be positive")
	check(c.Datalog.FactLimit > 0, "datalog.fact_limit must be positive")
	check(c.Datalog.MinConfidence >= 0 && c.Datalog.MinConfidence <= 1, "datalog.min_confidence must be within [0, 1]")

	check(c.Engine.Interval > 0, "engine.interval must be positive")
	check(c.Engine.DegradedAfter > 0, "engine.degraded_after must be positive")
	check(c.Engine.MaxFireAttempts > 0, "engine.max_fire_attempts must be positive")
	check(c.Engine.ActionTimeout > 0, "engine.action_timeout must be positive")

	check(c.Scheduler.Interval > 0, "scheduler.interval must be positive")
	check(c.Scheduler.Workers > 0, "scheduler.workers must be positive")
	check(c.Scheduler.JobTimeout > 0, "scheduler.job_timeout must be positive")
	check(c.Scheduler.StaleAfter > c.Scheduler.JobTimeout, "scheduler.stale_after must exceed scheduler.job_timeout")
	check(c.Scheduler.DedupeWindow >= 0, "scheduler.dedupe_window must not be negative")
	if err := (ir.JobSpec{
		Kind:    ir.Every(time.Minute, 0),
		Payload: ir.NewInvoke("noop", nil),
		Backoff: c.Scheduler.Backoff.Policy(),
	}).Validate(); err != nil {
		var se *ir.SchedulingError
		if errors.As(err, &se) {
			check(false, "scheduler.%s %s", se.Field, se.Message)
		} else {
			errs = append(errs, err)
		}
	}

	check(!c.Bundle.Watch || c.Bundle.Dir != "", "bundle.watch requires bundle.dir")
	check(c.Bundle.Debounce >= 0, "bundle.debounce must not be negative")
	return errors.Join(errs...)
}

// Save writes c as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
