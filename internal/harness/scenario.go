package harness

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/reckon/internal/ir"
)

// Scenario is a scripted run against a fresh runtime.
// Steps execute in order on a fixed clock with sequential tokens, so the
// same scenario always produces the same trace.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Bundles lists CUE bundle directories applied before the first step.
	// Relative paths resolve against the scenario file.
	Bundles []string `yaml:"bundles,omitempty"`

	// Handlers registers recording invoke handlers by name.
	Handlers map[string]HandlerSpec `yaml:"handlers,omitempty"`

	Steps []Step `yaml:"steps"`
}

// HandlerSpec configures a recording handler.
type HandlerSpec struct {
	// Fail makes the first Fail calls return an error.
	Fail int `yaml:"fail,omitempty"`
	// Output is returned on success.
	Output string `yaml:"output,omitempty"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	Assert       *FactStep     `yaml:"assert,omitempty"`
	Retract      *FactStep     `yaml:"retract,omitempty"`
	Tick         int           `yaml:"tick,omitempty"`
	Advance      time.Duration `yaml:"advance,omitempty"`
	RunScheduler bool          `yaml:"run_scheduler,omitempty"`
	Expect       *Expect       `yaml:"expect,omitempty"`
}

// Step kinds, as recorded in the trace.
const (
	StepAssert       = "assert"
	StepRetract      = "retract"
	StepTick         = "tick"
	StepAdvance      = "advance"
	StepRunScheduler = "run_scheduler"
	StepExpect       = "expect"
)

// Kind reports which field of the step is set, or "" when none or
// several are.
func (s Step) Kind() string {
	var kinds []string
	if s.Assert != nil {
		kinds = append(kinds, StepAssert)
	}
	if s.Retract != nil {
		kinds = append(kinds, StepRetract)
	}
	if s.Tick > 0 {
		kinds = append(kinds, StepTick)
	}
	if s.Advance > 0 {
		kinds = append(kinds, StepAdvance)
	}
	if s.RunScheduler {
		kinds = append(kinds, StepRunScheduler)
	}
	if s.Expect != nil {
		kinds = append(kinds, StepExpect)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// FactStep names a fact by predicate and text arguments. Arguments are
// typed by the predicate's declaration, as on the command line.
type FactStep struct {
	Predicate  string   `yaml:"predicate"`
	Args       []string `yaml:"args"`
	Confidence float64  `yaml:"confidence,omitempty"`
}

func (f FactStep) String() string {
	return f.Predicate + "(" + strings.Join(f.Args, ", ") + ")"
}

// Expect checks the runtime after the preceding steps. Every field is
// optional; only the fields given are checked.
type Expect struct {
	// Fired is the exact set of triggers fired by the last tick step.
	Fired []string `yaml:"fired,omitempty"`
	// NoFires asserts that the last tick fired nothing.
	NoFires bool `yaml:"no_fires,omitempty"`
	// Invocations maps handler names to their total call count so far.
	Invocations map[string]int `yaml:"invocations,omitempty"`
	// Jobs maps job ids to their status.
	Jobs map[string]ir.JobStatus `yaml:"jobs,omitempty"`
	// Triggers maps trigger names to their status.
	Triggers map[string]ir.TriggerStatus `yaml:"triggers,omitempty"`
	// Facts maps predicates to their stored fact count.
	Facts map[string]int `yaml:"facts,omitempty"`
}

// LoadScenario reads a scenario file. Unknown fields are rejected so
// typos fail loudly. Bundle paths are resolved against the file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i, b := range s.Bundles {
		if !filepath.IsAbs(b) {
			s.Bundles[i] = filepath.Join(base, b)
		}
	}
	for _, b := range s.Bundles {
		if _, err := os.Stat(b); err != nil {
			return nil, fmt.Errorf("%s: bundle %s: %w", path, b, err)
		}
	}
	return s, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		switch step.Kind() {
		case "":
			return fmt.Errorf("steps[%d]: exactly one of assert, retract, tick, advance, run_scheduler, expect is required", i)
		case StepAssert, StepRetract:
			f := step.Assert
			if f == nil {
				f = step.Retract
			}
			if f.Predicate == "" {
				return fmt.Errorf("steps[%d]: predicate is required", i)
			}
			if f.Confidence < 0 || f.Confidence > 1 {
				return fmt.Errorf("steps[%d]: confidence must be within [0,1]", i)
			}
		}
	}
	return nil
}

// FindScenarios returns the .yaml and .yml files under dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}
