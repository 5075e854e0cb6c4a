package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/reckon/internal/harness"
)

// scenarioRun is the outcome of one scenario file.
type scenarioRun struct {
	File   string               `json:"file"`
	Name   string               `json:"name"`
	Pass   bool                 `json:"pass"`
	Errors []string             `json:"errors,omitempty"`
	Trace  []harness.TraceEvent `json:"trace,omitempty"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	var showTrace bool

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>",
		Short: "Run scenario files against an in-memory runtime",
		Long: `Run YAML scenarios. Each scenario applies its bundles to a fresh
in-memory runtime with a fake clock, then asserts, retracts, ticks,
advances time and checks expectations step by step.

Exits 1 when any expectation fails.

Example:
  reckon scenario ./scenarios
  reckon scenario ./scenarios/likes.yaml --trace`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			files, err := scenarioFiles(args[0])
			if err != nil {
				return out.Fail(err)
			}

			var runs []scenarioRun
			failed := 0
			for _, file := range files {
				s, err := harness.LoadScenario(file)
				if err != nil {
					return out.Fail(fmt.Errorf("%s: %w", file, err))
				}
				out.VerboseLog("running %s (%d steps)", s.Name, len(s.Steps))
				res, err := harness.Run(cmd.Context(), s, harness.WithLogger(rootOpts.logger(cmd)))
				if err != nil {
					return out.Fail(fmt.Errorf("%s: %w", file, err))
				}
				run := scenarioRun{File: file, Name: s.Name, Pass: res.Pass, Errors: res.Errors}
				if showTrace {
					run.Trace = res.Trace
				}
				if !res.Pass {
					failed++
				}
				runs = append(runs, run)
			}

			if err := out.Success(runs, func(w io.Writer) { renderScenarios(w, runs) }); err != nil {
				return err
			}
			if failed > 0 {
				e := NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", failed, len(runs)))
				e.Reported = true
				return e
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showTrace, "trace", false, "include the event trace")
	return cmd
}

func scenarioFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	files, err := harness.FindScenarios(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, usagef("no scenario files in %s", path)
	}
	return files, nil
}

func renderScenarios(w io.Writer, runs []scenarioRun) {
	passed := 0
	for _, r := range runs {
		if r.Pass {
			passed++
			fmt.Fprintf(w, "%s %s\n", statusText("pass"), r.Name)
		} else {
			fmt.Fprintf(w, "%s %s\n", statusText("fail"), r.Name)
		}
		for _, e := range r.Errors {
			fmt.Fprintf(w, "    %s\n", e)
		}
		for _, ev := range r.Trace {
			fmt.Fprintf(w, "    %s\n", mutedColor.Sprintf("%d %-12s %s %s", ev.Step, ev.Kind, ev.Subject, ev.Detail))
		}
	}
	fmt.Fprintf(w, "%d passed, %d failed\n", passed, len(runs)-passed)
}
