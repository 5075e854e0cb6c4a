package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/reckon/internal/bundle"
	"github.com/roach88/reckon/internal/core"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	DryRun     bool
	CollectAll bool
}

// bundleProblem is one load error in JSON output.
type bundleProblem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <bundle-dir>",
		Short: "Apply a CUE bundle of declarations, rules, triggers and facts",
		Long: `Load the CUE bundle in a directory and apply it. Entries are created
or updated by name; stored entries missing from the bundle are kept.
A bundle whose rules or triggers would not compile changes nothing.

With --dry-run the bundle is only loaded and checked. With
--collect-all every broken entry is reported instead of the first.

Example:
  reckon load ./knowledge
  reckon load ./knowledge --dry-run --collect-all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "load and check without applying")
	cmd.Flags().BoolVar(&opts.CollectAll, "collect-all", false, "report every broken entry")

	return cmd
}

func runLoad(opts *LoadOptions, dir string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	mode := bundle.FailFast
	if opts.CollectAll {
		mode = bundle.CollectAll
	}

	b, errs := bundle.Load(dir, mode)
	if len(errs) > 0 {
		return reportLoadErrors(out, errs)
	}
	out.VerboseLog("loaded %d CUE file(s) from %s", b.Files, dir)

	if opts.DryRun {
		report := core.ApplyReport{
			Declarations: len(b.Declarations),
			Rules:        len(b.Rules),
			Triggers:     len(b.Triggers),
			Facts:        len(b.Facts),
		}
		return out.Success(map[string]any{"dry_run": true, "bundle": report}, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s\n", okColor.Sprint("valid"), dir)
			renderApply(w, report)
		})
	}

	return opts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
		report, err := rt.ApplyBundle(cmd.Context(), b)
		if err != nil {
			return err
		}
		return out.Success(report, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s\n", okColor.Sprint("applied"), dir)
			renderApply(w, report)
		})
	})
}

func renderApply(w io.Writer, r core.ApplyReport) {
	fmt.Fprintf(w, "  declarations: %d\n  rules:        %d\n  triggers:     %d\n  facts:        %d\n",
		r.Declarations, r.Rules, r.Triggers, r.Facts)
}

func reportLoadErrors(out *OutputFormatter, errs []error) error {
	problems := make([]bundleProblem, 0, len(errs))
	for _, err := range errs {
		var le *bundle.LoadError
		if errors.As(err, &le) {
			p := bundleProblem{Code: le.Code, Message: le.Message}
			if le.Pos.IsValid() {
				p.File = le.Pos.Filename()
				p.Line = le.Pos.Line()
			}
			problems = append(problems, p)
			continue
		}
		problems = append(problems, bundleProblem{Code: bundle.ErrCodeGeneric, Message: err.Error()})
	}

	if out.Format == "json" {
		if err := out.Error("bundle", fmt.Sprintf("%d bundle error(s)", len(problems)), problems); err != nil {
			return err
		}
	} else {
		for _, p := range problems {
			loc := ""
			if p.File != "" {
				loc = fmt.Sprintf("%s:%d: ", p.File, p.Line)
			}
			fmt.Fprintf(out.Writer, "%s %s[%s] %s\n", errColor.Sprint("error"), loc, p.Code, p.Message)
		}
	}
	e := NewExitError(ExitFailure, fmt.Sprintf("%d bundle error(s)", len(problems)))
	e.Reported = true
	return e
}
