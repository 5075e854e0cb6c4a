package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/reckon/internal/core"
	"github.com/roach88/reckon/internal/ir"
)

// NewFactCommand creates the fact command group.
func NewFactCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fact",
		Short: "Assert, retract and list facts",
		Long: `Assert, retract and list facts.

Arguments are typed by the predicate's declaration. Symbols may be
written with or without the leading slash.

Example:
  reckon fact add likes alice /go
  reckon fact add reading /kitchen 21.5 --confidence 0.8
  reckon fact rm likes alice go
  reckon fact ls likes`,
	}
	cmd.AddCommand(newFactAddCommand(rootOpts))
	cmd.AddCommand(newFactRemoveCommand(rootOpts))
	cmd.AddCommand(newFactListCommand(rootOpts))
	return cmd
}

func newFactAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		confidence float64
		source     string
	)
	cmd := &cobra.Command{
		Use:   "add <predicate> [arg]...",
		Short: "Assert a fact",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				f, err := rt.ParseFact(cmd.Context(), args[0], args[1:])
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("confidence") {
					f.Confidence = confidence
				}
				f.Source = source
				stored, created, err := rt.Registry.Assert(cmd.Context(), f)
				if err != nil {
					return err
				}
				verb := "asserted"
				if !created {
					verb = "updated"
				}
				return out.Success(map[string]any{"fact": stored, "created": created}, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", okColor.Sprint(verb), stored.String())
				})
			})
		},
	}
	cmd.Flags().Float64Var(&confidence, "confidence", 1, "confidence in [0,1]")
	cmd.Flags().StringVar(&source, "source", "cli", "where the fact came from")
	return cmd
}

func newFactRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <predicate> [arg]...",
		Short: "Retract a fact",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				f, err := rt.ParseFact(cmd.Context(), args[0], args[1:])
				if err != nil {
					return err
				}
				removed, err := rt.Registry.Retract(cmd.Context(), ir.FactRef{Predicate: f.Predicate, Args: f.Args})
				if err != nil {
					return err
				}
				return out.Success(map[string]any{"fact": f.String(), "removed": removed}, func(w io.Writer) {
					if removed {
						fmt.Fprintf(w, "%s %s\n", okColor.Sprint("retracted"), f.String())
						return
					}
					fmt.Fprintf(w, "%s %s\n", mutedColor.Sprint("not present"), f.String())
				})
			})
		},
	}
}

func newFactListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "ls [predicate]",
		Aliases: []string{"list"},
		Short:   "List facts",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				pred := ""
				if len(args) == 1 {
					pred = args[0]
				}
				facts, err := rt.Facts(cmd.Context(), pred)
				if err != nil {
					return err
				}
				return out.Success(facts, func(w io.Writer) {
					if len(facts) == 0 {
						fmt.Fprintln(w, mutedColor.Sprint("no facts"))
					}
					for _, f := range facts {
						fmt.Fprint(w, f.String())
						if f.Confidence < 1 {
							fmt.Fprintf(w, "  %s", mutedColor.Sprintf("confidence=%g", f.Confidence))
						}
						fmt.Fprintln(w)
					}
				})
			})
		},
	}
}
