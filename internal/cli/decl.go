package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/reckon/internal/core"
	"github.com/roach88/reckon/internal/ir"
)

// NewDeclCommand creates the decl command group.
func NewDeclCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decl",
		Short: "Manage fact declarations",
		Long: `Declare the predicates facts may use.

Arguments are written name:type with type one of string, int, float,
bool or symbol.

Example:
  reckon decl add likes person:string topic:symbol --description "person likes topic"
  reckon decl ls`,
	}
	cmd.AddCommand(newDeclAddCommand(rootOpts, false))
	cmd.AddCommand(newDeclAddCommand(rootOpts, true))
	cmd.AddCommand(newDeclRemoveCommand(rootOpts))
	cmd.AddCommand(newDeclListCommand(rootOpts))
	return cmd
}

func newDeclAddCommand(rootOpts *RootOptions, update bool) *cobra.Command {
	var description string
	use, short := "add <name> <arg:type>...", "Declare a predicate"
	if update {
		use, short = "update <name> <arg:type>...", "Change a declaration that no stored fact contradicts"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				declArgs, err := parseDeclArgs(args[1:])
				if err != nil {
					return err
				}
				d := ir.FactDeclaration{Name: args[0], Args: declArgs, Description: description}
				if update {
					d, err = rt.Registry.Update(cmd.Context(), d)
				} else {
					d, err = rt.Registry.Register(cmd.Context(), d)
				}
				if err != nil {
					return err
				}
				return out.Success(d, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", okColor.Sprint("declared"), d.Signature())
				})
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "what the predicate means")
	return cmd
}

func newDeclRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a declaration",
		Long: `Remove a declaration. A predicate still used by a rule or trigger
cannot be removed. With --force its facts are deleted too; without it a
predicate that still has facts is refused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				if err := rt.Registry.Remove(cmd.Context(), args[0], force); err != nil {
					return err
				}
				return out.Success(map[string]string{"removed": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", okColor.Sprint("removed"), args[0])
				})
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "also delete the predicate's facts")
	return cmd
}

func newDeclListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List declarations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				decls, err := rt.Registry.List(cmd.Context())
				if err != nil {
					return err
				}
				return out.Success(decls, func(w io.Writer) {
					if len(decls) == 0 {
						fmt.Fprintln(w, mutedColor.Sprint("no declarations"))
					}
					for _, d := range decls {
						fmt.Fprintf(w, "%s", nameColor.Sprint(d.Signature()))
						if d.Description != "" {
							fmt.Fprintf(w, "  %s", mutedColor.Sprint(d.Description))
						}
						fmt.Fprintln(w)
					}
				})
			})
		},
	}
}
