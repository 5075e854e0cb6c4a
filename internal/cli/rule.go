package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/reckon/internal/core"
)

// NewRuleCommand creates the rule command group.
func NewRuleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage Datalog rules",
		Long: `Manage named Datalog rules.

A rule is accepted only when the whole program, including every trigger
condition, still compiles with it.

Example:
  reckon rule add interested "interested(P, T) :- likes(P, T)."
  reckon rule disable interested`,
	}
	cmd.AddCommand(newRuleAddCommand(rootOpts))
	cmd.AddCommand(newRuleRemoveCommand(rootOpts))
	cmd.AddCommand(newRuleListCommand(rootOpts))
	cmd.AddCommand(newRuleToggleCommand(rootOpts, true))
	cmd.AddCommand(newRuleToggleCommand(rootOpts, false))
	return cmd
}

func newRuleAddCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <clause>",
		Short: "Add or replace a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				r, err := rt.AddRule(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return out.Success(r, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s: %s\n", okColor.Sprint("saved"), nameColor.Sprint(r.Name), r.Clause())
				})
			})
		},
	}
}

func newRuleRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				if err := rt.RemoveRule(cmd.Context(), args[0]); err != nil {
					return err
				}
				return out.Success(map[string]string{"removed": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", okColor.Sprint("removed"), args[0])
				})
			})
		},
	}
}

func newRuleListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List rules",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				rules, err := rt.Repo.ListRules(cmd.Context())
				if err != nil {
					return err
				}
				return out.Success(rules, func(w io.Writer) {
					if len(rules) == 0 {
						fmt.Fprintln(w, mutedColor.Sprint("no rules"))
					}
					for _, r := range rules {
						state := "enabled"
						if !r.Enabled {
							state = "disabled"
						}
						fmt.Fprintf(w, "%s [%s] %s\n", nameColor.Sprint(r.Name), statusText(state), r.Clause())
					}
				})
			})
		},
	}
}

func newRuleToggleCommand(rootOpts *RootOptions, enable bool) *cobra.Command {
	use, short, verb := "enable <name>", "Enable a rule", "enabled"
	if !enable {
		use, short, verb = "disable <name>", "Disable a rule", "disabled"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				r, err := rt.SetRuleEnabled(cmd.Context(), args[0], enable)
				if err != nil {
					return err
				}
				return out.Success(r, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", statusText(verb), r.Name)
				})
			})
		},
	}
}
