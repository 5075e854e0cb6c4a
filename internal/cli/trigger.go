package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/reckon/internal/core"
	"github.com/roach88/reckon/internal/ir"
)

// NewTriggerCommand creates the trigger command group.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Manage triggers",
		Long: `Manage triggers. A trigger fires its action once each time its
condition goes from false to true.

Example:
  reckon trigger add go_fan --when "interested(P, /go)" --invoke notify --arg topic=/go
  reckon trigger add follow_up --when "alarm(/on)" --invoke page --at 2026-01-01T10:00:00Z
  reckon trigger test go_fan
  reckon trigger firings go_fan`,
	}
	cmd.AddCommand(newTriggerAddCommand(rootOpts))
	cmd.AddCommand(newTriggerRemoveCommand(rootOpts))
	cmd.AddCommand(newTriggerListCommand(rootOpts))
	cmd.AddCommand(newTriggerToggleCommand(rootOpts, true))
	cmd.AddCommand(newTriggerToggleCommand(rootOpts, false))
	cmd.AddCommand(newTriggerTestCommand(rootOpts))
	cmd.AddCommand(newTriggerFiringsCommand(rootOpts))
	return cmd
}

func newTriggerAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		when     string
		disabled bool
		af       actionFlags
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or replace a trigger",
		Long: `Add or replace a trigger. The action is given with --invoke,
--assert, --retract or --action-json. Adding --at, --every or --cron
turns it into a schedule_job action that runs the payload on that
schedule.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				if when == "" {
					return usagef("--when is required")
				}
				a, err := af.build(cmd.Context(), rt)
				if err != nil {
					return err
				}
				t, err := core.NewTrigger(args[0], when, a)
				if err != nil {
					return err
				}
				t.Enabled = !disabled
				t, err = rt.AddTrigger(cmd.Context(), t)
				if err != nil {
					return err
				}
				return out.Success(t, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s when %s -> %s\n", okColor.Sprint("saved"),
						nameColor.Sprint(t.Name), t.Condition.String(), t.Action.Describe())
				})
			})
		},
	}
	cmd.Flags().StringVar(&when, "when", "", "condition, a conjunction of atoms")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "store the trigger disabled")
	af.register(cmd, true)
	return cmd
}

func newTriggerRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				if err := rt.RemoveTrigger(cmd.Context(), args[0]); err != nil {
					return err
				}
				return out.Success(map[string]string{"removed": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", okColor.Sprint("removed"), args[0])
				})
			})
		},
	}
}

func newTriggerListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List triggers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				triggers, err := rt.Repo.ListTriggers(cmd.Context())
				if err != nil {
					return err
				}
				return out.Success(triggers, func(w io.Writer) {
					if len(triggers) == 0 {
						fmt.Fprintln(w, mutedColor.Sprint("no triggers"))
					}
					for _, t := range triggers {
						renderTrigger(w, t)
					}
				})
			})
		},
	}
}

func renderTrigger(w io.Writer, t ir.Trigger) {
	state := string(t.Status)
	if !t.Enabled {
		state = "disabled"
	}
	fmt.Fprintf(w, "%s [%s] when %s -> %s\n", nameColor.Sprint(t.Name), statusText(state),
		t.Condition.String(), t.Action.Describe())
	if !t.LastFiredAt.IsZero() {
		fmt.Fprintf(w, "  %s\n", mutedColor.Sprintf("last fired %s", t.LastFiredAt.Format("2006-01-02T15:04:05Z07:00")))
	}
	if t.LastError != "" {
		fmt.Fprintf(w, "  %s %s (%d in a row)\n", errColor.Sprint("last error:"), t.LastError, t.ConsecutiveFailures)
	}
}

func newTriggerToggleCommand(rootOpts *RootOptions, enable bool) *cobra.Command {
	use, short, verb := "enable <name>", "Enable a trigger and clear a degraded status", "enabled"
	if !enable {
		use, short, verb = "disable <name>", "Disable a trigger", "disabled"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				t, err := rt.SetTriggerEnabled(cmd.Context(), args[0], enable)
				if err != nil {
					return err
				}
				return out.Success(t, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", statusText(verb), t.Name)
				})
			})
		},
	}
}

func newTriggerTestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test <name>",
		Short: "Evaluate a trigger's condition without firing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				res, err := rt.Engine.TestTrigger(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return out.Success(res, func(w io.Writer) {
					if res.Fires {
						fmt.Fprintf(w, "%s %s holds\n", okColor.Sprint("true"), args[0])
					} else {
						fmt.Fprintf(w, "%s %s does not hold\n", mutedColor.Sprint("false"), args[0])
					}
					renderTuples(w, res.Vars, res.Tuples)
				})
			})
		},
	}
}

func newTriggerFiringsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "firings [name]",
		Short: "List recorded fire decisions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				name := ""
				if len(args) == 1 {
					name = args[0]
				}
				firings, err := rt.Firings(cmd.Context(), name)
				if err != nil {
					return err
				}
				return out.Success(firings, func(w io.Writer) {
					if len(firings) == 0 {
						fmt.Fprintln(w, mutedColor.Sprint("no firings"))
					}
					for _, d := range firings {
						fmt.Fprintf(w, "%s %s tick=%d [%s] %s", d.Token, nameColor.Sprint(d.Trigger),
							d.TickSeq, statusText(string(d.Status)), d.Action.Describe())
						if d.Result != "" {
							fmt.Fprintf(w, " -> %s", d.Result)
						}
						if d.LastError != "" {
							fmt.Fprintf(w, " %s", errColor.Sprint(d.LastError))
						}
						fmt.Fprintln(w)
					}
				})
			})
		},
	}
}

// renderTuples prints query bindings one row per line.
func renderTuples(w io.Writer, vars []string, tuples []ir.Tuple) {
	if len(vars) == 0 {
		return
	}
	for _, t := range tuples {
		parts := make([]string, 0, len(vars))
		for i, v := range vars {
			if i < len(t) {
				parts = append(parts, v+"="+ir.Display(t[i]))
			}
		}
		fmt.Fprintf(w, "  %s\n", strings.Join(parts, " "))
	}
}
