package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/reckon/internal/core"
)

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <condition>",
		Short: "Evaluate a condition against current knowledge",
		Long: `Evaluate a condition, a conjunction of atoms, against the stored facts
and the rules derived from them. Nothing is written.

Example:
  reckon query "interested(P, /go)"
  reckon query "likes(P, T), !blocked(P)" --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				res, err := rt.Engine.Query(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return out.Success(res, func(w io.Writer) {
					if !res.Fires {
						fmt.Fprintln(w, mutedColor.Sprint("no results"))
						return
					}
					if len(res.Vars) == 0 {
						fmt.Fprintln(w, okColor.Sprint("true"))
						return
					}
					renderTuples(w, res.Vars, res.Tuples)
					fmt.Fprintln(w, mutedColor.Sprintf("%d result(s)", len(res.Tuples)))
				})
			})
		},
	}
}
