package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/reckon/internal/core"
	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/scheduler"
)

// NewJobCommand creates the job command group.
func NewJobCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Schedule and inspect jobs",
		Long: `Schedule and inspect jobs. Jobs are run by "reckon serve".

Example:
  reckon job schedule --every 1h --invoke digest
  reckon job schedule --cron "0 9 * * 1-5" --assert workday --fact-arg /true
  reckon job ls --status pending
  reckon job cancel job-1f3a`,
	}
	cmd.AddCommand(newJobScheduleCommand(rootOpts))
	cmd.AddCommand(newJobCancelCommand(rootOpts))
	cmd.AddCommand(newJobGetCommand(rootOpts))
	cmd.AddCommand(newJobListCommand(rootOpts))
	return cmd
}

func newJobScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		af     actionFlags
		jf     jobFlags
		id     string
		source string
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				payload, err := af.build(cmd.Context(), rt)
				if err != nil {
					return err
				}
				spec, err := jf.spec(payload, rt.Config.Scheduler.Backoff.Policy())
				if err != nil {
					return err
				}
				spec.Source = source
				var job ir.Job
				if id != "" {
					var created bool
					job, created, err = rt.Scheduler.ScheduleWithID(cmd.Context(), id, spec)
					if err == nil && !created {
						out.VerboseLog("job %s already exists", id)
					}
				} else {
					job, err = rt.Scheduler.Schedule(cmd.Context(), spec)
				}
				if err != nil {
					return err
				}
				return out.Success(job, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s next run %s\n", okColor.Sprint("scheduled"),
						nameColor.Sprint(job.ID), job.NextRunAt.Format(time.RFC3339))
				})
			})
		},
	}
	af.register(cmd, false)
	jf.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "job ID; scheduling an existing ID is a no-op")
	cmd.Flags().StringVar(&source, "source", "cli", "recorded as the job's source")
	return cmd
}

func newJobCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job",
		Long: `Cancel a job. A pending job is cancelled at once; a running job is
interrupted and marked cancelled when its run returns.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				job, err := rt.Scheduler.Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return out.Success(job, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", statusText(string(job.Status)), job.ID)
				})
			})
		},
	}
}

func newJobGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				job, err := rt.Scheduler.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return out.Success(job, func(w io.Writer) {
					renderJob(w, job)
					fmt.Fprintf(w, "  payload:  %s\n", job.Payload.Describe())
					fmt.Fprintf(w, "  attempts: %d of %d\n", job.Attempts, job.Backoff.MaxAttempts)
					fmt.Fprintf(w, "  runs:     %d\n", job.RunCount)
					if job.Source != "" {
						fmt.Fprintf(w, "  source:   %s\n", job.Source)
					}
					if job.LastError != "" {
						fmt.Fprintf(w, "  %s %s\n", errColor.Sprint("error:"), job.LastError)
					}
				})
			})
		},
	}
}

func newJobListCommand(rootOpts *RootOptions) *cobra.Command {
	var status, kind, source string
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withRuntime(cmd, func(rt *core.Runtime, out *OutputFormatter) error {
				jobs, err := rt.Scheduler.List(cmd.Context(), scheduler.Filter{
					Status: ir.JobStatus(status),
					Kind:   ir.JobKindType(kind),
					Source: source,
				})
				if err != nil {
					return err
				}
				return out.Success(jobs, func(w io.Writer) {
					if len(jobs) == 0 {
						fmt.Fprintln(w, mutedColor.Sprint("no jobs"))
					}
					for _, j := range jobs {
						renderJob(w, j)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only jobs with this status")
	cmd.Flags().StringVar(&kind, "kind", "", "only jobs of this kind (once, interval, cron)")
	cmd.Flags().StringVar(&source, "source", "", "only jobs from this source")
	return cmd
}

func renderJob(w io.Writer, j ir.Job) {
	fmt.Fprintf(w, "%s [%s] %s", nameColor.Sprint(j.ID), statusText(string(j.Status)), describeKind(j.Kind))
	if j.Status == ir.JobPending {
		fmt.Fprintf(w, " next %s", j.NextRunAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
}

func describeKind(k ir.JobKind) string {
	switch k.Type {
	case ir.JobOnce:
		return "once at " + k.RunAt.Format(time.RFC3339)
	case ir.JobInterval:
		return "every " + k.Every.String()
	case ir.JobCron:
		return "cron " + k.Expr
	}
	return string(k.Type)
}
