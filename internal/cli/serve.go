package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Bundle  string
	Watch   bool
	Metrics string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the trigger engine and the scheduler",
		Long: `Run the trigger engine and the job scheduler until interrupted.

On start, stale running jobs are returned to pending and fire decisions
left pending by a crash are replayed. When a bundle directory is set it
is applied first, and with --watch it is re-applied on every change.

Example:
  reckon serve --config reckon.yaml
  reckon serve --db ./reckon.db --bundle ./knowledge --watch --metrics :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Bundle, "bundle", "", "CUE bundle directory, overrides bundle.dir")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "re-apply the bundle when it changes")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "serve Prometheus metrics on this address, overrides metrics.listen")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(err)
	}
	if opts.Bundle != "" {
		cfg.Bundle.Dir = opts.Bundle
	}
	if cmd.Flags().Changed("watch") {
		cfg.Bundle.Watch = opts.Watch
	}
	if opts.Metrics != "" {
		cfg.Metrics.Listen = opts.Metrics
	}

	rt, err := openWith(opts.RootOptions, cmd, cfg)
	if err != nil {
		return out.Fail(err)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Serve(ctx); err != nil {
		return out.Fail(err)
	}
	return nil
}
