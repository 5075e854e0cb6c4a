// Package cli implements the reckon command line.
//
// Every command opens the runtime from --config (or $RECKON_CONFIG),
// runs one operation and prints the result as text or, with
// --format json, as a {status,data,error} envelope. Logs go to stderr.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/reckon/internal/config"
	"github.com/roach88/reckon/internal/core"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string
	DB      string

	// Extra is appended to the runtime options of every command. Tests
	// use it to fix the clock and tokens.
	Extra []core.Option
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the reckon CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reckon",
		Short: "reckon - Datalog reasoning and automation",
		Long: `reckon keeps typed facts and Datalog rules, fires triggers when a
condition becomes true, and runs scheduled jobs with retries.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitUsage, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (default $"+config.EnvVar+")")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "sqlite database path, overrides store.path")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDeclCommand(opts))
	cmd.AddCommand(NewFactCommand(opts))
	cmd.AddCommand(NewRuleCommand(opts))
	cmd.AddCommand(NewTriggerCommand(opts))
	cmd.AddCommand(NewJobCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitUsage, "invalid flags", err)
	})

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, err
	}
	if o.DB != "" {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = o.DB
	}
	return cfg, nil
}

// open builds the runtime for one command. The caller closes it.
func (o *RootOptions) open(cmd *cobra.Command) (*core.Runtime, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return openWith(o, cmd, cfg)
}

func openWith(o *RootOptions, cmd *cobra.Command, cfg *config.Config) (*core.Runtime, error) {
	opts := append([]core.Option{core.WithLogger(o.logger(cmd))}, o.Extra...)
	return core.Open(cfg, opts...)
}

// withRuntime runs fn on a freshly opened runtime and reports any error
// through the formatter.
func (o *RootOptions) withRuntime(cmd *cobra.Command, fn func(rt *core.Runtime, out *OutputFormatter) error) error {
	out := o.formatter(cmd)
	rt, err := o.open(cmd)
	if err != nil {
		return out.Fail(err)
	}
	defer rt.Close()
	if err := fn(rt, out); err != nil {
		var exit *ExitError
		if errors.As(err, &exit) {
			return err
		}
		return out.Fail(err)
	}
	return nil
}
