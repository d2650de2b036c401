package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"photdeblend/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	LogFormat string

	logger *zap.Logger
}

// Logger returns the logger built from the global flags, or a no-op logger
// before the root command has run.
func (o *RootOptions) Logger() *zap.Logger {
	if o.logger == nil {
		return zap.NewNop()
	}
	return o.logger
}

// NewRootCommand creates the photdeblend command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "photdeblend",
		Short: "Prior-driven photometric deblending of confused maps",
		Long: "photdeblend fits the fluxes of known sources in confused far-infrared maps,\n" +
			"checks the posterior and writes a per-source catalogue.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Options{Verbose: opts.Verbose, Format: opts.LogFormat})
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = opts.Logger().Sync()
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "console", "log format (console|json)")

	cmd.AddCommand(NewFitCommand(opts))
	cmd.AddCommand(NewPriorCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}
