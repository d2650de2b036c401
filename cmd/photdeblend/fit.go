package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"photdeblend/pkg/photdeblend"
)

// NewFitCommand creates the fit command.
func NewFitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		configPath string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit every configured patch and write the catalogue",
		Long: `Build the priors and pointing matrices for every patch, sample each
patch, check the posterior and write the assembled catalogue to the
configured outputs. Patches are independent; a failed patch is reported
and never retried.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFit(rootOpts, configPath, workers, cmd)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "run configuration (.toml or .yaml)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent patch fits (overrides config)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runFit(rootOpts *RootOptions, configPath string, workers int, cmd *cobra.Command) error {
	logger := rootOpts.Logger()
	r, err := loadRun(configPath, logger)
	if err != nil {
		return err
	}
	if workers > 0 {
		r.cfg.Workers = workers
	}
	patches, failed := r.buildPatches()
	sampler, names, err := r.newSampler()
	if err != nil {
		return err
	}

	pl := photdeblend.NewPipeline(sampler, r.pipelineOptions(names), logger)
	logger.Info("fitting patches",
		zap.Int("patches", len(patches)),
		zap.Int("workers", r.cfg.Workers),
		zap.String("sampler", r.cfg.Sampler.Kind),
	)
	results := pl.FitPatches(cmd.Context(), patches)

	if err := writeOutputs(cmd.Context(), r.cfg.Output, patches, results, logger); err != nil {
		return err
	}
	return printResults(cmd.OutOrStdout(), append(results, failed...))
}
