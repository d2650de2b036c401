package main

import (
	"github.com/spf13/cobra"

	"photdeblend/pkg/cmdstan"
	"photdeblend/pkg/photdeblend"
)

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		configPath string
		patchName  string
	)

	cmd := &cobra.Command{
		Use:   "ingest <output.csv>...",
		Short: "Assemble a catalogue from existing sampler output",
		Long: `Rebuild the priors of one patch, read the per-chain sampler output files
written for it and run the posterior checks and catalogue assembly as
"photdeblend fit" would.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(rootOpts, configPath, patchName, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "run configuration (.toml or .yaml)")
	cmd.Flags().StringVarP(&patchName, "patch", "p", "", "patch the output belongs to")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("patch")

	return cmd
}

func runIngest(rootOpts *RootOptions, configPath, patchName string, files []string, cmd *cobra.Command) error {
	logger := rootOpts.Logger()
	r, err := loadRun(configPath, logger)
	if err != nil {
		return err
	}
	pc, err := r.findPatch(patchName)
	if err != nil {
		return err
	}
	patch, err := r.buildPatch(pc)
	if err != nil {
		return err
	}

	replay := cmdstan.Replay{Paths: files, MaxTreeDepth: r.cfg.Sampler.MaxTreeDepth}
	pl := photdeblend.NewPipeline(replay, r.pipelineOptions(photdeblend.DefaultParameterNames()), logger)
	results := []*photdeblend.PatchResult{pl.FitPatch(cmd.Context(), patch)}

	if err := writeOutputs(cmd.Context(), r.cfg.Output, []*photdeblend.Patch{patch}, results, logger); err != nil {
		return err
	}
	return printResults(cmd.OutOrStdout(), results)
}
