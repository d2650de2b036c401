package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"photdeblend/pkg/cmdstan"
	"photdeblend/pkg/photdeblend"
)

// NewPriorCommand creates the prior command.
func NewPriorCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		configPath string
		outDir     string
	)

	cmd := &cobra.Command{
		Use:   "prior",
		Short: "Build priors and write sampler data files",
		Long: `Apply the coverage cuts, build every band's pointing matrix and write
one sampler data file per patch to the output directory, for running the
model outside photdeblend. Read the results back with "photdeblend ingest".`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrior(rootOpts, configPath, outDir, cmd)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "run configuration (.toml or .yaml)")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory for the data files")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runPrior(rootOpts *RootOptions, configPath, outDir string, cmd *cobra.Command) error {
	logger := rootOpts.Logger()
	r, err := loadRun(configPath, logger)
	if err != nil {
		return err
	}
	patches, failed := r.buildPatches()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	w := cmd.OutOrStdout()
	for _, patch := range patches {
		in, err := photdeblend.PreparePatch(patch)
		if err != nil {
			return err
		}
		path := filepath.Join(outDir, patch.Name+".json")
		if err := cmdstan.WriteData(path, in, r.cfg.Sampler.Suffixes); err != nil {
			return fmt.Errorf("patch %s: %w", patch.Name, err)
		}
		logger.Info("wrote sampler data", zap.String("patch", patch.Name), zap.String("path", path))

		fmt.Fprintf(w, "%s: %d sources -> %s\n", patch.Name, in.NSrc, path)
		for _, b := range in.Bands {
			fmt.Fprintf(w, "  %-10s npix=%-8d nnz=%d\n", b.Band, b.NPix, b.Pointing.NNZ())
		}
	}
	for _, res := range failed {
		fmt.Fprintf(w, "%s: %v\n", res.Patch, res.Err)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d patches failed", len(failed), len(r.cfg.Patches))
	}
	return nil
}
