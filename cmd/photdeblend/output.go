package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"photdeblend/internal/config"
	"photdeblend/pkg/catstore"
	"photdeblend/pkg/photdeblend"
)

// writeOutputs stores every fitted patch in the configured sinks. Patches
// whose fit failed are skipped; sink errors are collected.
func writeOutputs(ctx context.Context, out config.OutputConfig, patches []*photdeblend.Patch, results []*photdeblend.PatchResult, logger *zap.Logger) error {
	var errs []error

	var store *catstore.Store
	if out.Database != "" {
		if err := os.MkdirAll(filepath.Dir(out.Database), 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
		s, err := catstore.Open(out.Database)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}
	for _, dir := range []string{out.CSVDir, out.OverlayDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	for i, res := range results {
		if res.State != photdeblend.PatchFitted {
			continue
		}
		log := logger.With(zap.String("patch", res.Patch), zap.String("run_id", res.Catalogue.Provenance.RunID))
		if store != nil {
			if err := store.WriteCatalogue(ctx, res.Catalogue); err != nil {
				errs = append(errs, fmt.Errorf("patch %s: %w", res.Patch, err))
			} else {
				log.Debug("stored catalogue", zap.String("database", out.Database))
			}
		}
		if out.CSVDir != "" {
			path := filepath.Join(out.CSVDir, res.Patch+".csv")
			if err := writeCatalogueCSV(path, res.Catalogue); err != nil {
				errs = append(errs, fmt.Errorf("patch %s: %w", res.Patch, err))
			} else {
				log.Debug("wrote catalogue", zap.String("path", path))
			}
		}
		if out.OverlayDir != "" && res.PValues != nil {
			for b, prior := range patches[i].Priors {
				path := filepath.Join(out.OverlayDir, fmt.Sprintf("%s-%s.jpg", res.Patch, prior.Band))
				if err := photdeblend.RenderPValueOverlay(prior, res.PValues[b], path); err != nil {
					errs = append(errs, fmt.Errorf("patch %s band %s overlay: %w", res.Patch, prior.Band, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func writeCatalogueCSV(path string, cat *photdeblend.FitCatalogue) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating catalogue file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return cat.WriteCSV(f)
}

// printResults writes one line per patch and returns an error when any
// patch failed.
func printResults(w io.Writer, results []*photdeblend.PatchResult) error {
	failed := 0
	for _, res := range results {
		switch res.State {
		case photdeblend.PatchFitted:
			fmt.Fprintf(w, "%-20s %-8s %6d sources %3d warnings %8.1fs\n",
				res.Patch, res.State, len(res.Catalogue.Records),
				len(res.Catalogue.Provenance.Warnings), res.Elapsed.Seconds())
		default:
			failed++
			fmt.Fprintf(w, "%-20s %-8s %v\n", res.Patch, res.State, res.Err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d patches failed", failed, len(results))
	}
	return nil
}
