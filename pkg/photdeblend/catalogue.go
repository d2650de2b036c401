package photdeblend

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Provenance identifies how a catalogue was produced.
type Provenance struct {
	RunID           string
	Patch           string
	PriorCatalogue  string
	Created         time.Time
	SoftwareVersion string
	Bands           []string
	Warnings        []SamplerHealthWarning
}

// BandMeasurement is one source's result in one band. ConfusionNoise is NaN
// when the model has no confusion term; PValue is NaN when no check ran.
type BandMeasurement struct {
	Band           string
	Flux           Percentiles
	Background     float64
	ConfusionNoise float64
	Rhat           float64
	ESS            float64
	PValue         float64
}

// SourceRecord is one output row.
type SourceRecord struct {
	ID      string
	RA      float64
	Dec     float64
	Stacked bool
	Bands   []BandMeasurement
	Aux     map[string]Percentiles
}

// FitCatalogue is the assembled output of one patch fit.
type FitCatalogue struct {
	Provenance Provenance
	Records    []SourceRecord
}

// AssemblerOptions controls catalogue assembly.
type AssemblerOptions struct {
	// Percentiles are the lower, median and upper percentiles, 0-100.
	Percentiles     [3]float64
	IncludeStacked  bool
	PriorCatalogue  string
	SoftwareVersion string
}

func NewAssemblerOptions() AssemblerOptions {
	return AssemblerOptions{
		Percentiles:     [3]float64{15.9, 50, 84.1},
		SoftwareVersion: "dev",
	}
}

// Assembler packages posterior summaries into catalogue records.
type Assembler struct {
	opts   AssemblerOptions
	logger *zap.Logger

	// Now and NewRunID are replaceable for reproducible output.
	Now      func() time.Time
	NewRunID func() string
}

func NewAssembler(opts AssemblerOptions, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		opts:     opts,
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
		NewRunID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// Assemble builds the records of one patch. pvalues is indexed by band, and
// a nil entry marks a band whose check did not run.
func (a *Assembler) Assemble(patch string, priors []*SourcePrior, post *PosteriorSample, diag *Diagnostics, pvalues [][]float64) (*FitCatalogue, error) {
	if len(priors) != post.NBands {
		return nil, shapeError("band priors", post.NBands, len(priors))
	}
	if pvalues != nil && len(pvalues) != post.NBands {
		return nil, shapeError("band p-values", post.NBands, len(pvalues))
	}
	for i, p := range priors {
		if p.BandIndex != i {
			return nil, fmt.Errorf("prior %s at position %d has band index %d: %w", p.Band, i, p.BandIndex, ErrBandMismatch)
		}
		if p.NSrc != post.NSrc {
			return nil, shapeError("band "+p.Band+" sources", post.NSrc, p.NSrc)
		}
		if pvalues != nil && pvalues[i] != nil && len(pvalues[i]) != post.NSrc {
			return nil, shapeError("band "+p.Band+" p-values", post.NSrc, len(pvalues[i]))
		}
	}

	lo, mid, hi := a.opts.Percentiles[0], a.opts.Percentiles[1], a.opts.Percentiles[2]
	bkg := make([]float64, post.NBands)
	conf := make([]float64, post.NBands)
	bands := make([]string, post.NBands)
	for b := range bkg {
		bands[b] = priors[b].Band
		bkg[b] = Percentile(post.BandBackground(b), 50)
		conf[b] = math.NaN()
		if c := post.BandConfusion(b); c != nil {
			conf[b] = Percentile(c, 50)
		}
	}

	var auxNames []string
	for name, aux := range post.Aux {
		if aux.Size() == post.NSrc {
			auxNames = append(auxNames, name)
		} else {
			a.logger.Debug("auxiliary group not per-source, omitted from catalogue", zap.String("group", name))
		}
	}
	sort.Strings(auxNames)

	ref := priors[0]
	cat := &FitCatalogue{
		Provenance: Provenance{
			RunID:           a.NewRunID(),
			Patch:           patch,
			PriorCatalogue:  a.opts.PriorCatalogue,
			Created:         a.Now(),
			SoftwareVersion: a.opts.SoftwareVersion,
			Bands:           bands,
			Warnings:        post.Warnings,
		},
	}
	for s := 0; s < post.NSrc; s++ {
		if ref.Stacked[s] && !a.opts.IncludeStacked {
			continue
		}
		rec := SourceRecord{
			ID:      ref.ID[s],
			RA:      ref.RA[s],
			Dec:     ref.Dec[s],
			Stacked: ref.Stacked[s],
			Bands:   make([]BandMeasurement, post.NBands),
		}
		for b := 0; b < post.NBands; b++ {
			draws := post.SourceFlux(b, s)
			m := BandMeasurement{
				Band: bands[b],
				Flux: Percentiles{
					Lower:  Percentile(draws, lo),
					Median: Percentile(draws, mid),
					Upper:  Percentile(draws, hi),
				},
				Background:     bkg[b],
				ConfusionNoise: conf[b],
				Rhat:           math.NaN(),
				ESS:            math.NaN(),
				PValue:         math.NaN(),
			}
			if diag != nil {
				m.Rhat, m.ESS = diag.Flux.At(s, b)
			}
			if pvalues != nil && pvalues[b] != nil {
				m.PValue = pvalues[b][s]
			}
			rec.Bands[b] = m
		}
		if len(auxNames) > 0 {
			rec.Aux = make(map[string]Percentiles, len(auxNames))
			for _, name := range auxNames {
				aux := post.Aux[name]
				draws := make([]float64, post.NDraws)
				for d := range draws {
					draws[d] = aux.Values[d*post.NSrc+s]
				}
				rec.Aux[name] = Percentiles{
					Lower:  Percentile(draws, lo),
					Median: Percentile(draws, mid),
					Upper:  Percentile(draws, hi),
				}
			}
		}
		cat.Records = append(cat.Records, rec)
	}
	a.logger.Debug("assembled catalogue",
		zap.String("patch", patch),
		zap.Int("records", len(cat.Records)),
		zap.Int("warnings", len(post.Warnings)),
	)
	return cat, nil
}

// AuxNames returns the auxiliary columns present in the records, sorted.
func (c *FitCatalogue) AuxNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range c.Records {
		for n := range r.Aux {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	return names
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', 7, 64)
}

// WriteCSV writes the catalogue as CSV preceded by '#' provenance lines.
func (c *FitCatalogue) WriteCSV(w io.Writer) error {
	p := c.Provenance
	header := []string{
		"# Prior_Cat: " + p.PriorCatalogue,
		"# CREATOR: photdeblend",
		"# version: " + p.SoftwareVersion,
		"# DATE: " + p.Created.Format(time.RFC3339),
		"# RUN_ID: " + p.RunID,
		"# PATCH: " + p.Patch,
	}
	for _, warn := range p.Warnings {
		header = append(header, "# WARNING: "+warn.Message)
	}
	for _, line := range header {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return fmt.Errorf("writing provenance: %w", err)
		}
	}

	aux := c.AuxNames()
	cw := csv.NewWriter(w)
	cols := []string{"ID", "RA", "Dec", "Stacked"}
	for _, b := range p.Bands {
		cols = append(cols,
			"F_"+b, "FErr_"+b+"_u", "FErr_"+b+"_l",
			"Bkg_"+b, "Sig_conf_"+b, "Rhat_"+b, "n_eff_"+b, "Pval_res_"+b)
	}
	for _, n := range aux {
		cols = append(cols, n, n+"_u", n+"_l")
	}
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, r := range c.Records {
		row := []string{r.ID, formatFloat(r.RA), formatFloat(r.Dec), strconv.FormatBool(r.Stacked)}
		for _, m := range r.Bands {
			row = append(row,
				formatFloat(m.Flux.Median), formatFloat(m.Flux.Upper), formatFloat(m.Flux.Lower),
				formatFloat(m.Background), formatFloat(m.ConfusionNoise),
				formatFloat(m.Rhat), formatFloat(m.ESS), formatFloat(m.PValue))
		}
		for _, n := range aux {
			pc, ok := r.Aux[n]
			if !ok {
				row = append(row, "nan", "nan", "nan")
				continue
			}
			row = append(row, formatFloat(pc.Median), formatFloat(pc.Upper), formatFloat(pc.Lower))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing record %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
