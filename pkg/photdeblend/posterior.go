package photdeblend

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ParameterNames maps the posterior parameter groups to sampler names.
// An empty ConfusionNoise means the model has no confusion-noise term.
type ParameterNames struct {
	Flux           string
	Background     string
	ConfusionNoise string
	Auxiliary      []string
}

// DefaultParameterNames returns the names used by the bundled models.
func DefaultParameterNames() ParameterNames {
	return ParameterNames{
		Flux:           "src_f",
		Background:     "bkg",
		ConfusionNoise: "sigma_conf",
	}
}

// FluxLayout is the sampler-native per-draw layout of the flux group.
type FluxLayout int

const (
	// SourceMajor stores flux per draw as (source, band).
	SourceMajor FluxLayout = iota
	// BandMajor stores flux per draw as (band, source).
	BandMajor
)

func (l FluxLayout) String() string {
	switch l {
	case SourceMajor:
		return "source-major"
	case BandMajor:
		return "band-major"
	}
	return fmt.Sprintf("FluxLayout(%d)", int(l))
}

// ReshapeFlux converts flat sampler-native flux draws into the canonical
// (draw, band, source) layout.
func ReshapeFlux(native []float64, layout FluxLayout, ndraws, nbands, nsrc int) ([]float64, error) {
	if want := ndraws * nbands * nsrc; len(native) != want {
		return nil, shapeError("flux draws", want, len(native))
	}
	if layout == BandMajor {
		return append([]float64(nil), native...), nil
	}
	out := make([]float64, len(native))
	per := nbands * nsrc
	for d := 0; d < ndraws; d++ {
		base := d * per
		for s := 0; s < nsrc; s++ {
			for b := 0; b < nbands; b++ {
				out[base+b*nsrc+s] = native[base+s*nbands+b]
			}
		}
	}
	return out, nil
}

// FlattenFlux is the inverse of ReshapeFlux.
func FlattenFlux(canonical []float64, layout FluxLayout, ndraws, nbands, nsrc int) ([]float64, error) {
	if want := ndraws * nbands * nsrc; len(canonical) != want {
		return nil, shapeError("flux draws", want, len(canonical))
	}
	if layout == BandMajor {
		return append([]float64(nil), canonical...), nil
	}
	out := make([]float64, len(canonical))
	per := nbands * nsrc
	for d := 0; d < ndraws; d++ {
		base := d * per
		for b := 0; b < nbands; b++ {
			for s := 0; s < nsrc; s++ {
				out[base+s*nbands+b] = canonical[base+b*nsrc+s]
			}
		}
	}
	return out, nil
}

// AuxDraws holds draws of an auxiliary parameter group, (draw, element...).
type AuxDraws struct {
	Shape  []int
	Values []float64
}

// Size returns the number of elements per draw.
func (a *AuxDraws) Size() int {
	n := 1
	for _, s := range a.Shape {
		n *= s
	}
	return n
}

// PosteriorSample is the canonical form of a patch posterior.
type PosteriorSample struct {
	NDraws int
	NBands int
	NSrc   int
	// Flux is (draw, band, source), row-major.
	Flux []float64
	// Background is (draw, band).
	Background []float64
	// ConfusionNoise is (draw, band), nil when the model has none.
	ConfusionNoise []float64
	Aux            map[string]*AuxDraws
	Warnings       []SamplerHealthWarning
}

// FluxDraw returns the flux vector of draw d in band b, indexed by source.
func (s *PosteriorSample) FluxDraw(d, b int) []float64 {
	off := (d*s.NBands + b) * s.NSrc
	return s.Flux[off : off+s.NSrc]
}

// SourceFlux returns the marginal draws of source src in band b.
func (s *PosteriorSample) SourceFlux(b, src int) []float64 {
	out := make([]float64, s.NDraws)
	for d := range out {
		out[d] = s.Flux[(d*s.NBands+b)*s.NSrc+src]
	}
	return out
}

// BandBackground returns the background draws of band b.
func (s *PosteriorSample) BandBackground(b int) []float64 {
	return bandColumn(s.Background, s.NDraws, s.NBands, b)
}

// BandConfusion returns the confusion-noise draws of band b, or nil.
func (s *PosteriorSample) BandConfusion(b int) []float64 {
	if s.ConfusionNoise == nil {
		return nil
	}
	return bandColumn(s.ConfusionNoise, s.NDraws, s.NBands, b)
}

func bandColumn(v []float64, ndraws, nbands, b int) []float64 {
	out := make([]float64, ndraws)
	for d := range out {
		out[d] = v[d*nbands+b]
	}
	return out
}

// Canonicalize reads the flux, background and optional confusion-noise and
// auxiliary groups and lays them out canonically. The flux element count is
// checked against ndraws·nbands·nsrc before reshaping.
func Canonicalize(result SamplerResult, names ParameterNames, layout FluxLayout, nsrc, nbands int) (*PosteriorSample, error) {
	flux, err := result.Draws(names.Flux)
	if err != nil {
		return nil, fmt.Errorf("flux draws: %w", err)
	}
	if flux.Size() != nsrc*nbands {
		return nil, shapeError(fmt.Sprintf("%s elements per draw", names.Flux), nsrc*nbands, flux.Size())
	}
	ndraws := flux.NDraws()
	flat := flux.Flatten()
	canonical, err := ReshapeFlux(flat, layout, ndraws, nbands, nsrc)
	if err != nil {
		return nil, err
	}

	bkg, err := bandGroup(result, names.Background, ndraws, nbands)
	if err != nil {
		return nil, err
	}
	out := &PosteriorSample{
		NDraws:     ndraws,
		NBands:     nbands,
		NSrc:       nsrc,
		Flux:       canonical,
		Background: bkg,
	}
	if names.ConfusionNoise != "" {
		conf, err := bandGroup(result, names.ConfusionNoise, ndraws, nbands)
		if err != nil {
			return nil, err
		}
		out.ConfusionNoise = conf
	}
	if len(names.Auxiliary) > 0 {
		out.Aux = make(map[string]*AuxDraws, len(names.Auxiliary))
		for _, name := range names.Auxiliary {
			g, err := result.Draws(name)
			if err != nil {
				return nil, fmt.Errorf("auxiliary draws: %w", err)
			}
			if g.NDraws() != ndraws {
				return nil, shapeError(name+" draws", ndraws, g.NDraws())
			}
			out.Aux[name] = &AuxDraws{Shape: append([]int(nil), g.Shape...), Values: g.Flatten()}
		}
	}
	return out, nil
}

func bandGroup(result SamplerResult, name string, ndraws, nbands int) ([]float64, error) {
	g, err := result.Draws(name)
	if err != nil {
		return nil, fmt.Errorf("%s draws: %w", name, err)
	}
	if g.Size() != nbands {
		return nil, shapeError(name+" elements per draw", nbands, g.Size())
	}
	flat := g.Flatten()
	if len(flat) != ndraws*nbands {
		return nil, shapeError(name+" draws", ndraws*nbands, len(flat))
	}
	return flat, nil
}

// ParamDiagnostics holds convergence diagnostics of one group, row-major in
// Shape.
type ParamDiagnostics struct {
	Shape []int
	Rhat  []float64
	ESS   []float64
}

// At returns Rhat and effective sample size of one element.
func (p ParamDiagnostics) At(idx ...int) (float64, float64) {
	flat := 0
	for i, v := range idx {
		flat = flat*p.Shape[i] + v
	}
	return p.Rhat[flat], p.ESS[flat]
}

// Diagnostics groups convergence diagnostics by parameter group. Flux is
// shaped (source, band); Background and ConfusionNoise are per band.
type Diagnostics struct {
	Flux           ParamDiagnostics
	Background     ParamDiagnostics
	ConfusionNoise *ParamDiagnostics
	Aux            map[string]ParamDiagnostics
}

// ExtractDiagnostics pulls Rhat and effective sample size for every expected
// group from the summary table.
func ExtractDiagnostics(result SamplerResult, names ParameterNames, layout FluxLayout, nsrc, nbands int) (*Diagnostics, error) {
	rows, err := result.Summary(names.Flux)
	if err != nil {
		return nil, fmt.Errorf("flux summary: %w", err)
	}
	if len(rows) != nsrc*nbands {
		return nil, shapeError(names.Flux+" summary rows", nsrc*nbands, len(rows))
	}
	d := &Diagnostics{
		Flux: ParamDiagnostics{
			Shape: []int{nsrc, nbands},
			Rhat:  make([]float64, nsrc*nbands),
			ESS:   make([]float64, nsrc*nbands),
		},
	}
	for s := 0; s < nsrc; s++ {
		for b := 0; b < nbands; b++ {
			src := s*nbands + b
			if layout == BandMajor {
				src = b*nsrc + s
			}
			d.Flux.Rhat[s*nbands+b] = rows[src].Rhat
			d.Flux.ESS[s*nbands+b] = rows[src].ESS
		}
	}

	if d.Background, err = groupDiagnostics(result, names.Background, []int{nbands}); err != nil {
		return nil, err
	}
	if names.ConfusionNoise != "" {
		conf, err := groupDiagnostics(result, names.ConfusionNoise, []int{nbands})
		if err != nil {
			return nil, err
		}
		d.ConfusionNoise = &conf
	}
	if len(names.Auxiliary) > 0 {
		d.Aux = make(map[string]ParamDiagnostics, len(names.Auxiliary))
		for _, name := range names.Auxiliary {
			g, err := result.Draws(name)
			if err != nil {
				return nil, fmt.Errorf("auxiliary summary: %w", err)
			}
			pd, err := groupDiagnostics(result, name, g.Shape)
			if err != nil {
				return nil, err
			}
			d.Aux[name] = pd
		}
	}
	return d, nil
}

func groupDiagnostics(result SamplerResult, name string, shape []int) (ParamDiagnostics, error) {
	rows, err := result.Summary(name)
	if err != nil {
		return ParamDiagnostics{}, fmt.Errorf("%s summary: %w", name, err)
	}
	size := 1
	for _, s := range shape {
		size *= s
	}
	if len(rows) != size {
		return ParamDiagnostics{}, shapeError(name+" summary rows", size, len(rows))
	}
	pd := ParamDiagnostics{
		Shape: append([]int(nil), shape...),
		Rhat:  make([]float64, size),
		ESS:   make([]float64, size),
	}
	for i, r := range rows {
		pd.Rhat[i] = r.Rhat
		pd.ESS[i] = r.ESS
	}
	return pd, nil
}

// IngestState is the lifecycle state of an Ingestion.
type IngestState int

const (
	StateConstructed IngestState = iota
	StateValidated
	StateReady
	StateFailed
)

func (s IngestState) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateValidated:
		return "validated"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("IngestState(%d)", int(s))
}

// IngestOptions configures posterior ingestion.
type IngestOptions struct {
	Names      ParameterNames
	Layout     FluxLayout
	Thresholds HealthThresholds
}

// NewIngestOptions returns source-major defaults with the bundled parameter
// names.
func NewIngestOptions() IngestOptions {
	return IngestOptions{
		Names:      DefaultParameterNames(),
		Layout:     SourceMajor,
		Thresholds: NewHealthThresholds(),
	}
}

// Ingestion turns one SamplerResult into a canonical posterior. It moves
// Constructed → Validated → Ready, or to Failed on the first fatal error;
// a failed ingestion exposes no posterior data.
type Ingestion struct {
	opts   IngestOptions
	nsrc   int
	nbands int
	raw    SamplerResult
	logger *zap.Logger

	state       IngestState
	err         error
	warnings    []SamplerHealthWarning
	diagnostics *Diagnostics
	sample      *PosteriorSample
}

// NewIngestion wraps a sampler result for a fit of nsrc sources in nbands
// bands.
func NewIngestion(result SamplerResult, nsrc, nbands int, opts IngestOptions, logger *zap.Logger) *Ingestion {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestion{opts: opts, nsrc: nsrc, nbands: nbands, raw: result, logger: logger}
}

func (in *Ingestion) State() IngestState { return in.state }

// Err returns the reason for the Failed state.
func (in *Ingestion) Err() error { return in.err }

// Warnings returns sampler health warnings found during validation.
func (in *Ingestion) Warnings() []SamplerHealthWarning { return in.warnings }

func (in *Ingestion) fail(err error) error {
	in.state = StateFailed
	in.err = err
	in.warnings = nil
	in.diagnostics = nil
	in.sample = nil
	in.raw = nil
	return err
}

// Validate runs the health checks and extracts diagnostics.
func (in *Ingestion) Validate() error {
	if in.state != StateConstructed {
		return fmt.Errorf("validate from state %s", in.state)
	}
	warnings, err := ValidateHealth(in.raw, in.opts.Thresholds)
	if err != nil {
		return in.fail(fmt.Errorf("sampler health: %w", err))
	}
	diag, err := ExtractDiagnostics(in.raw, in.opts.Names, in.opts.Layout, in.nsrc, in.nbands)
	if err != nil {
		return in.fail(err)
	}
	for _, w := range warnings {
		in.logger.Warn("sampler health check failed",
			zap.String("check", w.Check),
			zap.Int("chain", w.Chain),
			zap.Float64("value", w.Value),
			zap.Float64("threshold", w.Threshold),
		)
	}
	in.warnings = warnings
	in.diagnostics = diag
	in.state = StateValidated
	return nil
}

// Canonicalize reshapes the draws and makes the posterior available.
func (in *Ingestion) Canonicalize() error {
	if in.state != StateValidated {
		return fmt.Errorf("canonicalize from state %s", in.state)
	}
	sample, err := Canonicalize(in.raw, in.opts.Names, in.opts.Layout, in.nsrc, in.nbands)
	if err != nil {
		return in.fail(err)
	}
	sample.Warnings = in.warnings
	in.sample = sample
	in.state = StateReady
	in.logger.Debug("posterior ready",
		zap.Int("ndraws", sample.NDraws),
		zap.Int("nbands", sample.NBands),
		zap.Int("nsrc", sample.NSrc),
		zap.Int("warnings", len(in.warnings)),
	)
	return nil
}

// Diagnostics returns convergence diagnostics once validated.
func (in *Ingestion) Diagnostics() (*Diagnostics, error) {
	if in.state != StateValidated && in.state != StateReady {
		return nil, in.notReady()
	}
	return in.diagnostics, nil
}

// Posterior returns the canonical sample in the Ready state.
func (in *Ingestion) Posterior() (*PosteriorSample, error) {
	if in.state != StateReady {
		return nil, in.notReady()
	}
	return in.sample, nil
}

func (in *Ingestion) notReady() error {
	if in.state == StateFailed {
		return errors.Join(ErrNotReady, in.err)
	}
	return fmt.Errorf("%w: state %s", ErrNotReady, in.state)
}

// Ingest runs validation and canonicalization in one step.
func Ingest(result SamplerResult, nsrc, nbands int, opts IngestOptions, logger *zap.Logger) (*Ingestion, error) {
	in := NewIngestion(result, nsrc, nbands, opts, logger)
	if err := in.Validate(); err != nil {
		return in, err
	}
	if err := in.Canonicalize(); err != nil {
		return in, err
	}
	return in, nil
}
