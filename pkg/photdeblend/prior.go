package photdeblend

import (
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"
)

const (
	// DefaultFluxLower and DefaultFluxUpper bound source flux when the
	// catalogue carries no bounds.
	DefaultFluxLower = 0.0
	DefaultFluxUpper = 1000.0
	// DefaultConfPriorSigma is the default width of the confusion-noise prior.
	DefaultConfPriorSigma = 0.1
)

// SourcePrior holds one band's source list, map and kernel. Sources are
// stored as parallel arrays of length NSrc. The prior is mutable until
// BuildPointingMatrix is called and frozen afterwards.
type SourcePrior struct {
	Band      string
	BandIndex int
	Map       *MapContext

	ID        []string
	RA        []float64
	Dec       []float64
	FluxLower []float64
	FluxUpper []float64
	Stacked   []bool
	NSrc      int
	NStack    int

	// Optional members, nil when not used.
	FluxPrior     *GaussianFluxPrior
	RedshiftPrior *RedshiftPrior

	Background     BackgroundPrior
	ConfPriorSigma float64
	Kernel         *Kernel

	// Set by BuildPointingMatrix. PixelValues and PixelNoise are aligned with
	// the matrix rows; PixelIndex maps each row to its y*Width+x map index.
	Pointing    *PointingMatrix
	PixelValues []float64
	PixelNoise  []float64
	PixelIndex  []int

	// Source pixel positions, parallel to RA/Dec.
	sx, sy []float64

	regions []Region
	frozen  bool
	logger  *zap.Logger
}

// NewSourcePrior copies a catalogue into a prior for one band. IDs must be
// unique; missing IDs default to "1".."n", missing flux bounds to [DefaultFluxLower,
// DefaultFluxUpper] and missing stacked flags to false.
func NewSourcePrior(band string, bandIndex int, m *MapContext, cat *Catalogue, logger *zap.Logger) (*SourcePrior, error) {
	if m == nil {
		return nil, fmt.Errorf("band %s: nil map context", band)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := cat.Len()
	p := &SourcePrior{
		Band:           band,
		BandIndex:      bandIndex,
		Map:            m,
		RA:             append([]float64(nil), cat.RA...),
		Dec:            append([]float64(nil), cat.Dec...),
		ConfPriorSigma: DefaultConfPriorSigma,
		logger:         logger.With(zap.String("band", band)),
	}
	if cat.ID != nil {
		p.ID = append([]string(nil), cat.ID...)
	} else {
		p.ID = make([]string, n)
		for i := range p.ID {
			p.ID[i] = strconv.Itoa(i + 1)
		}
	}
	p.FluxLower = copyOrFill(cat.FluxLower, n, DefaultFluxLower)
	p.FluxUpper = copyOrFill(cat.FluxUpper, n, DefaultFluxUpper)
	if cat.Stacked != nil {
		p.Stacked = append([]bool(nil), cat.Stacked...)
	} else {
		p.Stacked = make([]bool, n)
	}
	if err := p.checkParallel(); err != nil {
		return nil, fmt.Errorf("band %s: %w", band, err)
	}
	if err := checkUniqueIDs(p.ID); err != nil {
		return nil, fmt.Errorf("band %s: %w", band, err)
	}
	p.recount()
	return p, nil
}

func copyOrFill(src []float64, n int, fill float64) []float64 {
	if src != nil {
		return append([]float64(nil), src...)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = fill
	}
	return out
}

// checkParallel verifies every per-source array has the length of RA.
func (p *SourcePrior) checkParallel() error {
	n := len(p.RA)
	lengths := []struct {
		name string
		got  int
	}{
		{"dec", len(p.Dec)},
		{"id", len(p.ID)},
		{"flux lower bound", len(p.FluxLower)},
		{"flux upper bound", len(p.FluxUpper)},
		{"stacked flag", len(p.Stacked)},
	}
	for _, l := range lengths {
		if l.got != n {
			return shapeError(l.name, n, l.got)
		}
	}
	if p.FluxPrior != nil {
		if len(p.FluxPrior.Mean) != n {
			return shapeError("flux prior mean", n, len(p.FluxPrior.Mean))
		}
		if len(p.FluxPrior.Sigma) != n {
			return shapeError("flux prior sigma", n, len(p.FluxPrior.Sigma))
		}
	}
	if p.RedshiftPrior != nil {
		if len(p.RedshiftPrior.Median) != n {
			return shapeError("redshift prior median", n, len(p.RedshiftPrior.Median))
		}
		if len(p.RedshiftPrior.Sigma) != n {
			return shapeError("redshift prior sigma", n, len(p.RedshiftPrior.Sigma))
		}
	}
	if p.sx != nil && (len(p.sx) != n || len(p.sy) != n) {
		return shapeError("source pixel positions", n, len(p.sx))
	}
	return nil
}

func (p *SourcePrior) recount() {
	p.NSrc = len(p.RA)
	p.NStack = 0
	for _, s := range p.Stacked {
		if s {
			p.NStack++
		}
	}
}

// Frozen reports whether the pointing matrix has been built.
func (p *SourcePrior) Frozen() bool { return p.frozen }

// Regions returns the coverage regions applied so far.
func (p *SourcePrior) Regions() []Region { return p.regions }

// SourcePixel returns the pixel position of source i.
func (p *SourcePrior) SourcePixel(i int) (float64, float64) {
	p.project()
	return p.sx[i], p.sy[i]
}

func (p *SourcePrior) project() {
	if p.sx != nil && len(p.sx) == len(p.RA) {
		return
	}
	p.sx = make([]float64, len(p.RA))
	p.sy = make([]float64, len(p.RA))
	for i := range p.RA {
		p.sx[i], p.sy[i] = p.Map.Projection.WorldToPixel(p.RA[i], p.Dec[i])
	}
}

// ApplyCoverageCut keeps the sources lying inside the intersection of the
// given regions and inside a finite map and noise pixel, filtering every
// per-source array in step. Regions are remembered and also restrict the
// pixels used by BuildPointingMatrix.
func (p *SourcePrior) ApplyCoverageCut(regions ...Region) error {
	if p.frozen {
		return ErrFrozen
	}
	if err := p.checkParallel(); err != nil {
		return fmt.Errorf("band %s coverage cut: %w", p.Band, err)
	}
	p.project()
	before := len(p.RA)
	inside := Intersect(regions...)

	keep := make([]int, 0, before)
	for i := range p.RA {
		if !inside.Contains(p.RA[i], p.Dec[i]) {
			continue
		}
		x, y := int(math.Round(p.sx[i])), int(math.Round(p.sy[i]))
		if !p.Map.Finite(x, y) {
			continue
		}
		keep = append(keep, i)
	}

	p.keep(keep)
	for _, r := range regions {
		if r != nil {
			p.regions = append(p.regions, r)
		}
	}

	p.logger.Debug("coverage cut",
		zap.Int("before", before),
		zap.Int("nsrc", p.NSrc),
		zap.Int("nstack", p.NStack),
	)
	if p.NSrc == 0 {
		return &CoverageError{Band: p.Band, Before: before}
	}
	return nil
}

// keep retains the sources at the given positions in every per-source array.
func (p *SourcePrior) keep(keep []int) {
	p.RA = filterSlice(p.RA, keep)
	p.Dec = filterSlice(p.Dec, keep)
	p.ID = filterSlice(p.ID, keep)
	p.FluxLower = filterSlice(p.FluxLower, keep)
	p.FluxUpper = filterSlice(p.FluxUpper, keep)
	p.Stacked = filterSlice(p.Stacked, keep)
	if p.sx != nil {
		p.sx = filterSlice(p.sx, keep)
		p.sy = filterSlice(p.sy, keep)
	}
	if p.FluxPrior != nil {
		p.FluxPrior.Mean = filterSlice(p.FluxPrior.Mean, keep)
		p.FluxPrior.Sigma = filterSlice(p.FluxPrior.Sigma, keep)
	}
	if p.RedshiftPrior != nil {
		p.RedshiftPrior.Median = filterSlice(p.RedshiftPrior.Median, keep)
		p.RedshiftPrior.Sigma = filterSlice(p.RedshiftPrior.Sigma, keep)
	}
	p.recount()
}

// AlignSources restricts every prior to the sources present in all of them,
// in the order of the first prior. Multi-band fits need the same source list
// in each band. A single prior is left unchanged.
func AlignSources(priors []*SourcePrior) error {
	if len(priors) == 0 {
		return nil
	}
	if len(priors) == 1 {
		if priors[0].frozen {
			return ErrFrozen
		}
		return nil
	}
	count := make(map[string]int)
	for _, p := range priors {
		if p.frozen {
			return ErrFrozen
		}
		for _, id := range p.ID {
			count[id]++
		}
	}
	order := make(map[string]int)
	for _, id := range priors[0].ID {
		if count[id] == len(priors) {
			order[id] = len(order)
		}
	}
	for _, p := range priors {
		before := p.NSrc
		idx := make([]int, len(order))
		for i, id := range p.ID {
			if pos, ok := order[id]; ok {
				idx[pos] = i
			}
		}
		p.keep(idx)
		if p.NSrc == 0 {
			return &CoverageError{Band: p.Band, Before: before}
		}
	}
	return nil
}

func filterSlice[T any](s []T, keep []int) []T {
	out := make([]T, len(keep))
	for i, k := range keep {
		out[i] = s[k]
	}
	return out
}

// AssignKernel stores a response table and its offset grids for the pointing
// matrix.
func (p *SourcePrior) AssignKernel(table, xOffsets, yOffsets []float64) error {
	k, err := NewKernel(table, xOffsets, yOffsets)
	if err != nil {
		return fmt.Errorf("band %s: %w", p.Band, err)
	}
	return p.SetKernel(k)
}

// SetKernel stores an already validated kernel.
func (p *SourcePrior) SetKernel(k *Kernel) error {
	if p.frozen {
		return ErrFrozen
	}
	p.Kernel = k
	return nil
}

func (p *SourcePrior) SetBackgroundPrior(mean, sigma float64) error {
	if p.frozen {
		return ErrFrozen
	}
	if sigma <= 0 {
		return fmt.Errorf("band %s: background prior sigma must be positive", p.Band)
	}
	p.Background = BackgroundPrior{Mean: mean, Sigma: sigma}
	return nil
}

func (p *SourcePrior) SetConfusionPriorSigma(sigma float64) error {
	if p.frozen {
		return ErrFrozen
	}
	if sigma <= 0 {
		return fmt.Errorf("band %s: confusion prior sigma must be positive", p.Band)
	}
	p.ConfPriorSigma = sigma
	return nil
}

// SetGaussianFluxPrior replaces the flat flux bounds with per-source Gaussian
// priors.
func (p *SourcePrior) SetGaussianFluxPrior(mean, sigma []float64) error {
	if p.frozen {
		return ErrFrozen
	}
	if len(mean) != p.NSrc {
		return shapeError("flux prior mean", p.NSrc, len(mean))
	}
	if len(sigma) != p.NSrc {
		return shapeError("flux prior sigma", p.NSrc, len(sigma))
	}
	p.FluxPrior = &GaussianFluxPrior{
		Mean:  append([]float64(nil), mean...),
		Sigma: append([]float64(nil), sigma...),
	}
	return nil
}

func (p *SourcePrior) SetRedshiftPrior(median, sigma []float64) error {
	if p.frozen {
		return ErrFrozen
	}
	if len(median) != p.NSrc {
		return shapeError("redshift prior median", p.NSrc, len(median))
	}
	if len(sigma) != p.NSrc {
		return shapeError("redshift prior sigma", p.NSrc, len(sigma))
	}
	p.RedshiftPrior = &RedshiftPrior{
		Median: append([]float64(nil), median...),
		Sigma:  append([]float64(nil), sigma...),
	}
	return nil
}
