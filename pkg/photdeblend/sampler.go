package photdeblend

import (
	"context"
	"fmt"
)

// BandData is the per-band part of the sampler data contract.
type BandData struct {
	Band       string
	BandIndex  int
	NPix       int
	Values     []float64
	Noise      []float64
	Pointing   *PointingMatrix
	FluxLower  []float64
	FluxUpper  []float64
	FluxPrior  *GaussianFluxPrior
	Background BackgroundPrior
	ConfPrior  float64
}

// TemplateCube is a spectral template library sampled as
// (template, band, redshift), row-major.
type TemplateCube struct {
	NTemplates int
	NBands     int
	NRedshift  int
	Values     []float64
}

// At returns the template value for (template, band, redshift).
func (t *TemplateCube) At(tmpl, band, z int) float64 {
	return t.Values[(tmpl*t.NBands+band)*t.NRedshift+z]
}

func (t *TemplateCube) validate(nbands int) error {
	if t.NBands != nbands {
		return shapeError("template cube bands", nbands, t.NBands)
	}
	if want := t.NTemplates * t.NBands * t.NRedshift; len(t.Values) != want {
		return shapeError("template cube values", want, len(t.Values))
	}
	return nil
}

// SamplerInput is everything handed to a sampler for one patch. Bands are in
// prior order; the position of a band in Bands is its band index.
type SamplerInput struct {
	NSrc      int
	IDs       []string
	Bands     []BandData
	Templates *TemplateCube
	Redshift  *RedshiftPrior
}

// BuildSamplerInput assembles the outbound data contract from frozen priors.
// Every prior must describe the same sources in the same order and carry the
// band index equal to its position.
func BuildSamplerInput(priors []*SourcePrior, templates *TemplateCube) (*SamplerInput, error) {
	if len(priors) == 0 {
		return nil, fmt.Errorf("no band priors")
	}
	nsrc := priors[0].NSrc
	in := &SamplerInput{NSrc: nsrc, IDs: priors[0].ID, Templates: templates}
	for i, p := range priors {
		if p.BandIndex != i {
			return nil, fmt.Errorf("prior %s at position %d has band index %d: %w", p.Band, i, p.BandIndex, ErrBandMismatch)
		}
		if p.Pointing == nil {
			return nil, fmt.Errorf("band %s: pointing matrix not built", p.Band)
		}
		if p.NSrc != nsrc {
			return nil, shapeError("band "+p.Band+" sources", nsrc, p.NSrc)
		}
		if p.Pointing.BandIndex != p.BandIndex {
			return nil, fmt.Errorf("band %s pointing matrix: %w", p.Band, ErrBandMismatch)
		}
		for s := range p.ID {
			if p.ID[s] != in.IDs[s] {
				return nil, fmt.Errorf("band %s source %d is %q, want %q", p.Band, s, p.ID[s], in.IDs[s])
			}
		}
		in.Bands = append(in.Bands, BandData{
			Band:       p.Band,
			BandIndex:  p.BandIndex,
			NPix:       p.Pointing.NPix,
			Values:     p.PixelValues,
			Noise:      p.PixelNoise,
			Pointing:   p.Pointing,
			FluxLower:  p.FluxLower,
			FluxUpper:  p.FluxUpper,
			FluxPrior:  p.FluxPrior,
			Background: p.Background,
			ConfPrior:  p.ConfPriorSigma,
		})
		if p.RedshiftPrior != nil && in.Redshift == nil {
			in.Redshift = p.RedshiftPrior
		}
	}
	if templates != nil {
		if err := templates.validate(len(priors)); err != nil {
			return nil, err
		}
		if in.Redshift == nil {
			return nil, fmt.Errorf("template fit requires a redshift prior")
		}
	}
	return in, nil
}

// NBands returns the number of bands in the fit.
func (in *SamplerInput) NBands() int { return len(in.Bands) }

// Sampler draws from the posterior of a patch. Sample blocks until the sampler
// finishes; failures are returned unchanged and never retried.
type Sampler interface {
	Sample(ctx context.Context, in *SamplerInput) (SamplerResult, error)
}

// GroupDraws holds the draws of one parameter group. Shape is the per-draw
// shape in the sampler's own layout; each chain is row-major
// (draw, element...).
type GroupDraws struct {
	Name   string
	Shape  []int
	Chains [][]float64
}

// Size returns the number of scalar elements per draw.
func (g *GroupDraws) Size() int {
	n := 1
	for _, s := range g.Shape {
		n *= s
	}
	return n
}

// NDraws returns the total draw count across chains.
func (g *GroupDraws) NDraws() int {
	size := g.Size()
	if size == 0 {
		return 0
	}
	n := 0
	for _, c := range g.Chains {
		n += len(c) / size
	}
	return n
}

// Flatten concatenates all chains into one (draw, element...) array.
func (g *GroupDraws) Flatten() []float64 {
	total := 0
	for _, c := range g.Chains {
		total += len(c)
	}
	out := make([]float64, 0, total)
	for _, c := range g.Chains {
		out = append(out, c...)
	}
	return out
}

// Element returns the per-chain trace of element e.
func (g *GroupDraws) Element(e int) [][]float64 {
	size := g.Size()
	out := make([][]float64, len(g.Chains))
	for i, c := range g.Chains {
		n := len(c) / size
		trace := make([]float64, n)
		for d := 0; d < n; d++ {
			trace[d] = c[d*size+e]
		}
		out[i] = trace
	}
	return out
}

// SummaryRow is one scalar parameter's posterior summary.
type SummaryRow struct {
	Name  string
	Index []int
	Mean  float64
	SD    float64
	Q5    float64
	Q50   float64
	Q95   float64
	Rhat  float64
	ESS   float64
}

// ChainTransitions carries per-iteration sampler diagnostics for one chain.
// Fields a sampler does not produce are nil.
type ChainTransitions struct {
	Divergent []bool
	TreeDepth []int
	Energy    []float64
}

// SamplerResult is the inbound data contract. Summary rows for a group are
// returned in row-major order of the group's shape.
type SamplerResult interface {
	Draws(group string) (*GroupDraws, error)
	Summary(group string) ([]SummaryRow, error)
	Transitions() ([]ChainTransitions, error)
	// MaxTreeDepth is the configured tree-depth limit, or 0 when the sampler
	// has none.
	MaxTreeDepth() int
}
