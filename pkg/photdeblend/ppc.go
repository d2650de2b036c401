package photdeblend

import (
	"fmt"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
)

// ReplicatedMaps holds the noise-free model map of every posterior draw for
// one band, (draw, pixel) over the band's valid pixels.
type ReplicatedMaps struct {
	Band      string
	BandIndex int
	NDraws    int
	NPix      int
	Values    []float64
}

// Draw returns the model map of draw d.
func (r *ReplicatedMaps) Draw(d int) []float64 {
	return r.Values[d*r.NPix : (d+1)*r.NPix]
}

// Checker runs posterior-predictive checks. Replicate noise is drawn from a
// generator seeded per band, so results are reproducible for a given seed.
type Checker struct {
	seed   uint64
	logger *zap.Logger
}

func NewChecker(seed uint64, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{seed: seed, logger: logger}
}

func checkAligned(prior *SourcePrior, post *PosteriorSample) error {
	if prior.Pointing == nil {
		return fmt.Errorf("band %s: pointing matrix not built", prior.Band)
	}
	if prior.Pointing.BandIndex != prior.BandIndex {
		return fmt.Errorf("band %s pointing matrix belongs to band %d: %w", prior.Band, prior.Pointing.BandIndex, ErrBandMismatch)
	}
	if prior.BandIndex < 0 || prior.BandIndex >= post.NBands {
		return fmt.Errorf("band %s index %d outside posterior with %d bands: %w", prior.Band, prior.BandIndex, post.NBands, ErrBandMismatch)
	}
	if prior.NSrc != post.NSrc {
		return shapeError("band "+prior.Band+" posterior sources", prior.NSrc, post.NSrc)
	}
	return nil
}

// ReplicateMaps computes pm·flux[d] + bkg[d] for every draw of the prior's
// band.
func (c *Checker) ReplicateMaps(prior *SourcePrior, post *PosteriorSample) (*ReplicatedMaps, error) {
	if err := checkAligned(prior, post); err != nil {
		return nil, err
	}
	pm := prior.Pointing
	b := prior.BandIndex
	rep := &ReplicatedMaps{
		Band:      prior.Band,
		BandIndex: b,
		NDraws:    post.NDraws,
		NPix:      pm.NPix,
		Values:    make([]float64, post.NDraws*pm.NPix),
	}
	for d := 0; d < post.NDraws; d++ {
		if _, err := pm.MulVec(rep.Draw(d), post.FluxDraw(d, b), post.Background[d*post.NBands+b]); err != nil {
			return nil, err
		}
	}
	c.logger.Debug("replicated maps",
		zap.String("band", prior.Band),
		zap.Int("ndraws", rep.NDraws),
		zap.Int("npix", rep.NPix),
	)
	return rep, nil
}

// BayesPValues returns, per source, the fraction of draws whose replicate
// discrepancy exceeds the observed one. The discrepancy is the sum of squared
// standardized residuals over the source's pixels, weighted by its pointing
// matrix column. Replicate data are the draw's model map plus Gaussian noise
// with variance σ²pix + σ²conf. Sources without pixels get NaN.
func (c *Checker) BayesPValues(prior *SourcePrior, rep *ReplicatedMaps, post *PosteriorSample) ([]float64, error) {
	if err := checkAligned(prior, post); err != nil {
		return nil, err
	}
	if rep.BandIndex != prior.BandIndex {
		return nil, fmt.Errorf("replicated maps of band %d paired with prior of band %d: %w", rep.BandIndex, prior.BandIndex, ErrBandMismatch)
	}
	pm := prior.Pointing
	if rep.NPix != pm.NPix {
		return nil, shapeError("replicated map pixels", pm.NPix, rep.NPix)
	}
	if rep.NDraws != post.NDraws {
		return nil, shapeError("replicated map draws", post.NDraws, rep.NDraws)
	}

	b := prior.BandIndex
	rng := rand.New(rand.NewPCG(c.seed, uint64(b)))
	conf := post.BandConfusion(b)
	exceed := make([]int, pm.NSrc)
	obs := make([]float64, pm.NSrc)
	sim := make([]float64, pm.NSrc)
	stdObs := make([]float64, pm.NPix)
	stdRep := make([]float64, pm.NPix)

	for d := 0; d < rep.NDraws; d++ {
		model := rep.Draw(d)
		sc := 0.0
		if conf != nil {
			sc = conf[d]
		}
		for i := 0; i < pm.NPix; i++ {
			sigma := math.Sqrt(prior.PixelNoise[i]*prior.PixelNoise[i] + sc*sc)
			r := (prior.PixelValues[i] - model[i]) / sigma
			stdObs[i] = r * r
			z := rng.NormFloat64()
			stdRep[i] = z * z
		}
		clear(obs)
		clear(sim)
		for k, v := range pm.Vals {
			s, r := pm.Cols[k], pm.Rows[k]
			obs[s] += v * stdObs[r]
			sim[s] += v * stdRep[r]
		}
		for s := range exceed {
			if sim[s] > obs[s] {
				exceed[s]++
			}
		}
	}

	colSums := pm.ColumnSums()
	pvals := make([]float64, pm.NSrc)
	for s := range pvals {
		if colSums[s] == 0 || rep.NDraws == 0 {
			pvals[s] = math.NaN()
			continue
		}
		pvals[s] = float64(exceed[s]) / float64(rep.NDraws)
	}
	return pvals, nil
}

// Check replicates the band's maps and returns its per-source p-values.
func (c *Checker) Check(prior *SourcePrior, post *PosteriorSample) ([]float64, error) {
	rep, err := c.ReplicateMaps(prior, post)
	if err != nil {
		return nil, err
	}
	return c.BayesPValues(prior, rep, post)
}
