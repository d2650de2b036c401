package photdeblend

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// LinearGaussianSampler draws exactly from the Gaussian posterior of the
// linear flux model with known pixel noise. Flat flux bounds enter as a
// Gaussian of matching mean and variance and are not enforced, there is no
// confusion-noise term, and template fits are not supported. It is meant for
// quick-look fits and for validating the rest of the pipeline.
type LinearGaussianSampler struct {
	Chains int
	Draws  int
	Seed   uint64
	logger *zap.Logger
}

func NewLinearGaussianSampler(chains, draws int, seed uint64, logger *zap.Logger) *LinearGaussianSampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinearGaussianSampler{Chains: chains, Draws: draws, Seed: seed, logger: logger}
}

// ParameterNames returns the groups produced by Sample.
func (s *LinearGaussianSampler) ParameterNames() ParameterNames {
	return ParameterNames{Flux: "src_f", Background: "bkg"}
}

func (s *LinearGaussianSampler) Sample(ctx context.Context, in *SamplerInput) (SamplerResult, error) {
	if in.Templates != nil {
		return nil, fmt.Errorf("linear Gaussian sampler cannot fit templates")
	}
	if s.Chains < 1 || s.Draws < 1 {
		return nil, fmt.Errorf("linear Gaussian sampler needs at least one chain and draw")
	}
	nsrc, nb := in.NSrc, in.NBands()
	flux := make([][]float64, s.Chains)
	bkg := make([][]float64, s.Chains)
	for c := range flux {
		flux[c] = make([]float64, s.Draws*nsrc*nb)
		bkg[c] = make([]float64, s.Draws*nb)
	}

	for b := range in.Bands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		band := &in.Bands[b]
		mean, u, err := bandPosterior(band, nsrc)
		if err != nil {
			return nil, fmt.Errorf("band %s: %w", band.Band, err)
		}
		n := nsrc + 1
		z := mat.NewVecDense(n, nil)
		var x mat.VecDense
		for c := 0; c < s.Chains; c++ {
			rng := rand.New(rand.NewPCG(s.Seed, uint64(c*nb+b)))
			for d := 0; d < s.Draws; d++ {
				for i := 0; i < n; i++ {
					z.SetVec(i, rng.NormFloat64())
				}
				if err := x.SolveVec(u, z); err != nil {
					return nil, fmt.Errorf("band %s: %w", band.Band, err)
				}
				for src := 0; src < nsrc; src++ {
					flux[c][(d*nsrc+src)*nb+b] = mean.AtVec(src) + x.AtVec(src)
				}
				bkg[c][d*nb+b] = mean.AtVec(nsrc) + x.AtVec(nsrc)
			}
		}
		s.logger.Debug("sampled band", zap.String("band", band.Band), zap.Int("draws", s.Chains*s.Draws))
	}

	res := NewMemoryResult(0)
	if err := res.AddGroup("src_f", []int{nsrc, nb}, flux); err != nil {
		return nil, err
	}
	if err := res.AddGroup("bkg", []int{nb}, bkg); err != nil {
		return nil, err
	}
	return res, nil
}

// bandPosterior returns the posterior mean of (flux..., background) and the
// upper Cholesky factor U of the posterior precision, Q = UᵀU.
func bandPosterior(band *BandData, nsrc int) (*mat.VecDense, *mat.TriDense, error) {
	if band.Background.Sigma <= 0 {
		return nil, nil, fmt.Errorf("background prior sigma must be positive")
	}
	n := nsrc + 1
	q := make([]float64, n*n)
	rhs := make([]float64, n)
	pm := band.Pointing

	for r := 0; r < pm.NPix; r++ {
		w := 1 / (band.Noise[r] * band.Noise[r])
		cols, vals := pm.Row(r)
		y := band.Values[r]
		for i, ci := range cols {
			for j, cj := range cols {
				q[int(ci)*n+int(cj)] += w * vals[i] * vals[j]
			}
			q[int(ci)*n+nsrc] += w * vals[i]
			q[nsrc*n+int(ci)] += w * vals[i]
			rhs[ci] += w * vals[i] * y
		}
		q[nsrc*n+nsrc] += w
		rhs[nsrc] += w * y
	}

	for s := 0; s < nsrc; s++ {
		mu, sigma := fluxPriorMoments(band, s)
		q[s*n+s] += 1 / (sigma * sigma)
		rhs[s] += mu / (sigma * sigma)
	}
	bs := band.Background.Sigma
	q[nsrc*n+nsrc] += 1 / (bs * bs)
	rhs[nsrc] += band.Background.Mean / (bs * bs)

	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(n, q)); !ok {
		return nil, nil, fmt.Errorf("posterior precision is not positive definite")
	}
	var mean mat.VecDense
	if err := chol.SolveVecTo(&mean, mat.NewVecDense(n, rhs)); err != nil {
		return nil, nil, fmt.Errorf("solving posterior mean: %w", err)
	}
	var u mat.TriDense
	chol.UTo(&u)
	return &mean, &u, nil
}

func fluxPriorMoments(band *BandData, s int) (float64, float64) {
	if band.FluxPrior != nil {
		return band.FluxPrior.Mean[s], band.FluxPrior.Sigma[s]
	}
	lo, hi := band.FluxLower[s], band.FluxUpper[s]
	return (lo + hi) / 2, (hi - lo) / math.Sqrt(12)
}
