package cmdstan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"photdeblend/pkg/photdeblend"
)

const arcsec = 1.0 / 3600

// testPatch builds a 7x7 patch with sources a and b in every named band.
func testPatch(t *testing.T, bands ...string) *photdeblend.Patch {
	t.Helper()
	patch := &photdeblend.Patch{Name: "cmdstan"}
	for b, name := range bands {
		img := make([]float64, 49)
		noise := make([]float64, 49)
		for i := range img {
			img[i] = float64(i%7) + 0.5
			noise[i] = 0.5
		}
		proj, err := photdeblend.NewTanProjection(150, 2, 4, 4, [2][2]float64{{-arcsec, 0}, {0, arcsec}})
		require.NoError(t, err)
		m, err := photdeblend.NewMapContext(7, 7, img, noise, proj, 1)
		require.NoError(t, err)

		raA, decA := proj.PixelToWorld(2, 3)
		raB, decB := proj.PixelToWorld(4, 4)
		cat := &photdeblend.Catalogue{
			ID:        []string{"a", "b"},
			RA:        []float64{raA, raB},
			Dec:       []float64{decA, decB},
			FluxLower: []float64{0, 1},
			FluxUpper: []float64{100, 200},
		}
		p, err := photdeblend.NewSourcePrior(name, b, m, cat, nil)
		require.NoError(t, err)
		require.NoError(t, p.SetBackgroundPrior(0.5, float64(b+2)))
		k, err := photdeblend.NewGaussianPRF(2, 5, 1, 1)
		require.NoError(t, err)
		require.NoError(t, p.SetKernel(k))
		patch.Priors = append(patch.Priors, p)
	}
	return patch
}

func testInput(t *testing.T, bands ...string) *photdeblend.SamplerInput {
	t.Helper()
	in, err := photdeblend.PreparePatch(testPatch(t, bands...))
	require.NoError(t, err)
	return in
}

// chainCSV is CmdStan output for two sources in one band, with sampler
// columns, comments and array columns in CmdStan's first-index-fastest
// order.
const chainCSV = `# stan_version_major = 2
# model = xid_single_band
# method = sample (Default)
lp__,accept_stat__,stepsize__,treedepth__,n_leapfrog__,divergent__,energy__,src_f.1.1,src_f.2.1,bkg.1,sigma_conf.1
# Adaptation terminated
# Step size = 0.41
-10.5,0.9,0.41,3,7,0,12.1,10.1,20.3,0.51,0.11
-11.2,0.8,0.41,4,15,1,13.4,9.7,19.8,0.48,0.09
-10.9,0.95,0.41,3,7,0,11.8,10.4,20.9,0.52,0.12
-10.1,0.85,0.41,10,1023,0,12.6,9.9,20.1,0.49,0.10
-10.7,0.9,0.41,3,7,0,12.0,10.0,19.6,0.50,0.13
-11.0,0.92,0.41,2,3,0,12.9,10.3,20.4,0.47,0.08
-10.4,0.88,0.41,3,7,0,12.2,9.8,20.0,0.53,0.11
-10.8,0.91,0.41,3,7,0,11.9,10.2,19.9,0.51,0.10
#
#  Elapsed Time: 0.01 seconds (Warm-up)
#                0.02 seconds (Sampling)
`
