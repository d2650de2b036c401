package photdeblend

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const arcsec = 1.0 / 3600

// testProjection is a 1"/pixel TAN projection centred on the map.
func testProjection(t *testing.T, width, height int) *TanProjection {
	t.Helper()
	proj, err := NewTanProjection(150, 2, float64(width+1)/2, float64(height+1)/2,
		[2][2]float64{{-arcsec, 0}, {0, arcsec}})
	require.NoError(t, err)
	return proj
}

// testMap returns a map filled with value and uniform noise.
func testMap(t *testing.T, width, height int, value, noise float64) *MapContext {
	t.Helper()
	img := make([]float64, width*height)
	sig := make([]float64, width*height)
	for i := range img {
		img[i] = value
		sig[i] = noise
	}
	m, err := NewMapContext(width, height, img, sig, testProjection(t, width, height), 1)
	require.NoError(t, err)
	return m
}

// catalogueAt places sources at the given pixel positions of m.
func catalogueAt(m *MapContext, xs, ys []float64) *Catalogue {
	cat := &Catalogue{Name: "test"}
	for i := range xs {
		ra, dec := m.Projection.PixelToWorld(xs[i], ys[i])
		cat.RA = append(cat.RA, ra)
		cat.Dec = append(cat.Dec, dec)
	}
	return cat
}

func newTestPrior(t *testing.T, m *MapContext, xs, ys []float64) *SourcePrior {
	t.Helper()
	p, err := NewSourcePrior("250", 0, m, catalogueAt(m, xs, ys), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, p.SetBackgroundPrior(0, 1))
	return p
}

// singlePixelKernel responds only inside the pixel holding the source.
func singlePixelKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := NewKernel([]float64{1}, []float64{0}, []float64{0})
	require.NoError(t, err)
	return k
}

// linearKernel samples (10+dx)(10+dy) on a 5x5 grid, which bilinear
// interpolation reproduces exactly.
func linearKernel(t *testing.T) *Kernel {
	t.Helper()
	offs := []float64{-2, -1, 0, 1, 2}
	table := make([]float64, 25)
	for j, dy := range offs {
		for i, dx := range offs {
			table[j*5+i] = linearKernelValue(dx, dy) * 144
		}
	}
	k, err := NewKernel(table, offs, offs)
	require.NoError(t, err)
	return k
}

func linearKernelValue(dx, dy float64) float64 {
	return (10 + dx) * (10 + dy) / 144
}

func gaussianNoise(seed uint64, n int, sigma float64) []float64 {
	rng := newTestRand(seed)
	out := make([]float64, n)
	for i := range out {
		out[i] = sigma * rng.NormFloat64()
	}
	return out
}

func nearlyEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func newTestRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// syntheticMap renders point sources of the given fluxes through k onto a
// map of uniform noise sigma, plus Gaussian noise.
func syntheticMap(t *testing.T, width, height int, xs, ys, flux []float64, k *Kernel, bkg, sigma float64, seed uint64) *MapContext {
	t.Helper()
	m := testMap(t, width, height, bkg, sigma)
	hx, hy := k.HalfExtent()
	for s := range xs {
		for y := int(math.Floor(ys[s] - hy)); y <= int(math.Ceil(ys[s]+hy)); y++ {
			for x := int(math.Floor(xs[s] - hx)); x <= int(math.Ceil(xs[s]+hx)); x++ {
				if x < 0 || y < 0 || x >= width || y >= height {
					continue
				}
				m.Image[y*width+x] += flux[s] * k.Eval(float64(x)-xs[s], float64(y)-ys[s])
			}
		}
	}
	for i, n := range gaussianNoise(seed, width*height, sigma) {
		m.Image[i] += n
	}
	return m
}

// fitExact prepares the priors and draws from the exact linear-Gaussian
// posterior.
func fitExact(t *testing.T, priors []*SourcePrior, chains, draws int, seed uint64) (*PosteriorSample, *Diagnostics) {
	t.Helper()
	in, err := PreparePatch(&Patch{Name: "test", Priors: priors})
	require.NoError(t, err)
	s := NewLinearGaussianSampler(chains, draws, seed, zaptest.NewLogger(t))
	raw, err := s.Sample(context.Background(), in)
	require.NoError(t, err)

	opts := NewIngestOptions()
	opts.Names = s.ParameterNames()
	ing, err := Ingest(raw, in.NSrc, in.NBands(), opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	post, err := ing.Posterior()
	require.NoError(t, err)
	diag, err := ing.Diagnostics()
	require.NoError(t, err)
	return post, diag
}
