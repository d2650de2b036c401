package photdeblend

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewSourcePriorDefaults(t *testing.T) {
	m := testMap(t, 10, 10, 0, 1)
	p, err := NewSourcePrior("250", 0, m, catalogueAt(m, []float64{1, 2, 3}, []float64{1, 2, 3}), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, p.NSrc)
	assert.Equal(t, 0, p.NStack)
	assert.Equal(t, []string{"1", "2", "3"}, p.ID)
	assert.Equal(t, []float64{0, 0, 0}, p.FluxLower)
	assert.Equal(t, []float64{1000, 1000, 1000}, p.FluxUpper)
	assert.Equal(t, DefaultConfPriorSigma, p.ConfPriorSigma)
	assert.Nil(t, p.FluxPrior)
	assert.Nil(t, p.RedshiftPrior)
}

func TestNewSourcePriorRejectsMismatchedCatalogue(t *testing.T) {
	m := testMap(t, 10, 10, 0, 1)
	cat := catalogueAt(m, []float64{1, 2, 3}, []float64{1, 2, 3})
	cat.ID = []string{"a", "b"}
	_, err := NewSourcePrior("250", 0, m, cat, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataShape)
}

func TestNewSourcePriorRejectsDuplicateIDs(t *testing.T) {
	m := testMap(t, 20, 20, 0, 1)
	cat := catalogueAt(m, []float64{3, 10, 16}, []float64{3, 10, 16})
	cat.ID = []string{"a", "a", "b"}
	_, err := NewSourcePrior("250", 0, m, cat, nil)
	require.ErrorIs(t, err, ErrDuplicateID)
	var dup *DuplicateIDError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "a", dup.ID)
	assert.Equal(t, 0, dup.First)
	assert.Equal(t, 1, dup.Next)

	cat.ID = []string{"", "", "b"}
	_, err = NewSourcePrior("250", 0, m, cat, nil)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestApplyCoverageCutRemovesOutsideSources(t *testing.T) {
	m := testMap(t, 10, 10, 0, 1)
	xs := []float64{2, 3, 2, 8, 7}
	ys := []float64{2, 2, 4, 8, 1}
	cat := catalogueAt(m, xs, ys)
	cat.ID = []string{"a", "b", "c", "d", "e"}
	cat.Stacked = []bool{false, true, false, true, false}
	p, err := NewSourcePrior("250", 0, m, cat, zaptest.NewLogger(t))
	require.NoError(t, err)

	cra, cdec := m.Projection.PixelToWorld(2, 2)
	region := Cone{RA: cra, Dec: cdec, Radius: 2.5 * arcsec}
	require.NoError(t, p.ApplyCoverageCut(region))

	assert.Equal(t, []string{"a", "b", "c"}, p.ID)
	assert.Equal(t, 3, p.NSrc)
	assert.Equal(t, 1, p.NStack)
	for _, n := range []int{len(p.RA), len(p.Dec), len(p.FluxLower), len(p.FluxUpper), len(p.Stacked)} {
		assert.Equal(t, p.NSrc, n)
	}
	for i := range p.RA {
		assert.True(t, region.Contains(p.RA[i], p.Dec[i]))
	}
	for i := range cat.RA {
		if !region.Contains(cat.RA[i], cat.Dec[i]) {
			assert.NotContains(t, p.ID, cat.ID[i])
		}
	}
}

func TestApplyCoverageCutIntersectsRegions(t *testing.T) {
	m := testMap(t, 10, 10, 0, 1)
	p := newTestPrior(t, m, []float64{1, 4, 8}, []float64{5, 5, 5})

	ra0, dec0 := m.Projection.PixelToWorld(0, 5)
	ra1, dec1 := m.Projection.PixelToWorld(9, 5)
	a := Cone{RA: ra0, Dec: dec0, Radius: 5 * arcsec}
	b := Cone{RA: ra1, Dec: dec1, Radius: 6 * arcsec}
	require.NoError(t, p.ApplyCoverageCut(a, b))

	assert.Equal(t, []string{"2"}, p.ID)
	assert.Len(t, p.Regions(), 2)
}

func TestApplyCoverageCutDropsSourcesOnNonFinitePixels(t *testing.T) {
	m := testMap(t, 6, 6, 0, 1)
	m.Image[2*6+2] = math.NaN()
	m.Noise[4*6+4] = math.Inf(1)
	m.Noise[1*6+4] = 0
	p := newTestPrior(t, m, []float64{2, 4, 4, 1}, []float64{2, 4, 1, 1})

	require.NoError(t, p.ApplyCoverageCut())
	assert.Equal(t, []string{"4"}, p.ID)
}

func TestApplyCoverageCutDropsOffMapSources(t *testing.T) {
	m := testMap(t, 6, 6, 0, 1)
	p := newTestPrior(t, m, []float64{-3, 2, 9}, []float64{2, 2, 2})

	require.NoError(t, p.ApplyCoverageCut())
	assert.Equal(t, []string{"2"}, p.ID)
}

func TestApplyCoverageCutNoSurvivors(t *testing.T) {
	m := testMap(t, 6, 6, 0, 1)
	p := newTestPrior(t, m, []float64{1, 2}, []float64{1, 2})

	ra, dec := m.Projection.PixelToWorld(100, 100)
	err := p.ApplyCoverageCut(Cone{RA: ra, Dec: dec, Radius: arcsec})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCoverage)

	var cerr *CoverageError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "250", cerr.Band)
	assert.Equal(t, 2, cerr.Before)
	assert.Equal(t, 0, p.NSrc)
}

func TestApplyCoverageCutShapeMismatch(t *testing.T) {
	m := testMap(t, 6, 6, 0, 1)
	p := newTestPrior(t, m, []float64{1, 2, 3}, []float64{1, 2, 3})
	p.FluxUpper = p.FluxUpper[:2]

	err := p.ApplyCoverageCut()
	require.Error(t, err)
	var serr *DataShapeError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 3, serr.Want)
	assert.Equal(t, 2, serr.Got)
	assert.Equal(t, 3, len(p.RA), "arrays must be untouched after a failed cut")
}

func TestApplyCoverageCutFiltersOptionalPriors(t *testing.T) {
	m := testMap(t, 6, 6, 0, 1)
	p := newTestPrior(t, m, []float64{1, 20, 3}, []float64{1, 2, 3})
	require.NoError(t, p.SetGaussianFluxPrior([]float64{1, 2, 3}, []float64{0.1, 0.2, 0.3}))
	require.NoError(t, p.SetRedshiftPrior([]float64{0.5, 1.5, 2.5}, []float64{0.1, 0.1, 0.1}))

	require.NoError(t, p.ApplyCoverageCut())
	assert.Equal(t, []float64{1, 3}, p.FluxPrior.Mean)
	assert.Equal(t, []float64{0.1, 0.3}, p.FluxPrior.Sigma)
	assert.Equal(t, []float64{0.5, 2.5}, p.RedshiftPrior.Median)
}

func TestSetGaussianFluxPriorChecksLength(t *testing.T) {
	m := testMap(t, 6, 6, 0, 1)
	p := newTestPrior(t, m, []float64{1, 2}, []float64{1, 2})
	err := p.SetGaussianFluxPrior([]float64{1}, []float64{1, 1})
	assert.ErrorIs(t, err, ErrDataShape)
}

func TestFrozenPriorRejectsMutation(t *testing.T) {
	m := testMap(t, 6, 6, 0, 1)
	p := newTestPrior(t, m, []float64{2}, []float64{2})
	require.NoError(t, p.SetKernel(singlePixelKernel(t)))
	_, err := p.BuildPointingMatrix()
	require.NoError(t, err)
	require.True(t, p.Frozen())

	assert.ErrorIs(t, p.ApplyCoverageCut(), ErrFrozen)
	assert.ErrorIs(t, p.SetBackgroundPrior(1, 1), ErrFrozen)
	assert.ErrorIs(t, p.SetConfusionPriorSigma(1), ErrFrozen)
	assert.ErrorIs(t, p.SetKernel(singlePixelKernel(t)), ErrFrozen)
	assert.ErrorIs(t, p.SetGaussianFluxPrior([]float64{1}, []float64{1}), ErrFrozen)
	assert.ErrorIs(t, p.SetRedshiftPrior([]float64{1}, []float64{1}), ErrFrozen)
	assert.ErrorIs(t, p.EstimateBackgroundPrior(NewKappaSigmaParams()), ErrFrozen)
}

func TestAlignSources(t *testing.T) {
	m := testMap(t, 6, 6, 0, 1)
	a := newTestPrior(t, m, []float64{1, 2, 3}, []float64{1, 2, 3})
	b := newTestPrior(t, m, []float64{3, 1, 2}, []float64{3, 1, 2})
	a.ID = []string{"x", "y", "z"}
	b.ID = []string{"z", "x", "w"}
	b.BandIndex = 1

	require.NoError(t, AlignSources([]*SourcePrior{a, b}))
	assert.Equal(t, []string{"x", "z"}, a.ID)
	assert.Equal(t, []string{"x", "z"}, b.ID)
	assert.Equal(t, a.RA, b.RA)
	assert.Equal(t, 2, b.NSrc)
}

func TestAlignSourcesSinglePriorKeepsEverySource(t *testing.T) {
	m := testMap(t, 6, 6, 0, 1)
	p := newTestPrior(t, m, []float64{1, 2, 3}, []float64{1, 2, 3})
	require.NoError(t, AlignSources([]*SourcePrior{p}))
	assert.Equal(t, []string{"1", "2", "3"}, p.ID)
	assert.Equal(t, 3, p.NSrc)
}

func TestAlignSourcesDisjoint(t *testing.T) {
	m := testMap(t, 6, 6, 0, 1)
	a := newTestPrior(t, m, []float64{1}, []float64{1})
	b := newTestPrior(t, m, []float64{2}, []float64{2})
	b.ID = []string{"other"}
	assert.ErrorIs(t, AlignSources([]*SourcePrior{a, b}), ErrCoverage)
}

func TestEstimateBackgroundPrior(t *testing.T) {
	const w, h = 40, 40
	m := testMap(t, w, h, 0, 1)
	noise := gaussianNoise(7, w*h, 2)
	for i := range m.Image {
		m.Image[i] = 5 + noise[i]
	}
	// A few bright sources and a masked pixel must not bias the estimate.
	m.Image[10*w+10] = 500
	m.Image[20*w+30] = 800
	m.Image[30*w+5] = math.NaN()

	p := newTestPrior(t, m, []float64{10}, []float64{10})
	require.NoError(t, p.EstimateBackgroundPrior(NewKappaSigmaParams()))
	assert.InDelta(t, 5, p.Background.Mean, 0.2)
	assert.InDelta(t, 2, p.Background.Sigma, 0.2)
}
