package photdeblend

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

type failingSampler struct {
	err   error
	calls atomic.Int32
}

func (f *failingSampler) Sample(context.Context, *SamplerInput) (SamplerResult, error) {
	f.calls.Add(1)
	return nil, f.err
}

func testPatch(t *testing.T, name string, seed uint64, xs, ys, flux []float64) *Patch {
	t.Helper()
	k, err := NewGaussianPRF(3, 9, 1, 1)
	require.NoError(t, err)
	m := syntheticMap(t, 24, 24, xs, ys, flux, k, 0, 1, seed)
	p := newTestPrior(t, m, xs, ys)
	require.NoError(t, p.SetKernel(k))
	return &Patch{Name: name, Priors: []*SourcePrior{p}}
}

func testPipeline(t *testing.T, workers int) *Pipeline {
	t.Helper()
	s := NewLinearGaussianSampler(2, 500, 3, zaptest.NewLogger(t))
	opts := NewPipelineOptions()
	opts.Ingest.Names = s.ParameterNames()
	opts.Assembler.Percentiles = [3]float64{0.1, 50, 99.9}
	opts.Workers = workers
	return NewPipeline(s, opts, zaptest.NewLogger(t))
}

func TestFitPatchEndToEnd(t *testing.T) {
	xs := []float64{4, 12, 19, 8}
	ys := []float64{5, 6, 12, 18}
	truth := []float64{10, 25, 40, 5}
	patch := testPatch(t, "p0", 61, xs, ys, truth)

	res := testPipeline(t, 1).FitPatch(context.Background(), patch)
	require.NoError(t, res.Err)
	assert.Equal(t, PatchFitted, res.State)
	require.NotNil(t, res.Catalogue)
	require.Len(t, res.Catalogue.Records, len(truth))
	require.Len(t, res.PValues, 1)
	assert.Equal(t, StateReady, res.Ingestion.State())

	for s, rec := range res.Catalogue.Records {
		f := rec.Bands[0].Flux
		assert.True(t, f.Lower <= truth[s] && truth[s] <= f.Upper, "source %s: %v not in %v", rec.ID, truth[s], f)
		assert.False(t, math.IsNaN(rec.Bands[0].PValue))
		assert.True(t, math.IsNaN(rec.Bands[0].ConfusionNoise))
	}
	assert.Equal(t, "p0", res.Catalogue.Provenance.Patch)
}

func TestFitPatchSamplerFailureIsNotRetried(t *testing.T) {
	sentinel := errors.New("sampler exited with status 70")
	s := &failingSampler{err: sentinel}
	pl := NewPipeline(s, NewPipelineOptions(), zaptest.NewLogger(t))

	res := pl.FitPatch(context.Background(), testPatch(t, "p1", 62, []float64{10}, []float64{10}, []float64{10}))
	assert.Equal(t, PatchFailed, res.State)
	assert.Nil(t, res.Catalogue)
	assert.ErrorIs(t, res.Err, sentinel)

	var perr *PatchError
	require.True(t, errors.As(res.Err, &perr))
	assert.Equal(t, StageSampler, perr.Stage)
	assert.Same(t, sentinel, perr.Err)
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestFitPatchesIsolatesFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	good := testPatch(t, "good", 63, []float64{6, 16}, []float64{8, 14}, []float64{20, 30})
	// Every source of this patch lies off the map.
	bad := testPatch(t, "bad", 64, []float64{10}, []float64{10}, []float64{10})
	bad.Priors[0].RA[0], bad.Priors[0].Dec[0] = bad.Priors[0].Map.Projection.PixelToWorld(500, 500)
	other := testPatch(t, "other", 65, []float64{12}, []float64{12}, []float64{15})

	results := testPipeline(t, 2).FitPatches(context.Background(), []*Patch{good, bad, other})
	require.Len(t, results, 3)

	assert.Equal(t, "good", results[0].Patch)
	assert.Equal(t, PatchFitted, results[0].State)
	assert.Equal(t, PatchFitted, results[2].State)

	assert.Equal(t, PatchFailed, results[1].State)
	assert.Nil(t, results[1].Catalogue)
	assert.ErrorIs(t, results[1].Err, ErrCoverage)
	var perr *PatchError
	require.True(t, errors.As(results[1].Err, &perr))
	assert.Equal(t, StagePrior, perr.Stage)
	assert.Equal(t, "bad", perr.Patch)
}

func TestPreparePatchAppliesRegions(t *testing.T) {
	patch := testPatch(t, "r", 66, []float64{5, 18}, []float64{5, 18}, []float64{10, 10})
	m := patch.Priors[0].Map
	ra, dec := m.Projection.PixelToWorld(5, 5)
	patch.Regions = []Region{Cone{RA: ra, Dec: dec, Radius: 6 * arcsec}}

	in, err := PreparePatch(patch)
	require.NoError(t, err)
	assert.Equal(t, 1, in.NSrc)
	assert.Equal(t, []string{"1"}, in.IDs)
	assert.Less(t, in.Bands[0].NPix, m.Width*m.Height)
}

func TestBuildSamplerInputChecksBands(t *testing.T) {
	a := testPatch(t, "a", 67, []float64{10}, []float64{10}, []float64{10}).Priors[0]
	b := testPatch(t, "b", 68, []float64{10}, []float64{10}, []float64{10}).Priors[0]
	for _, p := range []*SourcePrior{a, b} {
		_, err := p.BuildPointingMatrix()
		require.NoError(t, err)
	}

	// b still claims band index 0.
	_, err := BuildSamplerInput([]*SourcePrior{a, b}, nil)
	assert.ErrorIs(t, err, ErrBandMismatch)

	b.BandIndex = 1
	_, err = BuildSamplerInput([]*SourcePrior{a, b}, nil)
	assert.ErrorIs(t, err, ErrBandMismatch, "pointing matrix still tagged with band 0")

	_, err = b.BuildPointingMatrix()
	require.NoError(t, err)
	in, err := BuildSamplerInput([]*SourcePrior{a, b}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, in.NBands())

	_, err = BuildSamplerInput([]*SourcePrior{a, b}, &TemplateCube{NTemplates: 1, NBands: 2, NRedshift: 1, Values: []float64{1, 1}})
	assert.Error(t, err, "template fit without a redshift prior")

	_, err = BuildSamplerInput([]*SourcePrior{a, b}, &TemplateCube{NTemplates: 1, NBands: 3, NRedshift: 1, Values: []float64{1, 1, 1}})
	assert.ErrorIs(t, err, ErrDataShape)
}
