package photdeblend

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepDraws returns ten draws: three at m-lo, four at m and three at m+hi,
// so the 15.9/50/84.1 percentiles are exactly m-lo, m and m+hi.
func stepDraws(m, lo, hi float64) []float64 {
	out := make([]float64, 10)
	for d := range out {
		switch {
		case d < 3:
			out[d] = m - lo
		case d < 7:
			out[d] = m
		default:
			out[d] = m + hi
		}
	}
	return out
}

type catalogueFixture struct {
	priors []*SourcePrior
	post   *PosteriorSample
	diag   *Diagnostics
	pvals  [][]float64
}

func newCatalogueFixture(t *testing.T) *catalogueFixture {
	t.Helper()
	const nsrc, nb, nd = 3, 2, 10
	m := testMap(t, 4, 4, 0, 1)
	cat := &Catalogue{
		Name:    "test_prior.fits",
		ID:      []string{"a", "b", "c"},
		RA:      []float64{150.001, 150.002, 150.003},
		Dec:     []float64{2.002, 2.004, 2.006},
		Stacked: []bool{false, true, false},
	}
	var priors []*SourcePrior
	for b, band := range []string{"250", "350"} {
		p, err := NewSourcePrior(band, b, m, cat, nil)
		require.NoError(t, err)
		priors = append(priors, p)
	}

	post := &PosteriorSample{
		NDraws:         nd,
		NBands:         nb,
		NSrc:           nsrc,
		Flux:           make([]float64, nd*nb*nsrc),
		Background:     make([]float64, nd*nb),
		ConfusionNoise: make([]float64, nd*nb),
		Aux: map[string]*AuxDraws{
			"z":   {Shape: []int{nsrc}, Values: make([]float64, nd*nsrc)},
			"Nbb": {Shape: []int{1}, Values: make([]float64, nd)},
		},
		Warnings: []SamplerHealthWarning{{
			Check:   CheckDivergence,
			Chain:   -1,
			Value:   0.005,
			Message: "1 of 200 iterations ended with a divergence (0.50%)",
		}},
	}
	for s := 0; s < nsrc; s++ {
		for b := 0; b < nb; b++ {
			for d, v := range stepDraws(float64(10*(s+1)+5*b), 1.5, 2.25) {
				post.Flux[(d*nb+b)*nsrc+s] = v
			}
		}
		for d, v := range stepDraws(0.5+float64(s), 0.25, 0.5) {
			post.Aux["z"].Values[d*nsrc+s] = v
		}
	}
	for d := 0; d < nd; d++ {
		post.Background[d*nb] = 0.25
		post.Background[d*nb+1] = -0.5
		post.ConfusionNoise[d*nb] = 0.7
		post.ConfusionNoise[d*nb+1] = 1.2
	}

	diag := &Diagnostics{Flux: ParamDiagnostics{
		Shape: []int{nsrc, nb},
		Rhat:  []float64{1.001, 1.002, 1.003, 1.004, 1.005, 1.006},
		ESS:   []float64{800, 810, 820, 830, 840, 850},
	}}
	pvals := [][]float64{{0.5, 0.9, 0.01}, nil}
	return &catalogueFixture{priors: priors, post: post, diag: diag, pvals: pvals}
}

func fixedAssembler(opts AssemblerOptions) *Assembler {
	a := NewAssembler(opts, nil)
	a.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	a.NewRunID = func() string { return "run-0001" }
	return a
}

func TestAssembleWriteCSV(t *testing.T) {
	f := newCatalogueFixture(t)
	opts := NewAssemblerOptions()
	opts.PriorCatalogue = "test_prior.fits"
	opts.SoftwareVersion = "1.2.3"

	cat, err := fixedAssembler(opts).Assemble("patch-07", f.priors, f.post, f.diag, f.pvals)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cat.WriteCSV(&buf))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "catalogue", buf.Bytes())
}

func TestAssembleRecords(t *testing.T) {
	f := newCatalogueFixture(t)
	cat, err := fixedAssembler(NewAssemblerOptions()).Assemble("p", f.priors, f.post, f.diag, f.pvals)
	require.NoError(t, err)

	require.Len(t, cat.Records, 2)
	rec := cat.Records[1]
	assert.Equal(t, "c", rec.ID)
	require.Len(t, rec.Bands, 2)
	assert.InDelta(t, 35, rec.Bands[1].Flux.Median, 1e-9)
	assert.InDelta(t, 33.5, rec.Bands[1].Flux.Lower, 1e-9)
	assert.InDelta(t, 37.25, rec.Bands[1].Flux.Upper, 1e-9)
	assert.Equal(t, 1.006, rec.Bands[1].Rhat)
	assert.True(t, math.IsNaN(rec.Bands[1].PValue))
	assert.Equal(t, 0.01, rec.Bands[0].PValue)
	assert.Equal(t, []string{"z"}, cat.AuxNames())
	assert.Equal(t, []string{"250", "350"}, cat.Provenance.Bands)
	assert.Len(t, cat.Provenance.Warnings, 1)
}

func TestAssembleIncludeStacked(t *testing.T) {
	f := newCatalogueFixture(t)
	opts := NewAssemblerOptions()
	opts.IncludeStacked = true
	cat, err := fixedAssembler(opts).Assemble("p", f.priors, f.post, nil, nil)
	require.NoError(t, err)

	require.Len(t, cat.Records, 3)
	assert.True(t, cat.Records[1].Stacked)
	assert.True(t, math.IsNaN(cat.Records[0].Bands[0].Rhat))
	assert.True(t, math.IsNaN(cat.Records[0].Bands[0].PValue))
}

func TestAssembleValidatesInputs(t *testing.T) {
	f := newCatalogueFixture(t)
	a := fixedAssembler(NewAssemblerOptions())

	_, err := a.Assemble("p", f.priors[:1], f.post, nil, nil)
	assert.ErrorIs(t, err, ErrDataShape)

	_, err = a.Assemble("p", f.priors, f.post, nil, [][]float64{{1}, nil})
	assert.ErrorIs(t, err, ErrDataShape)

	f.priors[0], f.priors[1] = f.priors[1], f.priors[0]
	_, err = a.Assemble("p", f.priors, f.post, nil, nil)
	assert.ErrorIs(t, err, ErrBandMismatch)
}

func TestAssemblerDefaultRunID(t *testing.T) {
	f := newCatalogueFixture(t)
	cat, err := NewAssembler(NewAssemblerOptions(), nil).Assemble("p", f.priors, f.post, nil, nil)
	require.NoError(t, err)

	id, err := uuid.Parse(cat.Provenance.RunID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, time.UTC, cat.Provenance.Created.Location())
}
