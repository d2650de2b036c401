package cmdstan

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"photdeblend/pkg/photdeblend"
)

func TestReadCSV(t *testing.T) {
	ch, err := ReadCSV(strings.NewReader(chainCSV))
	require.NoError(t, err)
	assert.Len(t, ch.Columns, 11)
	require.Len(t, ch.Values, 8)
	assert.Equal(t, 10.1, ch.Values[0][7])
	assert.Equal(t, []float64{0, 1, 0, 0, 0, 0, 0, 0}, ch.column("divergent__"))
	assert.Nil(t, ch.column("missing__"))
}

func TestReadCSVErrors(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("# only comments\n"))
	assert.Error(t, err)

	_, err = ReadCSV(strings.NewReader("lp__,a\n1,x\n"))
	assert.ErrorContains(t, err, "column a")

	_, err = ReadCSV(strings.NewReader("lp__,a\n1,2,3\n"))
	assert.Error(t, err)
}

func TestParseColumn(t *testing.T) {
	name, idx, err := parseColumn("src_f.3.2")
	require.NoError(t, err)
	assert.Equal(t, "src_f", name)
	assert.Equal(t, []int{3, 2}, idx)

	name, idx, err = parseColumn("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)
	assert.Empty(t, idx)

	_, _, err = parseColumn("src_f.0")
	assert.Error(t, err)
	_, _, err = parseColumn("src_f.a")
	assert.Error(t, err)
}

func TestNewResultReordersColumns(t *testing.T) {
	// CmdStan writes matrix[2,3] m as m.1.1, m.2.1, m.1.2, ...
	csv := "lp__,m.1.1,m.2.1,m.1.2,m.2.2,m.1.3,m.2.3,alpha\n" +
		"0,11,21,12,22,13,23,5\n" +
		"0,111,121,112,122,113,123,6\n"
	ch, err := ReadCSV(strings.NewReader(csv))
	require.NoError(t, err)
	res, err := NewResult([]*Chain{ch}, 0)
	require.NoError(t, err)

	m, err := res.Draws("m")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, m.Shape)
	assert.Equal(t, []float64{11, 12, 13, 21, 22, 23, 111, 112, 113, 121, 122, 123}, m.Chains[0])

	alpha, err := res.Draws("alpha")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, alpha.Shape)
	assert.Equal(t, []float64{5, 6}, alpha.Chains[0])

	assert.Equal(t, []string{"alpha", "m"}, res.Groups())
}

func TestNewResultTransitions(t *testing.T) {
	a, err := ReadCSV(strings.NewReader(chainCSV))
	require.NoError(t, err)
	b, err := ReadCSV(strings.NewReader(chainCSV))
	require.NoError(t, err)

	res, err := NewResult([]*Chain{a, b}, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, res.MaxTreeDepth())

	tr, err := res.Transitions()
	require.NoError(t, err)
	require.Len(t, tr, 2)
	assert.Equal(t, []bool{false, true, false, false, false, false, false, false}, tr[0].Divergent)
	assert.Equal(t, []int{3, 4, 3, 10, 3, 2, 3, 3}, tr[1].TreeDepth)
	assert.Len(t, tr[0].Energy, 8)

	flux, err := res.Draws("src_f")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, flux.Shape)
	assert.Equal(t, 16, flux.NDraws())

	rows, err := res.Summary("bkg")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 0.50125, rows[0].Mean, 1e-9)
}

func TestNewResultRejectsMismatchedChains(t *testing.T) {
	a, err := ReadCSV(strings.NewReader("lp__,x.1\n0,1\n"))
	require.NoError(t, err)
	b, err := ReadCSV(strings.NewReader("lp__,y.1\n0,1\n"))
	require.NoError(t, err)
	_, err = NewResult([]*Chain{a, b}, 0)
	assert.ErrorContains(t, err, "header differs")

	_, err = NewResult(nil, 0)
	assert.Error(t, err)

	gap, err := ReadCSV(strings.NewReader("lp__,x.1,x.3\n0,1,2\n"))
	require.NoError(t, err)
	_, err = NewResult([]*Chain{gap}, 0)
	assert.Error(t, err)

	mixed, err := ReadCSV(strings.NewReader("lp__,x.1,x.1.1\n0,1,2\n"))
	require.NoError(t, err)
	_, err = NewResult([]*Chain{mixed}, 0)
	assert.Error(t, err)
}

func TestReadResultFiles(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"output-1.csv", "output-2.csv"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(chainCSV), 0o644))
		paths = append(paths, p)
	}
	res, err := ReadResult(paths, 10)
	require.NoError(t, err)
	g, err := res.Draws("sigma_conf")
	require.NoError(t, err)
	assert.Len(t, g.Chains, 2)

	_, err = ReadResult([]string{filepath.Join(dir, "missing.csv")}, 10)
	assert.Error(t, err)
}

func TestReplayDrivesPipeline(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"output-1.csv", "output-2.csv"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(chainCSV), 0o644))
		paths = append(paths, p)
	}

	pl := photdeblend.NewPipeline(Replay{Paths: paths, MaxTreeDepth: 10}, photdeblend.NewPipelineOptions(), zaptest.NewLogger(t))
	res := pl.FitPatch(context.Background(), testPatch(t, "250"))
	require.NoError(t, res.Err)
	require.Len(t, res.Catalogue.Records, 2)
	assert.InDelta(t, 10.05, res.Catalogue.Records[0].Bands[0].Flux.Median, 0.1)

	empty := photdeblend.NewPipeline(Replay{}, photdeblend.NewPipelineOptions(), zaptest.NewLogger(t))
	res = empty.FitPatch(context.Background(), testPatch(t, "250"))
	assert.Equal(t, photdeblend.PatchFailed, res.State)
	var perr *photdeblend.PatchError
	require.ErrorAs(t, res.Err, &perr)
	assert.Equal(t, photdeblend.StageSampler, perr.Stage)
}
