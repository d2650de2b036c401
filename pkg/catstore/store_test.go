package catstore

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photdeblend/pkg/photdeblend"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalogue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testCatalogue(runID string, created time.Time) *photdeblend.FitCatalogue {
	nan := math.NaN()
	return &photdeblend.FitCatalogue{
		Provenance: photdeblend.Provenance{
			RunID:           runID,
			Patch:           "patch-07",
			PriorCatalogue:  "prior.fits",
			Created:         created,
			SoftwareVersion: "1.2.3",
			Bands:           []string{"250", "350"},
			Warnings: []photdeblend.SamplerHealthWarning{{
				Check:     photdeblend.CheckDivergence,
				Chain:     -1,
				Value:     0.01,
				Threshold: 0,
				Message:   "2 of 200 iterations ended with a divergence (1.00%)",
			}},
		},
		Records: []photdeblend.SourceRecord{
			{
				ID: "b", RA: 150.002, Dec: 2.004,
				Bands: []photdeblend.BandMeasurement{
					{Band: "250", Flux: photdeblend.Percentiles{Lower: 9, Median: 10, Upper: 11.5}, Background: 0.2, ConfusionNoise: nan, Rhat: 1.001, ESS: 900, PValue: 0.4},
					{Band: "350", Flux: photdeblend.Percentiles{Lower: 4, Median: 5, Upper: 6}, Background: -0.1, ConfusionNoise: nan, Rhat: 1.002, ESS: 850, PValue: nan},
				},
				Aux: map[string]photdeblend.Percentiles{"z": {Lower: 0.8, Median: 1, Upper: 1.3}},
			},
			{
				ID: "a", RA: 150.001, Dec: 2.002, Stacked: true,
				Bands: []photdeblend.BandMeasurement{
					{Band: "250", Flux: photdeblend.Percentiles{Lower: 1, Median: 2, Upper: 3}, Background: 0.2, ConfusionNoise: nan, Rhat: nan, ESS: nan, PValue: 0.9},
					{Band: "350", Flux: photdeblend.Percentiles{Lower: 0.5, Median: 1, Upper: 2}, Background: -0.1, ConfusionNoise: nan, Rhat: 1.01, ESS: 300, PValue: nan},
				},
			},
		},
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	s := openTestStore(t)
	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogue.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.WriteCatalogue(context.Background(), testCatalogue("run-1", time.Now())))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Runs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, runs)
}

func TestWriteCatalogueRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	cat := testCatalogue("run-1", created)
	require.NoError(t, s.WriteCatalogue(ctx, cat))

	records, err := s.Records(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(cat.Records, records, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}

	prov, err := s.Provenance(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(cat.Provenance, prov, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("provenance mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteCatalogueRejectsDuplicateRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.WriteCatalogue(ctx, testCatalogue("run-1", time.Now())))
	assert.Error(t, s.WriteCatalogue(ctx, testCatalogue("run-1", time.Now())))

	records, err := s.Records(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestWriteCatalogueIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	cat := testCatalogue("run-2", time.Now())
	// Duplicate source IDs violate the primary key halfway through.
	cat.Records[1].ID = cat.Records[0].ID
	require.Error(t, s.WriteCatalogue(ctx, cat))

	_, err := s.Provenance(ctx, "run-2")
	assert.ErrorIs(t, err, ErrRunNotFound)
	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunsAndWarnings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteCatalogue(ctx, testCatalogue("late", base.Add(time.Hour))))
	quiet := testCatalogue("early", base)
	quiet.Provenance.Warnings = nil
	require.NoError(t, s.WriteCatalogue(ctx, quiet))

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, runs)

	w, err := s.Warnings(ctx, "late")
	require.NoError(t, err)
	require.Len(t, w, 1)
	assert.Equal(t, photdeblend.CheckDivergence, w[0].Check)
	assert.Equal(t, -1, w[0].Chain)

	w, err = s.Warnings(ctx, "early")
	require.NoError(t, err)
	assert.Empty(t, w)

	_, err = s.Records(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
