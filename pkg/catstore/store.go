// Package catstore persists assembled patch catalogues in SQLite, one run per
// patch catalogue.
package catstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"photdeblend/pkg/photdeblend"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// ErrRunNotFound is returned when a run ID is not in the store.
var ErrRunNotFound = errors.New("run not found")

// Store is a SQLite catalogue database in WAL mode.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// nullable maps NaN to SQL NULL.
func nullable(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// WriteCatalogue stores one catalogue in a single transaction. A run ID
// already present is an error.
func (s *Store) WriteCatalogue(ctx context.Context, cat *photdeblend.FitCatalogue) error {
	p := cat.Provenance
	bands, err := json.Marshal(p.Bands)
	if err != nil {
		return fmt.Errorf("write catalogue: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write catalogue: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, patch, prior_catalogue, created, software_version, bands)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.RunID, p.Patch, p.PriorCatalogue, p.Created.UTC().Format(time.RFC3339Nano), p.SoftwareVersion, string(bands)); err != nil {
		return fmt.Errorf("write catalogue: run %s: %w", p.RunID, err)
	}

	for i, w := range p.Warnings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO warnings (run_id, seq, check_name, chain, value, threshold, message)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.RunID, i, w.Check, w.Chain, nullable(w.Value), nullable(w.Threshold), w.Message); err != nil {
			return fmt.Errorf("write catalogue: warning %d: %w", i, err)
		}
	}

	srcStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sources (run_id, seq, source_id, ra, dec, stacked) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write catalogue: %w", err)
	}
	defer srcStmt.Close()
	measStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO measurements
		(run_id, source_id, band, flux_lower, flux_median, flux_upper, background, confusion_noise, rhat, ess, pvalue)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write catalogue: %w", err)
	}
	defer measStmt.Close()
	auxStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO aux (run_id, source_id, name, lower, median, upper) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write catalogue: %w", err)
	}
	defer auxStmt.Close()

	for i, r := range cat.Records {
		if _, err := srcStmt.ExecContext(ctx, p.RunID, i, r.ID, r.RA, r.Dec, r.Stacked); err != nil {
			return fmt.Errorf("write catalogue: source %s: %w", r.ID, err)
		}
		for _, m := range r.Bands {
			if _, err := measStmt.ExecContext(ctx, p.RunID, r.ID, m.Band,
				nullable(m.Flux.Lower), nullable(m.Flux.Median), nullable(m.Flux.Upper),
				nullable(m.Background), nullable(m.ConfusionNoise),
				nullable(m.Rhat), nullable(m.ESS), nullable(m.PValue),
			); err != nil {
				return fmt.Errorf("write catalogue: source %s band %s: %w", r.ID, m.Band, err)
			}
		}
		for name, a := range r.Aux {
			if _, err := auxStmt.ExecContext(ctx, p.RunID, r.ID, name,
				nullable(a.Lower), nullable(a.Median), nullable(a.Upper)); err != nil {
				return fmt.Errorf("write catalogue: source %s %s: %w", r.ID, name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write catalogue: commit: %w", err)
	}
	return nil
}

// Provenance reads the provenance of one run, warnings included.
func (s *Store) Provenance(ctx context.Context, runID string) (photdeblend.Provenance, error) {
	var p photdeblend.Provenance
	var created, bands string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, patch, prior_catalogue, created, software_version, bands
		FROM runs WHERE run_id = ?
	`, runID).Scan(&p.RunID, &p.Patch, &p.PriorCatalogue, &created, &p.SoftwareVersion, &bands)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("read run %s: %w", runID, err)
	}
	if p.Created, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return p, fmt.Errorf("read run %s: %w", runID, err)
	}
	if err := json.Unmarshal([]byte(bands), &p.Bands); err != nil {
		return p, fmt.Errorf("read run %s bands: %w", runID, err)
	}
	if p.Warnings, err = s.Warnings(ctx, runID); err != nil {
		return p, err
	}
	return p, nil
}

// Warnings returns the sampler-health warnings of one run in stored order.
func (s *Store) Warnings(ctx context.Context, runID string) ([]photdeblend.SamplerHealthWarning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT check_name, chain, value, threshold, message
		FROM warnings WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("read warnings: %w", err)
	}
	defer rows.Close()

	var out []photdeblend.SamplerHealthWarning
	for rows.Next() {
		var w photdeblend.SamplerHealthWarning
		var value, threshold sql.NullFloat64
		if err := rows.Scan(&w.Check, &w.Chain, &value, &threshold, &w.Message); err != nil {
			return nil, fmt.Errorf("read warnings: %w", err)
		}
		w.Value, w.Threshold = orNaN(value), orNaN(threshold)
		out = append(out, w)
	}
	return out, rows.Err()
}

// Records returns the source records of one run in stored order, with bands
// in the run's band order.
func (s *Store) Records(ctx context.Context, runID string) ([]photdeblend.SourceRecord, error) {
	p, err := s.Provenance(ctx, runID)
	if err != nil {
		return nil, err
	}
	bandIndex := make(map[string]int, len(p.Bands))
	for i, b := range p.Bands {
		bandIndex[b] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, ra, dec, stacked FROM sources WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	var records []photdeblend.SourceRecord
	index := make(map[string]int)
	for rows.Next() {
		var r photdeblend.SourceRecord
		if err := rows.Scan(&r.ID, &r.RA, &r.Dec, &r.Stacked); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read sources: %w", err)
		}
		r.Bands = make([]photdeblend.BandMeasurement, len(p.Bands))
		index[r.ID] = len(records)
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}

	if err := s.readMeasurements(ctx, runID, records, index, bandIndex); err != nil {
		return nil, err
	}
	if err := s.readAux(ctx, runID, records, index); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) readMeasurements(ctx context.Context, runID string, records []photdeblend.SourceRecord, index, bandIndex map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, band, flux_lower, flux_median, flux_upper, background, confusion_noise, rhat, ess, pvalue
		FROM measurements WHERE run_id = ?
	`, runID)
	if err != nil {
		return fmt.Errorf("read measurements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var m photdeblend.BandMeasurement
		var v [8]sql.NullFloat64
		if err := rows.Scan(&id, &m.Band, &v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &v[7]); err != nil {
			return fmt.Errorf("read measurements: %w", err)
		}
		m.Flux = photdeblend.Percentiles{Lower: orNaN(v[0]), Median: orNaN(v[1]), Upper: orNaN(v[2])}
		m.Background, m.ConfusionNoise = orNaN(v[3]), orNaN(v[4])
		m.Rhat, m.ESS, m.PValue = orNaN(v[5]), orNaN(v[6]), orNaN(v[7])

		b, ok := bandIndex[m.Band]
		if !ok {
			return fmt.Errorf("run %s: measurement in unknown band %s", runID, m.Band)
		}
		records[index[id]].Bands[b] = m
	}
	return rows.Err()
}

func (s *Store) readAux(ctx context.Context, runID string, records []photdeblend.SourceRecord, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, name, lower, median, upper FROM aux WHERE run_id = ?
	`, runID)
	if err != nil {
		return fmt.Errorf("read aux: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		var lo, med, hi sql.NullFloat64
		if err := rows.Scan(&id, &name, &lo, &med, &hi); err != nil {
			return fmt.Errorf("read aux: %w", err)
		}
		r := &records[index[id]]
		if r.Aux == nil {
			r.Aux = make(map[string]photdeblend.Percentiles)
		}
		r.Aux[name] = photdeblend.Percentiles{Lower: orNaN(lo), Median: orNaN(med), Upper: orNaN(hi)}
	}
	return rows.Err()
}

// Runs lists stored run IDs, oldest first.
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY created, run_id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
