package photdeblend

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ReadCatalogueCSV reads a prior catalogue with a header row. Columns are
// matched case-insensitively: ra and dec are required; id, flux_lower,
// flux_upper and stacked are optional, and ids must be unique. Lines
// starting with '#' are skipped.
func ReadCatalogueCSV(r io.Reader, name string) (*Catalogue, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("catalogue %s has no header row", name)
	}
	if err != nil {
		return nil, fmt.Errorf("catalogue %s header: %w", name, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range []string{"ra", "dec"} {
		if _, ok := col[req]; !ok {
			return nil, fmt.Errorf("catalogue %s: missing column %q", name, req)
		}
	}

	cat := &Catalogue{Name: name}
	_, hasID := col["id"]
	_, hasLower := col["flux_lower"]
	_, hasUpper := col["flux_upper"]
	_, hasStacked := col["stacked"]

	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("catalogue %s: %w", name, err)
		}
		line++
		num := func(key string) (float64, error) {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[col[key]]), 64)
			if err != nil {
				return 0, fmt.Errorf("catalogue %s row %d column %s: %w", name, line, key, err)
			}
			return v, nil
		}

		ra, err := num("ra")
		if err != nil {
			return nil, err
		}
		dec, err := num("dec")
		if err != nil {
			return nil, err
		}
		cat.RA = append(cat.RA, ra)
		cat.Dec = append(cat.Dec, dec)
		if hasID {
			cat.ID = append(cat.ID, strings.TrimSpace(rec[col["id"]]))
		}
		if hasLower {
			v, err := num("flux_lower")
			if err != nil {
				return nil, err
			}
			cat.FluxLower = append(cat.FluxLower, v)
		}
		if hasUpper {
			v, err := num("flux_upper")
			if err != nil {
				return nil, err
			}
			cat.FluxUpper = append(cat.FluxUpper, v)
		}
		if hasStacked {
			v, err := strconv.ParseBool(strings.TrimSpace(rec[col["stacked"]]))
			if err != nil {
				return nil, fmt.Errorf("catalogue %s row %d column stacked: %w", name, line, err)
			}
			cat.Stacked = append(cat.Stacked, v)
		}
	}
	if cat.Len() == 0 {
		return nil, fmt.Errorf("catalogue %s has no sources", name)
	}
	if err := checkUniqueIDs(cat.ID); err != nil {
		return nil, fmt.Errorf("catalogue %s: %w", name, err)
	}
	return cat, nil
}

// ReadCatalogueFile reads a prior catalogue from disk, naming it after the
// file when name is empty.
func ReadCatalogueFile(path, name string) (*Catalogue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalogue: %w", err)
	}
	defer f.Close()
	if name == "" {
		name = filepath.Base(path)
	}
	return ReadCatalogueCSV(f, name)
}
