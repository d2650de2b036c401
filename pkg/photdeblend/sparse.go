package photdeblend

import (
	"fmt"
	"sort"
)

// tripletArena is a pre-sized buffer of (row, col, value) triplets. It grows
// only if the initial estimate was too small.
type tripletArena struct {
	rows []int32
	cols []int32
	vals []float64
}

func newTripletArena(capacity int) *tripletArena {
	return &tripletArena{
		rows: make([]int32, 0, capacity),
		cols: make([]int32, 0, capacity),
		vals: make([]float64, 0, capacity),
	}
}

func (a *tripletArena) add(row, col int, val float64) {
	a.rows = append(a.rows, int32(row))
	a.cols = append(a.cols, int32(col))
	a.vals = append(a.vals, val)
}

func (a *tripletArena) len() int { return len(a.vals) }

// PointingMatrix is the sparse operator mapping per-source flux to pixel
// contributions for one band. Rows index the band's valid pixels, columns
// index sources. Triplets are ordered by row then column.
type PointingMatrix struct {
	Band string
	// BandIndex ties the matrix to the prior that built it.
	BandIndex int
	NPix      int
	NSrc      int

	Rows []int32
	Cols []int32
	Vals []float64

	rowPtr []int
	// colPerm lists triplet positions ordered by column.
	colPerm []int
	colPtr  []int
}

// NNZ returns the number of stored weights.
func (pm *PointingMatrix) NNZ() int { return len(pm.Vals) }

// compact sorts the arena into row-major order and builds the row and column
// indexes.
func (a *tripletArena) compact(band string, bandIndex, npix, nsrc int) *PointingMatrix {
	n := a.len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		ri, rj := a.rows[order[i]], a.rows[order[j]]
		if ri != rj {
			return ri < rj
		}
		return a.cols[order[i]] < a.cols[order[j]]
	})
	pm := &PointingMatrix{
		Band:      band,
		BandIndex: bandIndex,
		NPix:      npix,
		NSrc:      nsrc,
		Rows:      make([]int32, n),
		Cols:      make([]int32, n),
		Vals:      make([]float64, n),
	}
	for i, k := range order {
		pm.Rows[i] = a.rows[k]
		pm.Cols[i] = a.cols[k]
		pm.Vals[i] = a.vals[k]
	}
	pm.buildIndex()
	return pm
}

func (pm *PointingMatrix) buildIndex() {
	pm.rowPtr = make([]int, pm.NPix+1)
	pm.colPtr = make([]int, pm.NSrc+1)
	for i := range pm.Vals {
		pm.rowPtr[pm.Rows[i]+1]++
		pm.colPtr[pm.Cols[i]+1]++
	}
	for r := 0; r < pm.NPix; r++ {
		pm.rowPtr[r+1] += pm.rowPtr[r]
	}
	for c := 0; c < pm.NSrc; c++ {
		pm.colPtr[c+1] += pm.colPtr[c]
	}
	pm.colPerm = make([]int, len(pm.Vals))
	next := make([]int, pm.NSrc)
	copy(next, pm.colPtr[:pm.NSrc])
	for i := range pm.Vals {
		c := pm.Cols[i]
		pm.colPerm[next[c]] = i
		next[c]++
	}
}

// Validate checks every index against the matrix dimensions.
func (pm *PointingMatrix) Validate() error {
	if len(pm.Rows) != len(pm.Vals) || len(pm.Cols) != len(pm.Vals) {
		return shapeError("pointing matrix triplets", len(pm.Vals), min(len(pm.Rows), len(pm.Cols)))
	}
	for i := range pm.Vals {
		if r := int(pm.Rows[i]); r < 0 || r >= pm.NPix {
			return fmt.Errorf("triplet %d: row %d outside [0,%d)", i, r, pm.NPix)
		}
		if c := int(pm.Cols[i]); c < 0 || c >= pm.NSrc {
			return fmt.Errorf("triplet %d: column %d outside [0,%d)", i, c, pm.NSrc)
		}
	}
	return nil
}

// MulVec computes dst = pm·flux + offset. dst is allocated when nil or too
// short.
func (pm *PointingMatrix) MulVec(dst, flux []float64, offset float64) ([]float64, error) {
	if len(flux) != pm.NSrc {
		return nil, shapeError("flux vector", pm.NSrc, len(flux))
	}
	if len(dst) < pm.NPix {
		dst = make([]float64, pm.NPix)
	}
	dst = dst[:pm.NPix]
	for r := 0; r < pm.NPix; r++ {
		sum := offset
		for k := pm.rowPtr[r]; k < pm.rowPtr[r+1]; k++ {
			sum += pm.Vals[k] * flux[pm.Cols[k]]
		}
		dst[r] = sum
	}
	return dst, nil
}

// Column returns the pixel rows and weights of source s.
func (pm *PointingMatrix) Column(s int) ([]int32, []float64) {
	if s < 0 || s >= pm.NSrc {
		return nil, nil
	}
	lo, hi := pm.colPtr[s], pm.colPtr[s+1]
	rows := make([]int32, hi-lo)
	vals := make([]float64, hi-lo)
	for i, k := range pm.colPerm[lo:hi] {
		rows[i] = pm.Rows[k]
		vals[i] = pm.Vals[k]
	}
	return rows, vals
}

// Row returns the source columns and weights of pixel r.
func (pm *PointingMatrix) Row(r int) ([]int32, []float64) {
	if r < 0 || r >= pm.NPix {
		return nil, nil
	}
	lo, hi := pm.rowPtr[r], pm.rowPtr[r+1]
	return pm.Cols[lo:hi], pm.Vals[lo:hi]
}

// ColumnSums returns the summed weight of each source.
func (pm *PointingMatrix) ColumnSums() []float64 {
	sums := make([]float64, pm.NSrc)
	for i, v := range pm.Vals {
		sums[pm.Cols[i]] += v
	}
	return sums
}

// NewPointingMatrix builds a matrix from explicit triplets.
func NewPointingMatrix(band string, bandIndex, npix, nsrc int, rows, cols []int, vals []float64) (*PointingMatrix, error) {
	if len(rows) != len(vals) {
		return nil, shapeError("triplet rows", len(vals), len(rows))
	}
	if len(cols) != len(vals) {
		return nil, shapeError("triplet columns", len(vals), len(cols))
	}
	a := newTripletArena(len(vals))
	for i := range vals {
		a.add(rows[i], cols[i], vals[i])
	}
	pm := &PointingMatrix{Band: band, BandIndex: bandIndex, NPix: npix, NSrc: nsrc, Rows: a.rows, Cols: a.cols, Vals: a.vals}
	if err := pm.Validate(); err != nil {
		return nil, err
	}
	return a.compact(band, bandIndex, npix, nsrc), nil
}
