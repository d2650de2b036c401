/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package photdeblend

import (
	"fmt"
	"math"
	"sort"
)

// Kernel is a point response function sampled on a grid. Table is row-major
// with len(YOffsets) rows and len(XOffsets) columns; offsets are in map
// pixels, strictly increasing, and centred so the middle node sits at zero.
// The table is normalized to unit peak.
type Kernel struct {
	Table    []float64
	XOffsets []float64
	YOffsets []float64

	halfX, halfY float64
}

// NewKernel validates a response table and its offset grids, normalizes the
// table to unit peak and re-centres both grids on their middle node.
func NewKernel(table, xOffsets, yOffsets []float64) (*Kernel, error) {
	nx, ny := len(xOffsets), len(yOffsets)
	if nx == 0 || ny == 0 {
		return nil, fmt.Errorf("kernel offset grids must be non-empty")
	}
	if len(table) != nx*ny {
		return nil, shapeError("kernel table", nx*ny, len(table))
	}
	peak := 0.0
	for i, v := range table {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("kernel table value %d is not finite", i)
		}
		peak = math.Max(peak, v)
	}
	if peak <= 0 {
		return nil, fmt.Errorf("kernel table has no positive response")
	}
	xs, err := centreOffsets(xOffsets)
	if err != nil {
		return nil, fmt.Errorf("x offsets: %w", err)
	}
	ys, err := centreOffsets(yOffsets)
	if err != nil {
		return nil, fmt.Errorf("y offsets: %w", err)
	}
	norm := make([]float64, len(table))
	for i, v := range table {
		norm[i] = v / peak
	}
	return &Kernel{
		Table:    norm,
		XOffsets: xs,
		YOffsets: ys,
		halfX:    halfExtent(xs),
		halfY:    halfExtent(ys),
	}, nil
}

func centreOffsets(offsets []float64) ([]float64, error) {
	n := len(offsets)
	for i, v := range offsets {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("offset %d is not finite", i)
		}
		if i > 0 && v <= offsets[i-1] {
			return nil, fmt.Errorf("offsets must be strictly increasing at %d", i)
		}
	}
	mid := offsets[n/2]
	if n%2 == 0 {
		mid = (offsets[n/2-1] + offsets[n/2]) / 2
	}
	out := make([]float64, n)
	for i, v := range offsets {
		out[i] = v - mid
	}
	return out, nil
}

// A single-node axis responds within half a map pixel of its node.
func halfExtent(offsets []float64) float64 {
	if len(offsets) == 1 {
		return math.Abs(offsets[0]) + 0.5
	}
	return math.Max(math.Abs(offsets[0]), math.Abs(offsets[len(offsets)-1]))
}

// HalfExtent returns the footprint half-widths in map pixels.
func (k *Kernel) HalfExtent() (float64, float64) { return k.halfX, k.halfY }

// Eval returns the response at offset (dx, dy) map pixels from the source,
// bilinearly interpolated between grid nodes. Outside the grid it is zero.
func (k *Kernel) Eval(dx, dy float64) float64 {
	x0, x1, xRatio, ok := bracket(k.XOffsets, dx)
	if !ok {
		return 0
	}
	y0, y1, yRatio, ok := bracket(k.YOffsets, dy)
	if !ok {
		return 0
	}
	width := len(k.XOffsets)
	p00 := k.Table[y0*width+x0]
	p01 := k.Table[y0*width+x1]
	p10 := k.Table[y1*width+x0]
	p11 := k.Table[y1*width+x1]
	interpolatedX0 := p00 + xRatio*(p01-p00)
	interpolatedX1 := p10 + xRatio*(p11-p10)
	return interpolatedX0 + yRatio*(interpolatedX1-interpolatedX0)
}

// bracket finds the grid cell holding v and the fractional position inside it.
func bracket(grid []float64, v float64) (int, int, float64, bool) {
	n := len(grid)
	if n == 1 {
		if math.Abs(v-grid[0]) <= 0.5 {
			return 0, 0, 0, true
		}
		return 0, 0, 0, false
	}
	if v < grid[0] || v > grid[n-1] {
		return 0, 0, 0, false
	}
	i := sort.SearchFloat64s(grid, v)
	if i == 0 {
		return 0, 0, 0, true
	}
	if grid[i] == v {
		return i, i, 0, true
	}
	lo := i - 1
	return lo, i, (v - grid[lo]) / (grid[i] - grid[lo]), true
}

// NewGaussianPRF builds a circular Gaussian response of the given FWHM on a
// size x size grid with kernelPixelArcsec spacing, with offsets expressed in
// map pixels of mapPixelArcsec.
func NewGaussianPRF(fwhmArcsec float64, size int, kernelPixelArcsec, mapPixelArcsec float64) (*Kernel, error) {
	if size < 1 || size%2 == 0 {
		return nil, fmt.Errorf("kernel size must be a positive odd number, got %d", size)
	}
	if fwhmArcsec <= 0 || kernelPixelArcsec <= 0 || mapPixelArcsec <= 0 {
		return nil, fmt.Errorf("kernel FWHM and pixel scales must be positive")
	}
	sigma := fwhmArcsec / 2.355 / kernelPixelArcsec
	g := getGaussianKernel1D(size, sigma)
	defer g.Close()
	prf := outerProduct(g, g)
	defer prf.Close()

	data := prf.DataFloat32()
	table := make([]float64, size*size)
	for i := range table {
		table[i] = float64(data[i])
	}
	offsets := make([]float64, size)
	centre := size / 2
	for i := range offsets {
		offsets[i] = float64(i-centre) * kernelPixelArcsec / mapPixelArcsec
	}
	return NewKernel(table, offsets, offsets)
}

// KernelFromMat builds a kernel from an image plane whose pixels are
// kernelPixelArcsec wide, centred on the middle pixel.
func KernelFromMat(img Mat, kernelPixelArcsec, mapPixelArcsec float64) (*Kernel, error) {
	if img.Empty() {
		return nil, fmt.Errorf("kernel image is empty")
	}
	if kernelPixelArcsec <= 0 || mapPixelArcsec <= 0 {
		return nil, fmt.Errorf("kernel pixel scales must be positive")
	}
	rows, cols := img.Rows(), img.Cols()
	data := img.DataFloat32()
	table := make([]float64, rows*cols)
	for i := range table {
		table[i] = float64(data[i])
	}
	return NewKernel(table, pixelOffsets(cols, kernelPixelArcsec/mapPixelArcsec), pixelOffsets(rows, kernelPixelArcsec/mapPixelArcsec))
}

func pixelOffsets(n int, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i) * step
	}
	return out
}

// MatFromFloat32 copies a row-major plane into a new Mat.
func MatFromFloat32(data []float32, rows, cols int) Mat {
	m := NewMatWithSize(rows, cols)
	copy(m.DataFloat32(), data)
	return m
}
