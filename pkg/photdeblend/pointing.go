package photdeblend

import (
	"fmt"
	"math"

	"go.uber.org/zap"
)

// sourceGrid buckets sources into square cells of the map pixel grid so each
// pixel only visits sources from its own and neighbouring cells.
type sourceGrid struct {
	cell  float64
	cells map[[2]int][]int
}

func newSourceGrid(sx, sy []float64, cell float64) *sourceGrid {
	g := &sourceGrid{cell: cell, cells: make(map[[2]int][]int)}
	for i := range sx {
		key := g.classify(sx[i], sy[i])
		g.cells[key] = append(g.cells[key], i)
	}
	return g
}

func (g *sourceGrid) classify(x, y float64) [2]int {
	return [2]int{int(math.Floor(x / g.cell)), int(math.Floor(y / g.cell))}
}

// near calls fn for every source within one cell of (x, y).
func (g *sourceGrid) near(x, y float64, fn func(src int)) {
	c := g.classify(x, y)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			for _, s := range g.cells[[2]int{c[0] + dx, c[1] + dy}] {
				fn(s)
			}
		}
	}
}

// validPixels lists the map indices used in the fit: finite flux and noise,
// and inside every applied coverage region. Only pixels inside the regions'
// pixel bounds, when they have any, are projected.
func (p *SourcePrior) validPixels() []int {
	m := p.Map
	inside := Intersect(p.regions...)
	x0, y0, x1, y1 := 0, 0, m.Width-1, m.Height-1
	if len(p.regions) > 0 {
		if pb, ok := inside.(pixelBounded); ok {
			if b, ok := pb.pixelBounds(m.Projection); ok {
				x0 = max(x0, int(math.Floor(b.x0)))
				y0 = max(y0, int(math.Floor(b.y0)))
				x1 = min(x1, int(math.Ceil(b.x1)))
				y1 = min(y1, int(math.Ceil(b.y1)))
			}
		}
	}
	out := make([]int, 0, max(0, x1-x0+1)*max(0, y1-y0+1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if !m.Finite(x, y) {
				continue
			}
			if len(p.regions) > 0 {
				ra, dec := m.Projection.PixelToWorld(float64(x), float64(y))
				if !inside.Contains(ra, dec) {
					continue
				}
			}
			out = append(out, y*m.Width+x)
		}
	}
	return out
}

// BuildPointingMatrix evaluates the kernel at every valid pixel near every
// source and freezes the prior. Pixels off the map or masked out are dropped
// without renormalizing the remaining weights, so sources near an edge keep
// only their on-map response. Each call rebuilds the matrix.
func (p *SourcePrior) BuildPointingMatrix() (*PointingMatrix, error) {
	if p.Kernel == nil {
		return nil, fmt.Errorf("band %s: no kernel assigned", p.Band)
	}
	if err := p.checkParallel(); err != nil {
		return nil, fmt.Errorf("band %s pointing matrix: %w", p.Band, err)
	}
	if p.NSrc == 0 {
		return nil, &CoverageError{Band: p.Band, Before: 0}
	}
	p.project()

	pixels := p.validPixels()
	halfX, halfY := p.Kernel.HalfExtent()
	cell := math.Max(1, math.Ceil(math.Max(halfX, halfY)))
	grid := newSourceGrid(p.sx, p.sy, cell)

	footprint := (2*halfX + 1) * (2*halfY + 1)
	capacity := int(math.Min(float64(p.NSrc)*footprint, float64(len(pixels))*float64(p.NSrc)))
	arena := newTripletArena(capacity)

	values := make([]float64, len(pixels))
	noise := make([]float64, len(pixels))
	w := p.Map.Width
	for row, idx := range pixels {
		values[row] = p.Map.Image[idx]
		noise[row] = p.Map.Noise[idx]
		px, py := float64(idx%w), float64(idx/w)
		grid.near(px, py, func(s int) {
			dx, dy := px-p.sx[s], py-p.sy[s]
			if math.Abs(dx) > halfX || math.Abs(dy) > halfY {
				return
			}
			if v := p.Kernel.Eval(dx, dy); v != 0 {
				arena.add(row, s, v)
			}
		})
	}

	pm := arena.compact(p.Band, p.BandIndex, len(pixels), p.NSrc)
	p.Pointing = pm
	p.PixelValues = values
	p.PixelNoise = noise
	p.PixelIndex = pixels
	p.frozen = true

	p.logger.Debug("built pointing matrix",
		zap.Int("npix", pm.NPix),
		zap.Int("nsrc", pm.NSrc),
		zap.Int("nnz", pm.NNZ()),
	)
	return pm, nil
}
