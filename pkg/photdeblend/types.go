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
)

// MapContext is one band's pixel data: a flux plane, a noise plane of the same
// shape and the projection between pixel and sky coordinates. Planes are
// row-major, index y*Width+x, and may contain NaN for unobserved pixels.
type MapContext struct {
	Width      int
	Height     int
	Image      []float64
	Noise      []float64
	Projection Projection
	// PixelScale is the pixel size in arcseconds.
	PixelScale float64
}

// NewMapContext validates plane sizes and returns a map context.
func NewMapContext(width, height int, image, noise []float64, proj Projection, pixelScale float64) (*MapContext, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid map size %dx%d", width, height)
	}
	if len(image) != width*height {
		return nil, shapeError("map image plane", width*height, len(image))
	}
	if len(noise) != width*height {
		return nil, shapeError("map noise plane", width*height, len(noise))
	}
	if proj == nil {
		return nil, fmt.Errorf("map context requires a projection")
	}
	return &MapContext{
		Width:      width,
		Height:     height,
		Image:      image,
		Noise:      noise,
		Projection: proj,
		PixelScale: pixelScale,
	}, nil
}

// Finite reports whether pixel (x, y) is inside the map with finite flux and
// finite, positive noise.
func (m *MapContext) Finite(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	i := y*m.Width + x
	v, n := m.Image[i], m.Noise[i]
	return !math.IsNaN(v) && !math.IsInf(v, 0) && !math.IsNaN(n) && !math.IsInf(n, 0) && n > 0
}

// BackgroundPrior is the Gaussian prior on a band's additive background.
type BackgroundPrior struct {
	Mean  float64
	Sigma float64
}

// GaussianFluxPrior holds per-source Gaussian flux priors, parallel to the
// prior's source arrays.
type GaussianFluxPrior struct {
	Mean  []float64
	Sigma []float64
}

// RedshiftPrior holds per-source redshift priors for joint photometric
// redshift fits.
type RedshiftPrior struct {
	Median []float64
	Sigma  []float64
}

// Catalogue is the tabular input of known source positions. All non-nil
// slices must have the length of RA.
type Catalogue struct {
	Name      string
	ID        []string
	RA        []float64
	Dec       []float64
	FluxLower []float64
	FluxUpper []float64
	Stacked   []bool
}

// Len returns the number of catalogue rows.
func (c *Catalogue) Len() int { return len(c.RA) }

// Percentiles is a three-point summary of a marginal posterior.
type Percentiles struct {
	Lower  float64
	Median float64
	Upper  float64
}

func (p Percentiles) String() string {
	return fmt.Sprintf("%g (+%g/-%g)", p.Median, p.Upper-p.Median, p.Median-p.Lower)
}

// Width returns the distance between the upper and lower percentile.
func (p Percentiles) Width() float64 { return p.Upper - p.Lower }
