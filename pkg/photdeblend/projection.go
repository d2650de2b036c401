package photdeblend

import (
	"fmt"
	"math"
)

// Projection converts between sky coordinates (degrees) and zero-based pixel
// coordinates, where integer values are pixel centres.
type Projection interface {
	WorldToPixel(ra, dec float64) (x, y float64)
	PixelToWorld(x, y float64) (ra, dec float64)
}

// TanProjection is the gnomonic (TAN) projection described by the FITS
// CRVAL/CRPIX/CD keywords.
type TanProjection struct {
	CRVAL1, CRVAL2 float64 // reference sky position, degrees
	CRPIX1, CRPIX2 float64 // reference pixel, FITS one-based
	CD             [2][2]float64

	inv [2][2]float64
}

// NewTanProjection builds a TAN projection and precomputes the inverse CD matrix.
func NewTanProjection(crval1, crval2, crpix1, crpix2 float64, cd [2][2]float64) (*TanProjection, error) {
	det := cd[0][0]*cd[1][1] - cd[0][1]*cd[1][0]
	if det == 0 || math.IsNaN(det) {
		return nil, fmt.Errorf("singular CD matrix %v", cd)
	}
	p := &TanProjection{CRVAL1: crval1, CRVAL2: crval2, CRPIX1: crpix1, CRPIX2: crpix2, CD: cd}
	p.inv = [2][2]float64{
		{cd[1][1] / det, -cd[0][1] / det},
		{-cd[1][0] / det, cd[0][0] / det},
	}
	return p, nil
}

// TanProjectionFromHeader reads CRVAL, CRPIX and either CDi_j or CDELTi from a
// FITS header.
func TanProjectionFromHeader(h *FitsMetadata) (*TanProjection, error) {
	crval1, ok1 := h.GetDouble("CRVAL1")
	crval2, ok2 := h.GetDouble("CRVAL2")
	crpix1, ok3 := h.GetDouble("CRPIX1")
	crpix2, ok4 := h.GetDouble("CRPIX2")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("header lacks CRVAL/CRPIX keywords")
	}
	var cd [2][2]float64
	if v, ok := h.GetDouble("CD1_1"); ok {
		cd[0][0] = v
		cd[0][1], _ = h.GetDouble("CD1_2")
		cd[1][0], _ = h.GetDouble("CD2_1")
		cd[1][1], _ = h.GetDouble("CD2_2")
	} else {
		cdelt1, okA := h.GetDouble("CDELT1")
		cdelt2, okB := h.GetDouble("CDELT2")
		if !okA || !okB {
			return nil, fmt.Errorf("header lacks CD and CDELT keywords")
		}
		cd[0][0] = cdelt1
		cd[1][1] = cdelt2
	}
	return NewTanProjection(crval1, crval2, crpix1, crpix2, cd)
}

func (p *TanProjection) WorldToPixel(ra, dec float64) (float64, float64) {
	a := ra * math.Pi / 180
	d := dec * math.Pi / 180
	a0 := p.CRVAL1 * math.Pi / 180
	d0 := p.CRVAL2 * math.Pi / 180

	cosc := math.Sin(d0)*math.Sin(d) + math.Cos(d0)*math.Cos(d)*math.Cos(a-a0)
	xi := math.Cos(d) * math.Sin(a-a0) / cosc
	eta := (math.Cos(d0)*math.Sin(d) - math.Sin(d0)*math.Cos(d)*math.Cos(a-a0)) / cosc
	xi *= 180 / math.Pi
	eta *= 180 / math.Pi

	dx := p.inv[0][0]*xi + p.inv[0][1]*eta
	dy := p.inv[1][0]*xi + p.inv[1][1]*eta
	return p.CRPIX1 - 1 + dx, p.CRPIX2 - 1 + dy
}

func (p *TanProjection) PixelToWorld(x, y float64) (float64, float64) {
	dx := x - (p.CRPIX1 - 1)
	dy := y - (p.CRPIX2 - 1)
	xi := (p.CD[0][0]*dx + p.CD[0][1]*dy) * math.Pi / 180
	eta := (p.CD[1][0]*dx + p.CD[1][1]*dy) * math.Pi / 180

	a0 := p.CRVAL1 * math.Pi / 180
	d0 := p.CRVAL2 * math.Pi / 180
	rho := math.Hypot(xi, eta)
	if rho == 0 {
		return p.CRVAL1, p.CRVAL2
	}
	c := math.Atan(rho)
	dec := math.Asin(math.Cos(c)*math.Sin(d0) + eta*math.Sin(c)*math.Cos(d0)/rho)
	ra := a0 + math.Atan2(xi*math.Sin(c), rho*math.Cos(d0)*math.Cos(c)-eta*math.Sin(d0)*math.Sin(c))

	raDeg := math.Mod(ra*180/math.Pi+360, 360)
	return raDeg, dec * 180 / math.Pi
}

// PixelScaleArcsec returns the geometric-mean pixel size in arcseconds.
func (p *TanProjection) PixelScaleArcsec() float64 {
	det := p.CD[0][0]*p.CD[1][1] - p.CD[0][1]*p.CD[1][0]
	return math.Sqrt(math.Abs(det)) * 3600
}
