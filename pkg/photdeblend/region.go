package photdeblend

import (
	"math"
)

// Region is a spatial set on the sky used for inclusion tests. Coordinates
// are degrees.
type Region interface {
	Contains(ra, dec float64) bool
}

// Cone is the set of positions within Radius degrees of a centre.
type Cone struct {
	RA, Dec float64
	Radius  float64
}

func (c Cone) Contains(ra, dec float64) bool {
	return AngularSeparation(c.RA, c.Dec, ra, dec) <= c.Radius
}

// Box is an RA/Dec rectangle. RAMin may exceed RAMax when the box straddles
// RA 0.
type Box struct {
	RAMin, RAMax   float64
	DecMin, DecMax float64
}

func (b Box) Contains(ra, dec float64) bool {
	if dec < b.DecMin || dec > b.DecMax {
		return false
	}
	ra = normRA(ra)
	lo, hi := normRA(b.RAMin), normRA(b.RAMax)
	if lo <= hi {
		return ra >= lo && ra <= hi
	}
	return ra >= lo || ra <= hi
}

type intersection []Region

func (r intersection) Contains(ra, dec float64) bool {
	for _, reg := range r {
		if !reg.Contains(ra, dec) {
			return false
		}
	}
	return true
}

type union []Region

func (r union) Contains(ra, dec float64) bool {
	for _, reg := range r {
		if reg.Contains(ra, dec) {
			return true
		}
	}
	return false
}

// Intersect returns the region contained in every argument. With no arguments
// it contains the whole sky.
func Intersect(regions ...Region) Region {
	out := make(intersection, 0, len(regions))
	for _, r := range regions {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Union returns the region contained in any argument. With no arguments it is
// empty.
func Union(regions ...Region) Region {
	out := make(union, 0, len(regions))
	for _, r := range regions {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// CatalogueRegion is the union of cones of the given radius around each
// position.
func CatalogueRegion(ra, dec []float64, radius float64) Region {
	n := min(len(ra), len(dec))
	cones := make([]Cone, n)
	for i := 0; i < n; i++ {
		cones[i] = Cone{RA: ra[i], Dec: dec[i], Radius: radius}
	}
	return newConeSet(cones, radius)
}

// coneSet is a union of cones of one radius, bucketed into cubic cells of the
// unit sphere's embedding. A cell is as wide as the chord of the radius, so
// every cone containing a point has its centre in the point's cell or a
// neighbour.
type coneSet struct {
	cones []Cone
	cell  float64
	cells map[[3]int][]int
}

func newConeSet(cones []Cone, radius float64) *coneSet {
	chord := 2 * math.Sin(math.Min(radius, 180)*math.Pi/360)
	s := &coneSet{cones: cones, cell: math.Max(chord, 1e-9), cells: make(map[[3]int][]int)}
	for i, c := range cones {
		key := s.classify(c.RA, c.Dec)
		s.cells[key] = append(s.cells[key], i)
	}
	return s
}

func unitVector(ra, dec float64) (float64, float64, float64) {
	a, d := ra*math.Pi/180, dec*math.Pi/180
	return math.Cos(d) * math.Cos(a), math.Cos(d) * math.Sin(a), math.Sin(d)
}

func (s *coneSet) classify(ra, dec float64) [3]int {
	x, y, z := unitVector(ra, dec)
	return [3]int{int(math.Floor(x / s.cell)), int(math.Floor(y / s.cell)), int(math.Floor(z / s.cell))}
}

// nearby calls fn for every cone whose centre lies in the cell of (ra, dec)
// or a neighbouring cell, until fn returns false.
func (s *coneSet) nearby(ra, dec float64, fn func(i int) bool) {
	c := s.classify(ra, dec)
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				for _, i := range s.cells[[3]int{c[0] + dx, c[1] + dy, c[2] + dz}] {
					if !fn(i) {
						return
					}
				}
			}
		}
	}
}

func (s *coneSet) Contains(ra, dec float64) bool {
	found := false
	s.nearby(ra, dec, func(i int) bool {
		found = s.cones[i].Contains(ra, dec)
		return !found
	})
	return found
}

// pixelRect is an inclusive rectangle in zero-based pixel coordinates.
type pixelRect struct {
	x0, y0, x1, y1 float64
}

func (r pixelRect) intersect(o pixelRect) pixelRect {
	return pixelRect{math.Max(r.x0, o.x0), math.Max(r.y0, o.y0), math.Min(r.x1, o.x1), math.Min(r.y1, o.y1)}
}

func (r pixelRect) union(o pixelRect) pixelRect {
	return pixelRect{math.Min(r.x0, o.x0), math.Min(r.y0, o.y0), math.Max(r.x1, o.x1), math.Max(r.y1, o.y1)}
}

// pixelBounded regions can bound their footprint on a projected map. ok is
// false when no useful bound exists.
type pixelBounded interface {
	pixelBounds(proj Projection) (pixelRect, bool)
}

// maxBoundedRadius is the largest cone, in degrees, bounded by sampling its
// edge.
const maxBoundedRadius = 10

// pixelBounds samples the cone edge and pads the box by two pixels and a
// tenth of its size.
func (c Cone) pixelBounds(proj Projection) (pixelRect, bool) {
	if c.Radius > maxBoundedRadius || math.Abs(c.Dec)+c.Radius >= 90 {
		return pixelRect{}, false
	}
	const rad = math.Pi / 180
	const samples = 32
	x, y := proj.WorldToPixel(c.RA, c.Dec)
	r := pixelRect{x, y, x, y}
	d1, dist := c.Dec*rad, c.Radius*rad
	for k := 0; k < samples; k++ {
		theta := 2 * math.Pi * float64(k) / samples
		d2 := math.Asin(math.Sin(d1)*math.Cos(dist) + math.Cos(d1)*math.Sin(dist)*math.Cos(theta))
		a2 := c.RA*rad + math.Atan2(math.Sin(theta)*math.Sin(dist)*math.Cos(d1), math.Cos(dist)-math.Sin(d1)*math.Sin(d2))
		px, py := proj.WorldToPixel(a2/rad, d2/rad)
		r = r.union(pixelRect{px, py, px, py})
	}
	for _, v := range []float64{r.x0, r.y0, r.x1, r.y1} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return pixelRect{}, false
		}
	}
	padX := 2 + 0.1*(r.x1-r.x0)
	padY := 2 + 0.1*(r.y1-r.y0)
	return pixelRect{r.x0 - padX, r.y0 - padY, r.x1 + padX, r.y1 + padY}, true
}

func (s *coneSet) pixelBounds(proj Projection) (pixelRect, bool) {
	if len(s.cones) == 0 {
		return pixelRect{0, 0, -1, -1}, true
	}
	var out pixelRect
	for i, c := range s.cones {
		b, ok := c.pixelBounds(proj)
		if !ok {
			return pixelRect{}, false
		}
		if i == 0 {
			out = b
		} else {
			out = out.union(b)
		}
	}
	return out, true
}

// pixelBounds of an intersection is the overlap of its bounded members.
func (r intersection) pixelBounds(proj Projection) (pixelRect, bool) {
	var out pixelRect
	found := false
	for _, reg := range r {
		pb, ok := reg.(pixelBounded)
		if !ok {
			continue
		}
		b, ok := pb.pixelBounds(proj)
		if !ok {
			continue
		}
		if !found {
			out, found = b, true
		} else {
			out = out.intersect(b)
		}
	}
	return out, found
}

func (r union) pixelBounds(proj Projection) (pixelRect, bool) {
	if len(r) == 0 {
		return pixelRect{0, 0, -1, -1}, true
	}
	var out pixelRect
	for i, reg := range r {
		pb, ok := reg.(pixelBounded)
		if !ok {
			return pixelRect{}, false
		}
		b, ok := pb.pixelBounds(proj)
		if !ok {
			return pixelRect{}, false
		}
		if i == 0 {
			out = b
		} else {
			out = out.union(b)
		}
	}
	return out, true
}

// AngularSeparation returns the great-circle distance in degrees.
func AngularSeparation(ra1, dec1, ra2, dec2 float64) float64 {
	const rad = math.Pi / 180
	d1, d2 := dec1*rad, dec2*rad
	dra := (ra2 - ra1) * rad
	sdd := math.Sin((d2 - d1) / 2)
	sdr := math.Sin(dra / 2)
	h := sdd*sdd + math.Cos(d1)*math.Cos(d2)*sdr*sdr
	return 2 * math.Asin(math.Min(1, math.Sqrt(h))) / rad
}

func normRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}
