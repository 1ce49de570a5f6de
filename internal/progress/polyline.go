// Package progress places vehicles along an ordered route and builds the markers shown
// for a route.
package progress

import (
	"errors"
	"math"
)

// minLonScale keeps the projection usable near the poles
const minLonScale = 0.2

// Point is a WGS84 coordinate
type Point struct {
	Lat float64
	Lon float64
}

// Polyline is a route projected onto a local equirectangular plane, with cumulative
// arc length at every vertex.
type Polyline struct {
	xs, ys   []float64
	cum      []float64
	total    float64
	lonScale float64
}

// NewPolyline projects an ordered list of at least two points
func NewPolyline(points []Point) (*Polyline, error) {
	if len(points) < 2 {
		return nil, errors.New("polyline needs at least two points")
	}

	var refLat float64
	for _, p := range points {
		refLat += p.Lat
	}
	refLat /= float64(len(points))

	pl := &Polyline{
		xs:       make([]float64, len(points)),
		ys:       make([]float64, len(points)),
		cum:      make([]float64, len(points)),
		lonScale: math.Max(math.Cos(refLat*math.Pi/180), minLonScale),
	}
	for i, p := range points {
		pl.xs[i], pl.ys[i] = pl.project(p.Lat, p.Lon)
		if i > 0 {
			pl.cum[i] = pl.cum[i-1] + math.Hypot(pl.xs[i]-pl.xs[i-1], pl.ys[i]-pl.ys[i-1])
		}
	}
	pl.total = pl.cum[len(points)-1]
	return pl, nil
}

func (pl *Polyline) project(lat, lon float64) (float64, float64) {
	return lon * pl.lonScale, lat
}

// Project returns how far along the line (0..1) the point closest to (lat, lon) lies
func (pl *Polyline) Project(lat, lon float64) float64 {
	if pl.total == 0 || math.IsNaN(lat) || math.IsNaN(lon) {
		return 0
	}
	x, y := pl.project(lat, lon)

	bestDist2 := math.Inf(1)
	bestAlong := 0.0
	for i := 1; i < len(pl.xs); i++ {
		x0, y0 := pl.xs[i-1], pl.ys[i-1]
		dx, dy := pl.xs[i]-x0, pl.ys[i]-y0
		segLen2 := dx*dx + dy*dy

		t := 0.0
		if segLen2 > 0 {
			t = clamp(((x-x0)*dx+(y-y0)*dy)/segLen2, 0, 1)
		}
		px, py := x0+t*dx-x, y0+t*dy-y
		if d2 := px*px + py*py; d2 < bestDist2 {
			bestDist2 = d2
			bestAlong = pl.cum[i-1] + t*(pl.cum[i]-pl.cum[i-1])
		}
	}
	return clamp(bestAlong/pl.total, 0, 1)
}

// Length is the projected length in scaled degrees
func (pl *Polyline) Length() float64 {
	return pl.total
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
