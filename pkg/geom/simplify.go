package geom

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
)

// Simplify applies Douglas-Peucker simplification to every ring of the polygon.
// A ring that would collapse below a triangle keeps its original vertices.
func Simplify(p orb.Polygon, tolerance float64) orb.Polygon {
	if tolerance <= 0 {
		return p
	}
	out := make(orb.Polygon, len(p))
	for i, ring := range p {
		ls := orb.LineString(CloseRing(ring))
		s := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone())
		result, ok := s.(orb.LineString)
		if !ok || len(result) < 4 {
			out[i] = ring
			continue
		}
		out[i] = orb.Ring(result)
	}
	return out
}

// RemoveCollinear drops vertices that lie on the straight line between their neighbours.
// The returned ring is closed.
func RemoveCollinear(ring orb.Ring) orb.Ring {
	if ring.Closed() {
		ring = ring[:len(ring)-1]
	}
	n := len(ring)
	if n < 3 {
		return CloseRing(ring)
	}
	out := make(orb.Ring, 0, n+1)
	for i := 0; i < n; i++ {
		a := ring[(i+n-1)%n]
		b := ring[i]
		c := ring[(i+1)%n]
		cross := (b[0]-a[0])*(c[1]-b[1]) - (b[1]-a[1])*(c[0]-b[0])
		if cross != 0 {
			out = append(out, b)
		}
	}
	if len(out) < 3 {
		return CloseRing(ring)
	}
	return CloseRing(out)
}
