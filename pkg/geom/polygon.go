// Package geom holds the polygon model shared by the tile engine.
// Polygons are paulmach/orb values: ring 0 is the exterior, and any further rings are holes.
// Exact boolean operations (intersection, buffer, union) are delegated to GEOS, see geos.go.
package geom

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

var ErrInvalidGeometry = errors.New("Invalid geometry")

// SignedArea is the shoelace area of the ring. In image coordinates (y down),
// a clockwise ring has positive area. The ring may be open or closed.
func SignedArea(ring orb.Ring) float64 {
	n := len(ring)
	if n < 3 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		a := ring[i]
		b := ring[(i+1)%n]
		sum += a[0]*b[1] - b[0]*a[1]
	}
	return sum / 2
}

// ExteriorArea is the area enclosed by the exterior ring, ignoring holes.
func ExteriorArea(p orb.Polygon) float64 {
	if len(p) == 0 {
		return 0
	}
	return math.Abs(SignedArea(p[0]))
}

// Area is the exterior area minus the area of the holes
func Area(p orb.Polygon) float64 {
	a := ExteriorArea(p)
	for _, hole := range p[min(1, len(p)):] {
		a -= math.Abs(SignedArea(hole))
	}
	return a
}

func MultiArea(mp orb.MultiPolygon) float64 {
	a := 0.0
	for _, p := range mp {
		a += Area(p)
	}
	return a
}

// CloseRing returns the ring with its first point repeated at the end, if it isn't already.
func CloseRing(ring orb.Ring) orb.Ring {
	if len(ring) == 0 || ring.Closed() {
		return ring
	}
	c := make(orb.Ring, len(ring), len(ring)+1)
	copy(c, ring)
	return append(c, ring[0])
}

// Orient makes the exterior ring clockwise in image coordinates (positive SignedArea), and the
// holes counter-clockwise. Rings are closed.
func Orient(p orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i, ring := range p {
		r := CloseRing(append(orb.Ring(nil), ring...))
		if (i == 0) != (SignedArea(r) > 0) {
			r.Reverse()
		}
		out[i] = r
	}
	return out
}

// Transform returns (p + (dx,dy)) * scale, applied to every vertex.
func Transform(p orb.Polygon, dx, dy, scale float64) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i, ring := range p {
		r := make(orb.Ring, len(ring))
		for j, pt := range ring {
			r[j] = orb.Point{(pt[0] + dx) * scale, (pt[1] + dy) * scale}
		}
		out[i] = r
	}
	return out
}

func Translate(p orb.Polygon, dx, dy float64) orb.Polygon {
	return Transform(p, dx, dy, 1)
}

// Scale about the origin
func Scale(p orb.Polygon, factor float64) orb.Polygon {
	return Transform(p, 0, 0, factor)
}

// RoundPolygon rounds every vertex to the nearest integer, with ties going to the even
// integer (math.RoundToEven). Consecutive vertices that collapse onto the same integer
// point are emitted once.
func RoundPolygon(p orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, 0, len(p))
	for _, ring := range p {
		r := make(orb.Ring, 0, len(ring))
		for _, pt := range ring {
			q := orb.Point{math.RoundToEven(pt[0]), math.RoundToEven(pt[1])}
			if len(r) != 0 && r[len(r)-1] == q {
				continue
			}
			r = append(r, q)
		}
		out = append(out, r)
	}
	return out
}

// Validate performs the cheap structural checks that we need before handing a polygon
// to GEOS or to the index. Self-intersection is detected later by GEOS.
func Validate(p orb.Polygon) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: polygon has no rings", ErrInvalidGeometry)
	}
	for i, ring := range p {
		distinct := 0
		for j, pt := range ring {
			if math.IsNaN(pt[0]) || math.IsNaN(pt[1]) || math.IsInf(pt[0], 0) || math.IsInf(pt[1], 0) {
				return fmt.Errorf("%w: ring %v has a non-finite coordinate", ErrInvalidGeometry, i)
			}
			if j == 0 || pt != ring[j-1] {
				distinct++
			}
		}
		if ring.Closed() {
			distinct--
		}
		if distinct < 3 {
			return fmt.Errorf("%w: ring %v has %v distinct points", ErrInvalidGeometry, i, distinct)
		}
	}
	return nil
}

func ValidateMulti(mp orb.MultiPolygon) error {
	if len(mp) == 0 {
		return fmt.Errorf("%w: empty multipolygon", ErrInvalidGeometry)
	}
	for _, p := range mp {
		if err := Validate(p); err != nil {
			return err
		}
	}
	return nil
}
