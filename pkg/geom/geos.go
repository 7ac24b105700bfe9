package geom

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/twpayne/go-geos"
)

// BufferQuadSegs is the number of segments used to approximate a quarter circle when buffering
const BufferQuadSegs = 16

// GEOS reports errors by panicking. Convert those into ErrInvalidGeometry.
func catchGEOS(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: GEOS: %v", ErrInvalidGeometry, r)
	}
}

func ringCoords(ring orb.Ring) [][]float64 {
	ring = CloseRing(ring)
	coords := make([][]float64, len(ring))
	for i, pt := range ring {
		coords[i] = []float64{pt[0], pt[1]}
	}
	return coords
}

func ringFromCoords(coords [][]float64) orb.Ring {
	ring := make(orb.Ring, len(coords))
	for i, c := range coords {
		ring[i] = orb.Point{c[0], c[1]}
	}
	return ring
}

// ToGEOS converts a polygon into a GEOS geometry. The polygon must be valid according
// to GEOS (no self intersections, holes inside the shell, etc).
func ToGEOS(p orb.Polygon) (g *geos.Geom, err error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	defer catchGEOS(&err)
	coordss := make([][][]float64, len(p))
	for i, ring := range p {
		coordss[i] = ringCoords(ring)
	}
	g = geos.NewPolygon(coordss)
	if !g.IsValid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, g.IsValidReason())
	}
	return g, nil
}

// MultiToGEOS converts a (possibly multi-part) polygon into a GEOS geometry
func MultiToGEOS(mp orb.MultiPolygon) (g *geos.Geom, err error) {
	if err := ValidateMulti(mp); err != nil {
		return nil, err
	}
	if len(mp) == 1 {
		return ToGEOS(mp[0])
	}
	defer catchGEOS(&err)
	closed := make(orb.MultiPolygon, len(mp))
	for i, p := range mp {
		closed[i] = make(orb.Polygon, len(p))
		for j, ring := range p {
			closed[i][j] = CloseRing(ring)
		}
	}
	g, err = geos.NewGeomFromWKT(wkt.MarshalString(closed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	if !g.IsValid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, g.IsValidReason())
	}
	return g, nil
}

// PolygonsFromGEOS flattens a GEOS result into simple polygons.
// Points, lines, and polygons with zero area are dropped, because these are the
// normal by-products of clipping geometry that merely touches the clip boundary.
func PolygonsFromGEOS(g *geos.Geom) []orb.Polygon {
	if g == nil || g.IsEmpty() {
		return nil
	}
	switch g.TypeID() {
	case geos.TypeIDPolygon:
		if g.Area() <= 0 {
			return nil
		}
		return []orb.Polygon{polygonFromGEOS(g)}
	case geos.TypeIDMultiPolygon, geos.TypeIDGeometryCollection:
		out := []orb.Polygon{}
		for i := 0; i < g.NumGeometries(); i++ {
			out = append(out, PolygonsFromGEOS(g.Geometry(i))...)
		}
		return out
	}
	return nil
}

func polygonFromGEOS(g *geos.Geom) orb.Polygon {
	p := make(orb.Polygon, 0, 1+g.NumInteriorRings())
	p = append(p, ringFromCoords(g.ExteriorRing().CoordSeq().ToCoords()))
	for i := 0; i < g.NumInteriorRings(); i++ {
		p = append(p, ringFromCoords(g.InteriorRing(i).CoordSeq().ToCoords()))
	}
	return p
}

// Intersect clips g against the rectangle r, returning the polygonal parts of the result
func Intersect(g *geos.Geom, r Rect) (parts []orb.Polygon, err error) {
	clip, err := ToGEOS(r.Polygon())
	if err != nil {
		return nil, err
	}
	defer catchGEOS(&err)
	return PolygonsFromGEOS(g.Intersection(clip)), nil
}

// Buffer expands (dist > 0) or shrinks (dist < 0) the geometry
func Buffer(g *geos.Geom, dist float64) (b *geos.Geom, err error) {
	defer catchGEOS(&err)
	return g.Buffer(dist, BufferQuadSegs), nil
}

// Intersects is a panic-safe wrapper around GEOS Intersects
func Intersects(a, b *geos.Geom) (yes bool, err error) {
	defer catchGEOS(&err)
	return a.Intersects(b), nil
}

// UnionAll returns the union of all geometries. geoms must not be empty.
func UnionAll(geoms []*geos.Geom) (u *geos.Geom, err error) {
	defer catchGEOS(&err)
	// Pairwise reduction keeps the intermediate geometries small
	for len(geoms) > 1 {
		next := make([]*geos.Geom, 0, (len(geoms)+1)/2)
		for i := 0; i < len(geoms); i += 2 {
			if i+1 < len(geoms) {
				next = append(next, geoms[i].Union(geoms[i+1]))
			} else {
				next = append(next, geoms[i])
			}
		}
		geoms = next
	}
	return geoms[0], nil
}

// MakeValid returns the polygonal parts of p after GEOS has repaired it.
// Collapsed parts (spikes and zero-width necks) are discarded. A valid polygon is returned as is.
func MakeValid(p orb.Polygon) (parts []orb.Polygon, err error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	defer catchGEOS(&err)
	coordss := make([][][]float64, len(p))
	for i, ring := range p {
		coordss[i] = ringCoords(ring)
	}
	g := geos.NewPolygon(coordss)
	if g.IsValid() {
		return []orb.Polygon{p}, nil
	}
	return PolygonsFromGEOS(g.MakeValidWithParams(geos.MakeValidStructure, geos.MakeValidDiscardCollapsed)), nil
}
