// Package tiles answers "what annotations overlap this tile", and paints those annotations
// into label masks.
package tiles

import (
	"fmt"

	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/paulmach/orb"
)

// Fragment is one simple polygon that results from clipping an annotation to a tile
type Fragment struct {
	Class   annot.ClassID
	Index   annot.ClassIndex
	Polygon orb.Polygon
	Source  int64 // Annotation ID
}

// TileAnnotations clips every annotation that overlaps tile against the tile rectangle.
// Multi-part clip results are flattened, and non-polygonal remnants are dropped.
// Fragments are returned in no particular order, and every fragment lies inside tile.
func TileAnnotations(idx *annot.Index, tile geom.Rect, filter annot.Filter) ([]Fragment, error) {
	if tile.IsEmpty() {
		return nil, nil
	}
	fragments := []Fragment{}
	for _, h := range idx.Query(tile.Bound()) {
		e := idx.Entry(h)
		if !filter.Allows(e.Class, e.Index) {
			continue
		}
		if !e.Bound.Intersects(tile.Bound()) {
			continue
		}
		if tile.ContainsBound(e.Bound) {
			// Already inside the tile, so the intersection is the geometry itself
			for _, p := range e.Geometry {
				fragments = append(fragments, Fragment{Class: e.Class, Index: e.Index, Polygon: p, Source: e.AnnotationID})
			}
			continue
		}
		g, err := idx.GEOS(h)
		if err != nil {
			return nil, fmt.Errorf("Tile %v, class %v: %w", tile, e.Class, err)
		}
		parts, err := geom.Intersect(g, tile)
		if err != nil {
			return nil, fmt.Errorf("Image %v, tile %v, annotation %v, class %v: %w", idx.ImageID, tile, e.AnnotationID, e.Class, err)
		}
		for _, p := range parts {
			fragments = append(fragments, Fragment{Class: e.Class, Index: e.Index, Polygon: p, Source: e.AnnotationID})
		}
	}
	return fragments, nil
}
