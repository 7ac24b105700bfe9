// Package merge joins same-class annotations that lie close to each other.
//
// Two annotations are neighbours when their geometries, each dilated by maxDist, intersect.
// Every connected component of two or more neighbours is replaced by a single annotation:
// the union of the dilated members, eroded by maxDist again (a morphological closing).
package merge

import (
	"fmt"
	"math"

	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/paulmach/orb"
	"github.com/twpayne/go-geos"
)

type Result struct {
	Components int     // Number of components with two or more members
	Removed    int     // Annotations discarded
	Added      int     // Merged annotations created
	MergedIDs  []int64 // IDs of the merged annotations
}

// component is a group of annotations that will be replaced by one geometry
type component struct {
	class    annot.ClassID
	members  []int64
	geometry orb.MultiPolygon
}

type merger struct {
	idx      *annot.Index
	maxDist  float64
	buffered []*geos.Geom // Lazily computed dilation of every entry
	absorbed []bool
	near     []annot.Handle
}

// MergeNear merges the annotations of coll. idx must have been built from the current state
// of coll, and is stale once this function returns (if anything was merged).
// The collection is only modified once every component has been computed, so a geometry
// failure leaves coll untouched.
func MergeNear(coll *annot.Collection, idx *annot.Index, maxDist float64) (*Result, error) {
	if maxDist < 0 || math.IsNaN(maxDist) || math.IsInf(maxDist, 0) {
		return nil, fmt.Errorf("Invalid merge distance %v", maxDist)
	}
	if err := idx.CheckFresh(coll); err != nil {
		return nil, err
	}

	m := &merger{
		idx:      idx,
		maxDist:  maxDist,
		buffered: make([]*geos.Geom, idx.Len()),
		absorbed: make([]bool, idx.Len()),
	}
	components := []component{}
	for h := 0; h < idx.Len(); h++ {
		if m.absorbed[h] {
			continue
		}
		members, err := m.grow(annot.Handle(h))
		if err != nil {
			return nil, err
		}
		if len(members) < 2 {
			continue
		}
		c, err := m.fuse(members)
		if err != nil {
			return nil, err
		}
		if len(c.geometry) == 0 {
			continue
		}
		components = append(components, c)
	}

	result := &Result{}
	for _, c := range components {
		result.Components++
		result.Removed += coll.DiscardMany(c.members)
		a, err := coll.Add(c.geometry, c.class)
		if err != nil {
			// Geometry was validated in fuse(), so this is unreachable
			return nil, fmt.Errorf("Image %v: Failed to add merged annotation: %w", idx.ImageID, err)
		}
		result.Added++
		result.MergedIDs = append(result.MergedIDs, a.ID)
	}
	return result, nil
}

func (m *merger) dilated(h annot.Handle) (*geos.Geom, error) {
	if m.buffered[h] != nil {
		return m.buffered[h], nil
	}
	g, err := m.idx.GEOS(h)
	if err != nil {
		return nil, err
	}
	b, err := geom.Buffer(g, m.maxDist)
	if err != nil {
		e := m.idx.Entry(h)
		return nil, fmt.Errorf("Image %v, annotation %v, class %v: Failed to buffer: %w", m.idx.ImageID, e.AnnotationID, e.Class, err)
	}
	m.buffered[h] = b
	return b, nil
}

// grow finds the connected component of seed, using a worklist of frontier handles.
func (m *merger) grow(seed annot.Handle) ([]annot.Handle, error) {
	class := m.idx.Entry(seed).Class
	m.absorbed[seed] = true
	members := []annot.Handle{seed}
	frontier := []annot.Handle{seed}
	for len(frontier) != 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		curBuffered, err := m.dilated(cur)
		if err != nil {
			return nil, err
		}
		// Both geometries are dilated by maxDist, so a neighbour's raw bounding box is within
		// 2*maxDist of ours.
		search := m.idx.Entry(cur).Bound.Pad(2 * m.maxDist)
		m.near = m.idx.QueryInto(search, nil, m.near)
		for _, h := range m.near {
			if m.absorbed[h] || m.idx.Entry(h).Class != class {
				continue
			}
			hBuffered, err := m.dilated(h)
			if err != nil {
				return nil, err
			}
			touch, err := geom.Intersects(curBuffered, hBuffered)
			if err != nil {
				return nil, fmt.Errorf("Image %v, class %v: %w", m.idx.ImageID, class, err)
			}
			if touch {
				m.absorbed[h] = true
				members = append(members, h)
				frontier = append(frontier, h)
			}
		}
	}
	return members, nil
}

// fuse computes the closing of the component's members
func (m *merger) fuse(members []annot.Handle) (component, error) {
	first := m.idx.Entry(members[0])
	c := component{class: first.Class}
	parts := make([]*geos.Geom, 0, len(members))
	for _, h := range members {
		b, err := m.dilated(h)
		if err != nil {
			return c, err
		}
		parts = append(parts, b)
		c.members = append(c.members, m.idx.Entry(h).AnnotationID)
	}
	union, err := geom.UnionAll(parts)
	if err != nil {
		return c, fmt.Errorf("Image %v, class %v: Failed to union %v annotations: %w", m.idx.ImageID, c.class, len(members), err)
	}
	eroded, err := geom.Buffer(union, -m.maxDist)
	if err != nil {
		return c, fmt.Errorf("Image %v, class %v: Failed to erode merged annotation: %w", m.idx.ImageID, c.class, err)
	}
	for _, p := range geom.PolygonsFromGEOS(eroded) {
		c.geometry = append(c.geometry, p)
	}
	if len(c.geometry) != 0 {
		if err := geom.ValidateMulti(c.geometry); err != nil {
			return c, fmt.Errorf("Image %v, class %v: merged annotation: %w", m.idx.ImageID, c.class, err)
		}
	}
	return c, nil
}
