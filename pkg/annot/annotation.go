// Package annot holds the per-image annotation collection, the class catalog, and the
// spatial index that the tile engine queries.
package annot

import (
	"fmt"

	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/paulmach/orb"
)

// Annotation is a class-tagged geometry attached to one image.
// Geometry may have several parts (eg the result of a merge that split apart again when shrunk).
type Annotation struct {
	ID       int64            `json:"id"`
	Geometry orb.MultiPolygon `json:"geometry"`
	Class    ClassID          `json:"class"` // Empty means unclassified. Unclassified annotations are never indexed.
	Name     string           `json:"name,omitempty"`
}

func (a *Annotation) IsClassified() bool {
	return a.Class != ""
}

// Collection is the ordered set of annotations belonging to one image.
// Annotations are only created and deleted through the collection.
// A Collection is not safe for concurrent mutation. The tiling service serializes writers per image.
type Collection struct {
	ImageID string

	items   []*Annotation
	byID    map[int64]*Annotation
	nextID  int64
	version uint64
}

func NewCollection(imageID string) *Collection {
	return &Collection{
		ImageID: imageID,
		byID:    map[int64]*Annotation{},
		nextID:  1,
	}
}

// Version increments on every mutation. Indexes use it to detect that they are stale.
func (c *Collection) Version() uint64 {
	return c.version
}

func (c *Collection) Len() int {
	return len(c.items)
}

// All returns the annotations in insertion order. The slice is a copy, but the annotations are shared.
func (c *Collection) All() []*Annotation {
	return append([]*Annotation(nil), c.items...)
}

func (c *Collection) Get(id int64) *Annotation {
	return c.byID[id]
}

// Add creates a new annotation
func (c *Collection) Add(geometry orb.MultiPolygon, class ClassID) (*Annotation, error) {
	return c.Insert(0, geometry, class, "")
}

func (c *Collection) AddPolygon(p orb.Polygon, class ClassID) (*Annotation, error) {
	return c.Add(orb.MultiPolygon{p}, class)
}

// Insert adds an annotation with a specific ID, which is how a store reloads a saved collection.
// If id is 0, a new ID is allocated.
// Geometry that GEOS considers invalid (eg a self-intersecting ring) is rejected here, so that
// it can't later fail only those tiles whose edges happen to cut through it.
func (c *Collection) Insert(id int64, geometry orb.MultiPolygon, class ClassID, name string) (*Annotation, error) {
	if _, err := geom.MultiToGEOS(geometry); err != nil {
		return nil, fmt.Errorf("Image %v: %w", c.ImageID, err)
	}
	if id == 0 {
		id = c.nextID
	} else if _, exists := c.byID[id]; exists {
		return nil, fmt.Errorf("Image %v: duplicate annotation ID %v", c.ImageID, id)
	}
	c.nextID = max(c.nextID, id+1)
	a := &Annotation{
		ID:       id,
		Geometry: geometry,
		Class:    class,
		Name:     name,
	}
	c.items = append(c.items, a)
	c.byID[id] = a
	c.version++
	return a, nil
}

// SetClass reclassifies an annotation
func (c *Collection) SetClass(id int64, class ClassID) error {
	a := c.byID[id]
	if a == nil {
		return fmt.Errorf("Image %v: annotation %v not found", c.ImageID, id)
	}
	a.Class = class
	c.version++
	return nil
}

// Discard removes one annotation. Returns false if it was not present.
func (c *Collection) Discard(id int64) bool {
	return c.DiscardMany([]int64{id}) == 1
}

// DiscardMany removes all of the given annotations in a single pass, and returns the number removed.
func (c *Collection) DiscardMany(ids []int64) int {
	remove := map[int64]bool{}
	for _, id := range ids {
		if _, ok := c.byID[id]; ok {
			remove[id] = true
		}
	}
	if len(remove) == 0 {
		return 0
	}
	kept := c.items[:0]
	for _, a := range c.items {
		if remove[a.ID] {
			delete(c.byID, a.ID)
		} else {
			kept = append(kept, a)
		}
	}
	clear(c.items[len(kept):])
	c.items = kept
	c.version++
	return len(remove)
}

// Clear removes every annotation
func (c *Collection) Clear() {
	c.items = nil
	c.byID = map[int64]*Annotation{}
	c.version++
}
