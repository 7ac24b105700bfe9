package annot

import (
	"errors"
	"fmt"
)

var ErrUnknownClass = errors.New("Unknown annotation class")

// ClassID is the stable external identifier of a class (eg "Tumor")
type ClassID string

// ClassIndex is the dense position of a class in the catalog. Index 0 is background.
type ClassIndex int

const Background ClassIndex = 0

type Class struct {
	ID    ClassID `json:"id"`
	Name  string  `json:"name"`  // Friendly name. Defaults to ID
	Color uint32  `json:"color"` // 0xRRGGBB, used for previews
}

// Catalog is an immutable, ordered list of classes.
// Entry 0 is the background class. It is excluded from multilabel channels.
// When the class list changes, build a new Catalog. Indices from an old catalog must not be
// used with a new one.
type Catalog struct {
	classes []Class
	byID    map[ClassID]ClassIndex
}

func NewCatalog(classes []Class) (*Catalog, error) {
	c := &Catalog{
		classes: make([]Class, len(classes)),
		byID:    make(map[ClassID]ClassIndex, len(classes)),
	}
	for i, cls := range classes {
		if cls.ID == "" {
			return nil, fmt.Errorf("Class %v has an empty ID", i)
		}
		if _, exists := c.byID[cls.ID]; exists {
			return nil, fmt.Errorf("Duplicate class ID '%v'", cls.ID)
		}
		if cls.Name == "" {
			cls.Name = string(cls.ID)
		}
		c.classes[i] = cls
		c.byID[cls.ID] = ClassIndex(i)
	}
	return c, nil
}

// NewCatalogFromIDs is a convenience for tests and tools. Colors are left zero.
func NewCatalogFromIDs(ids ...ClassID) (*Catalog, error) {
	classes := make([]Class, len(ids))
	for i, id := range ids {
		classes[i] = Class{ID: id}
	}
	return NewCatalog(classes)
}

func (c *Catalog) Len() int {
	return len(c.classes)
}

// NumChannels is the number of planes in a multilabel mask (background has no plane)
func (c *Catalog) NumChannels() int {
	return max(0, len(c.classes)-1)
}

// Classes returns a copy of the class list
func (c *Catalog) Classes() []Class {
	return append([]Class(nil), c.classes...)
}

func (c *Catalog) IndexOf(id ClassID) (ClassIndex, error) {
	idx, ok := c.byID[id]
	if !ok {
		return 0, fmt.Errorf("%w '%v'", ErrUnknownClass, id)
	}
	return idx, nil
}

func (c *Catalog) IDOf(idx ClassIndex) (ClassID, error) {
	if idx < 0 || int(idx) >= len(c.classes) {
		return "", fmt.Errorf("%w index %v (catalog has %v classes)", ErrUnknownClass, idx, len(c.classes))
	}
	return c.classes[idx].ID, nil
}

func (c *Catalog) Class(idx ClassIndex) (Class, error) {
	if idx < 0 || int(idx) >= len(c.classes) {
		return Class{}, fmt.Errorf("%w index %v (catalog has %v classes)", ErrUnknownClass, idx, len(c.classes))
	}
	return c.classes[idx], nil
}

// ClassKey refers to a class either by its external ID or by its local index.
// Filters accept both forms, so callers may mix them.
type ClassKey struct {
	ID      ClassID
	Index   ClassIndex
	ByIndex bool
}

func KeyID(id ClassID) ClassKey {
	return ClassKey{ID: id}
}

func KeyIndex(idx ClassIndex) ClassKey {
	return ClassKey{Index: idx, ByIndex: true}
}

func (k ClassKey) String() string {
	if k.ByIndex {
		return fmt.Sprintf("#%v", int(k.Index))
	}
	return string(k.ID)
}

// Resolve converts either form of key into a local index
func (c *Catalog) Resolve(k ClassKey) (ClassIndex, error) {
	if k.ByIndex {
		if _, err := c.IDOf(k.Index); err != nil {
			return 0, err
		}
		return k.Index, nil
	}
	return c.IndexOf(k.ID)
}

// Filter selects annotations by class. The zero Filter accepts everything.
type Filter struct {
	ids     map[ClassID]bool
	indices map[ClassIndex]bool
}

// NewFilter validates every key against the catalog, and returns ErrUnknownClass
// for any key that the catalog doesn't know about.
func NewFilter(c *Catalog, keys ...ClassKey) (Filter, error) {
	f := Filter{}
	for _, k := range keys {
		if _, err := c.Resolve(k); err != nil {
			return Filter{}, fmt.Errorf("Invalid class filter: %w", err)
		}
		if k.ByIndex {
			if f.indices == nil {
				f.indices = map[ClassIndex]bool{}
			}
			f.indices[k.Index] = true
		} else {
			if f.ids == nil {
				f.ids = map[ClassID]bool{}
			}
			f.ids[k.ID] = true
		}
	}
	return f, nil
}

func (f Filter) IsEmpty() bool {
	return len(f.ids) == 0 && len(f.indices) == 0
}

// Allows is an inclusive-or over the two key forms
func (f Filter) Allows(id ClassID, idx ClassIndex) bool {
	return f.IsEmpty() || f.ids[id] || f.indices[idx]
}
