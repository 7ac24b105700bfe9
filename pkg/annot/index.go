package annot

import (
	"errors"
	"fmt"
	"sync"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/paulmach/orb"
	"github.com/twpayne/go-geos"
)

var ErrStaleIndex = errors.New("Annotation index is stale")

// Handle identifies an entry in an Index. Handles are dense (0..Len-1), and are only
// meaningful for the Index that issued them.
type Handle int

// Entry is the side-table record for one indexed annotation
type Entry struct {
	Handle       Handle
	AnnotationID int64
	Class        ClassID
	Index        ClassIndex
	Geometry     orb.MultiPolygon
	Bound        orb.Bound
}

type lazyGEOS struct {
	once sync.Once
	geom *geos.Geom
	err  error
}

// Index is a bounding box tree over a snapshot of an image's classified annotations.
// It is immutable once built, so it may be shared by concurrent readers.
// When the collection changes, build a new Index rather than patching this one.
type Index struct {
	ImageID string

	version uint64 // Collection version that this index was built from
	entries []Entry
	geoms   []lazyGEOS
	fb      *flatbush.Flatbush[float64] // nil when there are no entries
}

// BuildIndex snapshots the classified annotations of coll.
// Every annotation class must be present in the catalog.
func BuildIndex(coll *Collection, catalog *Catalog) (*Index, error) {
	idx := &Index{
		ImageID: coll.ImageID,
		version: coll.Version(),
	}
	for _, a := range coll.items {
		if !a.IsClassified() {
			continue
		}
		ci, err := catalog.IndexOf(a.Class)
		if err != nil {
			return nil, fmt.Errorf("Image %v, annotation %v: %w", coll.ImageID, a.ID, err)
		}
		idx.entries = append(idx.entries, Entry{
			Handle:       Handle(len(idx.entries)),
			AnnotationID: a.ID,
			Class:        a.Class,
			Index:        ci,
			Geometry:     a.Geometry,
			Bound:        a.Geometry.Bound(),
		})
	}
	idx.geoms = make([]lazyGEOS, len(idx.entries))

	if len(idx.entries) != 0 {
		fb := flatbush.NewFlatbush64()
		fb.Reserve(len(idx.entries))
		for _, e := range idx.entries {
			fb.Add(e.Bound.Min[0], e.Bound.Min[1], e.Bound.Max[0], e.Bound.Max[1])
		}
		fb.Finish()
		idx.fb = fb
	}
	return idx, nil
}

func (ix *Index) Len() int {
	return len(ix.entries)
}

func (ix *Index) Entry(h Handle) *Entry {
	return &ix.entries[h]
}

// Query returns every entry whose bounding box intersects b.
// This is a superset of the entries whose geometry intersects b.
func (ix *Index) Query(b orb.Bound) []Handle {
	return ix.QueryInto(b, nil, nil)
}

// QueryInto is Query with caller-supplied buffers, to avoid allocations in hot loops.
// scratch is used for the raw search results, and the handles are appended to results[:0].
func (ix *Index) QueryInto(b orb.Bound, scratch []int, results []Handle) []Handle {
	results = results[:0]
	if ix.fb == nil || b.Max[0] < b.Min[0] || b.Max[1] < b.Min[1] || (b.Max[0] == b.Min[0] && b.Max[1] == b.Min[1]) {
		return results
	}
	scratch = ix.fb.SearchFast(b.Min[0], b.Min[1], b.Max[0], b.Max[1], scratch)
	for _, i := range scratch {
		results = append(results, Handle(i))
	}
	return results
}

// GEOS returns the GEOS form of the entry's geometry. The conversion happens once per entry,
// on first use, and is safe to call from multiple goroutines.
func (ix *Index) GEOS(h Handle) (*geos.Geom, error) {
	lg := &ix.geoms[h]
	lg.once.Do(func() {
		lg.geom, lg.err = geom.MultiToGEOS(ix.entries[h].Geometry)
		if lg.err != nil {
			lg.err = fmt.Errorf("Image %v, annotation %v: %w", ix.ImageID, ix.entries[h].AnnotationID, lg.err)
		}
	})
	return lg.geom, lg.err
}

// IsStale returns true if coll has been modified since the index was built
func (ix *Index) IsStale(coll *Collection) bool {
	return coll.ImageID != ix.ImageID || coll.Version() != ix.version
}

func (ix *Index) CheckFresh(coll *Collection) error {
	if ix.IsStale(coll) {
		return fmt.Errorf("%w: image %v (index version %v, collection version %v)", ErrStaleIndex, ix.ImageID, ix.version, coll.Version())
	}
	return nil
}
