// Package tiling serves tiles, annotation fragments and label masks for the images of a project,
// and writes vectorized masks and merges back into the project.
//
// Each image has its own annotation collection and index. Reads take a snapshot of the
// current index and then run without any locks held. Writes to an image are serialized
// by the image's lock, and always finish by persisting the collection.
package tiling

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/cyclopcam/slidetile/pkg/merge"
	"github.com/cyclopcam/slidetile/pkg/tiles"
	"github.com/cyclopcam/slidetile/pkg/vectorize"
	"github.com/cyclopcam/slidetile/server/project"
	"github.com/cyclopcam/slidetile/server/slide"
	"github.com/paulmach/orb"
)

var ErrClassInUse = errors.New("Class is used by annotations")
var ErrAnnotationNotFound = errors.New("Annotation not found")

type Service struct {
	Log     logs.Log
	Project *project.Project
	Slides  slide.Source

	// classLock is held for writing while the catalog changes, and for reading while annotations
	// with a class are added, so that no annotation can refer to a class that is being removed.
	// Lock order is classLock, then imageState.lock, then lock.
	classLock sync.RWMutex

	lock    sync.Mutex // Guards catalog and images
	catalog *annot.Catalog
	images  map[string]*imageState
}

type imageState struct {
	lock         sync.Mutex
	loaded       bool
	info         project.Image
	coll         *annot.Collection
	index        *annot.Index
	indexCatalog *annot.Catalog // Catalog that index was built with
}

// view is an immutable snapshot of one image, which is safe to use without locks
type view struct {
	info    project.Image
	index   *annot.Index
	catalog *annot.Catalog
}

func NewService(log logs.Log, proj *project.Project, slides slide.Source) (*Service, error) {
	cat, err := proj.Catalog()
	if err != nil {
		return nil, fmt.Errorf("Failed to load class catalog: %w", err)
	}
	return &Service{
		Log:     log,
		Project: proj,
		Slides:  slides,
		catalog: cat,
		images:  map[string]*imageState{},
	}, nil
}

func (s *Service) Catalog() *annot.Catalog {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.catalog
}

// acquire returns the image's state, locked, with its annotations loaded
func (s *Service) acquire(image string) (*imageState, error) {
	s.lock.Lock()
	st := s.images[image]
	if st == nil {
		st = &imageState{}
		s.images[image] = st
	}
	s.lock.Unlock()

	st.lock.Lock()
	if !st.loaded {
		info, err := s.Project.Image(image)
		if err != nil {
			st.lock.Unlock()
			return nil, err
		}
		coll, err := s.Project.LoadAnnotations(image)
		if err != nil {
			st.lock.Unlock()
			return nil, err
		}
		st.info = *info
		st.coll = coll
		st.index = nil
		st.loaded = true
		s.Log.Debugf("Loaded %v annotations of image %v", coll.Len(), image)
	}
	return st, nil
}

// indexLocked returns a fresh index of the image, building a new one if the collection or
// the catalog has changed since the last build. The caller must hold st.lock.
func (s *Service) indexLocked(st *imageState, cat *annot.Catalog) (*annot.Index, error) {
	if st.index != nil && st.indexCatalog == cat && !st.index.IsStale(st.coll) {
		return st.index, nil
	}
	idx, err := annot.BuildIndex(st.coll, cat)
	if err != nil {
		return nil, err
	}
	st.index = idx
	st.indexCatalog = cat
	s.Log.Debugf("Built index of image %v (%v classified annotations)", st.info.Name, idx.Len())
	return idx, nil
}

func (s *Service) snapshot(image string) (*view, error) {
	cat := s.Catalog()
	st, err := s.acquire(image)
	if err != nil {
		return nil, err
	}
	defer st.lock.Unlock()
	idx, err := s.indexLocked(st, cat)
	if err != nil {
		return nil, err
	}
	return &view{info: st.info, index: idx, catalog: cat}, nil
}

// saveLocked persists the image's collection. If that fails, the in-memory state is dropped,
// so that the next access reloads whatever is in the database.
func (s *Service) saveLocked(st *imageState) error {
	if err := s.Project.SaveAnnotations(st.coll); err != nil {
		st.loaded = false
		st.coll = nil
		st.index = nil
		return err
	}
	return nil
}

// UpdateIndex rebuilds the index of an image, even if it appears to be fresh
func (s *Service) UpdateIndex(image string) error {
	cat := s.Catalog()
	st, err := s.acquire(image)
	if err != nil {
		return err
	}
	defer st.lock.Unlock()
	st.index = nil
	_, err = s.indexLocked(st, cat)
	return err
}

// UpdateClasses replaces the project's class catalog. Every image index is rebuilt on next use.
// A class that is still used by annotations can't be removed (ErrClassInUse).
func (s *Service) UpdateClasses(classes []annot.Class) error {
	s.classLock.Lock()
	defer s.classLock.Unlock()
	return s.updateClassesLocked(classes)
}

// The caller must hold classLock for writing
func (s *Service) updateClassesLocked(classes []annot.Class) error {
	cat, err := annot.NewCatalog(classes)
	if err != nil {
		return err
	}
	usage, err := s.Project.ClassUsage()
	if err != nil {
		return fmt.Errorf("Failed to read class usage: %w", err)
	}
	missing := []string{}
	for id, n := range usage {
		if _, err := cat.IndexOf(id); err != nil {
			missing = append(missing, fmt.Sprintf("%v (%v annotations)", id, n))
		}
	}
	if len(missing) != 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: %v", ErrClassInUse, missing)
	}
	if err := s.Project.SetClasses(classes); err != nil {
		return fmt.Errorf("Failed to save classes: %w", err)
	}
	s.lock.Lock()
	s.catalog = cat
	s.lock.Unlock()
	s.Log.Infof("Class catalog updated (%v classes)", cat.Len())
	return nil
}

// Filter resolves class keys against the current catalog
func (s *Service) Filter(classes ...annot.ClassKey) (annot.Filter, error) {
	return annot.NewFilter(s.Catalog(), classes...)
}

// GetTile reads the RGB pixels of a tile. tile.X and tile.Y are level-0 coordinates,
// and the size is in pixels at level.
func (s *Service) GetTile(image string, tile geom.Rect, level int) (*cimg.Image, error) {
	st, err := s.acquire(image)
	if err != nil {
		return nil, err
	}
	path := st.info.Path
	st.lock.Unlock()
	return s.Slides.ReadRegion(path, tile, level)
}

// GetTileAnnotations returns the fragments of the image's annotations that lie inside tile (level-0 pixels)
func (s *Service) GetTileAnnotations(image string, tile geom.Rect, classes ...annot.ClassKey) ([]tiles.Fragment, error) {
	v, err := s.snapshot(image)
	if err != nil {
		return nil, err
	}
	filter, err := annot.NewFilter(v.catalog, classes...)
	if err != nil {
		return nil, err
	}
	return tiles.TileAnnotations(v.index, tile, filter)
}

func (s *Service) GetTileMask(image string, tile geom.Rect, level int, classes ...annot.ClassKey) (*tiles.LabelMask, error) {
	v, err := s.snapshot(image)
	if err != nil {
		return nil, err
	}
	filter, err := annot.NewFilter(v.catalog, classes...)
	if err != nil {
		return nil, err
	}
	return tiles.Rasterize(v.index, tiles.TileRequest{Tile: tile, Level: level, Filter: filter})
}

// GetTileMaskMulti returns a mask with one plane per non-background class of the catalog
func (s *Service) GetTileMaskMulti(image string, tile geom.Rect, level int, classes ...annot.ClassKey) (*tiles.MultiLabelMask, error) {
	v, err := s.snapshot(image)
	if err != nil {
		return nil, err
	}
	filter, err := annot.NewFilter(v.catalog, classes...)
	if err != nil {
		return nil, err
	}
	return tiles.RasterizeMulti(v.index, v.catalog, tiles.TileRequest{Tile: tile, Level: level, Filter: filter})
}

// SaveMaskAnnotations vectorizes a single-label mask and adds every region as a new annotation.
// opt.Origin is the level-0 position of the mask's top-left pixel.
// Returns the IDs of the new annotations.
func (s *Service) SaveMaskAnnotations(image string, mask *tiles.LabelMask, opt vectorize.Options) ([]int64, error) {
	s.classLock.RLock()
	defer s.classLock.RUnlock()
	// Check every value, including those whose regions are too small to survive vectorization
	cat := s.Catalog()
	var present [256]bool
	for _, v := range mask.Pix {
		present[v] = true
	}
	for v := range present {
		if present[v] {
			if _, err := cat.IDOf(annot.ClassIndex(v)); err != nil {
				return nil, fmt.Errorf("Image %v, mask value %v: %w", image, v, err)
			}
		}
	}
	regions, err := vectorize.Vectorize(mask, opt)
	if err != nil {
		return nil, err
	}
	return s.addRegions(image, regions)
}

// SaveMultiMaskAnnotations is SaveMaskAnnotations for a multilabel mask
func (s *Service) SaveMultiMaskAnnotations(image string, mask *tiles.MultiLabelMask, opt vectorize.Options) ([]int64, error) {
	s.classLock.RLock()
	defer s.classLock.RUnlock()
	if n := s.Catalog().NumChannels(); mask.Channels > n {
		return nil, fmt.Errorf("Image %v: mask has %v channels, but there are only %v classes: %w", image, mask.Channels, n, tiles.ErrClassChannel)
	}
	regions, err := vectorize.VectorizeMulti(mask, opt)
	if err != nil {
		return nil, err
	}
	return s.addRegions(image, regions)
}

// The caller must hold classLock for reading
func (s *Service) addRegions(image string, regions []vectorize.Region) ([]int64, error) {
	cat := s.Catalog()
	// Resolve every class before we touch the collection
	ids := make([]annot.ClassID, len(regions))
	for i, r := range regions {
		id, err := cat.IDOf(r.Index)
		if err != nil {
			return nil, fmt.Errorf("Image %v, mask value %v: %w", image, r.Index, err)
		}
		ids[i] = id
	}

	st, err := s.acquire(image)
	if err != nil {
		return nil, err
	}
	defer st.lock.Unlock()
	added := make([]int64, 0, len(regions))
	for i, r := range regions {
		a, err := st.coll.AddPolygon(r.Polygon, ids[i])
		if err != nil {
			st.coll.DiscardMany(added)
			return nil, err
		}
		added = append(added, a.ID)
	}
	if err := s.saveLocked(st); err != nil {
		return nil, err
	}
	s.Log.Infof("Added %v annotations to image %v from mask", len(added), image)
	return added, nil
}

// AddAnnotation adds a single annotation to an image.
// class must be in the catalog, or empty for an unclassified annotation.
func (s *Service) AddAnnotation(image string, geometry orb.MultiPolygon, class annot.ClassID) (int64, error) {
	s.classLock.RLock()
	defer s.classLock.RUnlock()
	if class != "" {
		if _, err := s.Catalog().IndexOf(class); err != nil {
			return 0, fmt.Errorf("Image %v: %w", image, err)
		}
	}
	st, err := s.acquire(image)
	if err != nil {
		return 0, err
	}
	defer st.lock.Unlock()
	a, err := st.coll.Add(geometry, class)
	if err != nil {
		return 0, err
	}
	if err := s.saveLocked(st); err != nil {
		return 0, err
	}
	return a.ID, nil
}

// DiscardAnnotation removes one annotation from an image
func (s *Service) DiscardAnnotation(image string, id int64) error {
	st, err := s.acquire(image)
	if err != nil {
		return err
	}
	defer st.lock.Unlock()
	if !st.coll.Discard(id) {
		return fmt.Errorf("Image %v, annotation %v: %w", image, id, ErrAnnotationNotFound)
	}
	return s.saveLocked(st)
}

// Annotations returns a snapshot of the image's annotations
func (s *Service) Annotations(image string) ([]annot.Annotation, error) {
	st, err := s.acquire(image)
	if err != nil {
		return nil, err
	}
	defer st.lock.Unlock()
	all := st.coll.All()
	out := make([]annot.Annotation, len(all))
	for i, a := range all {
		out[i] = *a
	}
	return out, nil
}

// MergeNearAnnotations merges same-class annotations of the image that lie within maxDist
// of each other (level-0 pixels).
func (s *Service) MergeNearAnnotations(image string, maxDist float64) (*merge.Result, error) {
	cat := s.Catalog()
	st, err := s.acquire(image)
	if err != nil {
		return nil, err
	}
	defer st.lock.Unlock()
	idx, err := s.indexLocked(st, cat)
	if err != nil {
		return nil, err
	}
	res, err := merge.MergeNear(st.coll, idx, maxDist)
	if err != nil {
		return nil, err
	}
	if res.Components == 0 {
		return res, nil
	}
	// The index is now stale. Replace it on next use.
	st.index = nil
	if err := s.saveLocked(st); err != nil {
		return nil, err
	}
	s.Log.Infof("Image %v: merged %v annotations into %v (maxDist %v)", image, res.Removed, res.Added, maxDist)
	return res, nil
}

// ImportGeoJSON adds the polygonal features of a GeoJSON FeatureCollection to an image.
// Classes that are not yet in the catalog are appended to it, before any annotation that uses
// them is stored.
func (s *Service) ImportGeoJSON(image string, r io.Reader) (*project.ImportResult, error) {
	scratch := annot.NewCollection(image)
	res, err := project.ImportGeoJSON(scratch, r)
	if err != nil {
		return nil, err
	}

	s.classLock.Lock()
	defer s.classLock.Unlock()
	st, err := s.acquire(image)
	if err != nil {
		return nil, err
	}
	defer st.lock.Unlock()

	cat := s.Catalog()
	classes := cat.Classes()
	for _, id := range res.Classes {
		if _, err := cat.IndexOf(id); err != nil {
			s.Log.Infof("Adding class %v from GeoJSON", id)
			classes = append(classes, annot.Class{ID: id})
		}
	}
	if len(classes) != cat.Len() {
		if err := s.updateClassesLocked(classes); err != nil {
			return nil, err
		}
	}

	before := st.coll.Len()
	added := make([]int64, 0, scratch.Len())
	for _, a := range scratch.All() {
		n, err := st.coll.Insert(0, a.Geometry, a.Class, a.Name)
		if err != nil {
			st.coll.DiscardMany(added)
			return nil, err
		}
		added = append(added, n.ID)
	}
	if err := s.saveLocked(st); err != nil {
		return nil, err
	}
	s.Log.Infof("Imported %v annotations into image %v (%v before)", res.Added, image, before)
	return res, nil
}

func (s *Service) ExportGeoJSON(image string, w io.Writer) error {
	cat := s.Catalog()
	st, err := s.acquire(image)
	if err != nil {
		return err
	}
	defer st.lock.Unlock()
	return project.ExportGeoJSON(st.coll, cat, w)
}
