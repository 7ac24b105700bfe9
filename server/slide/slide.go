// Package slide reads pixel regions out of slide images.
//
// Slides are stored as ordinary image files (JPEG or PNG) at full resolution.
// Downsampled levels are produced on the fly with a box filter, so level L of a slide
// has 2^L times fewer pixels in each dimension than level 0.
package slide

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/cyclopcam/slidetile/pkg/tiles"
)

var ErrLevel = errors.New("Invalid slide level")

// Source produces RGB pixels for a tile of a slide.
// The tile's X and Y are level-0 coordinates, and its size is in pixels at the given level.
// Areas outside the slide are black.
type Source interface {
	ReadRegion(path string, tile geom.Rect, level int) (*cimg.Image, error)
	Dimensions(path string) (width, height int, err error)
}

// FileSource decodes slide files with cimg, and keeps the most recently used ones in memory.
type FileSource struct {
	Log       logs.Log
	MaxCached int // Number of decoded slides to keep in memory

	lock   sync.Mutex
	cache  map[string]*cimg.Image
	recent []string // Least recently used first
}

func NewFileSource(log logs.Log, maxCached int) *FileSource {
	return &FileSource{
		Log:       log,
		MaxCached: max(1, maxCached),
		cache:     map[string]*cimg.Image{},
	}
}

func (s *FileSource) Dimensions(path string) (int, int, error) {
	img, err := s.load(path)
	if err != nil {
		return 0, 0, err
	}
	return img.Width, img.Height, nil
}

func (s *FileSource) ReadRegion(path string, tile geom.Rect, level int) (*cimg.Image, error) {
	if level < 0 || level > tiles.MaxLevel {
		return nil, fmt.Errorf("%w %v", ErrLevel, level)
	}
	if tile.Width <= 0 || tile.Height <= 0 {
		return nil, fmt.Errorf("Invalid tile size %vx%v", tile.Width, tile.Height)
	}
	img, err := s.load(path)
	if err != nil {
		return nil, err
	}
	return ExtractRegion(img, tile, level), nil
}

// ExtractRegion copies (and downsamples, if level > 0) a tile out of a level-0 image
func ExtractRegion(img *cimg.Image, tile geom.Rect, level int) *cimg.Image {
	factor := 1 << level
	out := cimg.NewImage(tile.Width, tile.Height, cimg.PixelFormatRGB)

	src := tile.ScaleSize(factor).Intersection(geom.MakeRect(0, 0, img.Width, img.Height))
	if src.IsEmpty() {
		return out
	}
	crop := cimg.NewImage(src.Width, src.Height, cimg.PixelFormatRGB)
	crop.CopyImageRect(img, src.X, src.Y, src.X2(), src.Y2(), 0, 0)

	// Destination of the clipped area, in output pixels
	dx1 := (src.X - tile.X) / factor
	dy1 := (src.Y - tile.Y) / factor
	dx2 := min(tile.Width, (src.X2()-tile.X+factor-1)/factor)
	dy2 := min(tile.Height, (src.Y2()-tile.Y+factor-1)/factor)
	if dx2 <= dx1 || dy2 <= dy1 {
		return out
	}
	if factor != 1 {
		params := cimg.ResizeParams{CheapSRGBFilter: true, Filter: cimg.ResizeFilterBox}
		crop = cimg.ResizeNew(crop, dx2-dx1, dy2-dy1, &params)
	}
	out.CopyImageRect(crop, 0, 0, dx2-dx1, dy2-dy1, dx1, dy1)
	return out
}

func (s *FileSource) load(path string) (*cimg.Image, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if img, ok := s.cache[path]; ok {
		s.touch(path)
		return img, nil
	}
	img, err := cimg.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to read slide %v: %w", path, err)
	}
	img = toRGB(img)
	s.Log.Infof("Loaded slide %v (%v x %v)", path, img.Width, img.Height)
	if len(s.recent) >= s.MaxCached {
		evict := s.recent[0]
		s.recent = s.recent[1:]
		delete(s.cache, evict)
	}
	s.cache[path] = img
	s.recent = append(s.recent, path)
	return img, nil
}

func (s *FileSource) touch(path string) {
	for i, p := range s.recent {
		if p == path {
			s.recent = append(s.recent[:i], s.recent[i+1:]...)
			break
		}
	}
	s.recent = append(s.recent, path)
}

// Gray slides are expanded, and a 4th channel is dropped
func toRGB(img *cimg.Image) *cimg.Image {
	if img.Format == cimg.PixelFormatRGB {
		return img
	}
	nchan := img.NChan()
	rgb := cimg.NewImage(img.Width, img.Height, cimg.PixelFormatRGB)
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride:]
		dst := rgb.Pixels[y*rgb.Stride:]
		for x := 0; x < img.Width; x++ {
			if nchan < 3 {
				v := src[x*nchan]
				dst[x*3], dst[x*3+1], dst[x*3+2] = v, v, v
			} else {
				copy(dst[x*3:x*3+3], src[x*nchan:x*nchan+3])
			}
		}
	}
	return rgb
}
