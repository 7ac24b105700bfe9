package tiling

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/bmharper/tiledinference"
	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/cyclopcam/slidetile/pkg/tiles"
	"github.com/cyclopcam/slidetile/server/perfstats"
	"github.com/cyclopcam/slidetile/server/preview"
)

type ExportOptions struct {
	Dir         string
	TileWidth   int // Pixels at Level
	TileHeight  int // Pixels at Level
	Overlap     int // Minimum overlap between adjacent tiles, in pixels at Level
	Level       int
	Classes     []annot.ClassKey // Empty means all classes
	Multilabel  bool             // Write one mask per class, instead of a single label mask
	SkipEmpty   bool             // Don't write tiles that have no annotations
	JPEGQuality int
	Threads     int // 0 means one per CPU
	Preview     bool
}

type ExportResult struct {
	Tiles   int // Number of tiles written
	Skipped int // Number of empty tiles that were skipped
}

type exportTile struct {
	x int
	y int
}

// ExportTiles cuts an image into tiles, and writes each tile's pixels (JPEG) and mask (PNG) into opt.Dir.
// Files are named <image>_<level>_<x>_<y>, where x and y are the level-0 position of the tile.
func (s *Service) ExportTiles(image string, opt ExportOptions) (*ExportResult, error) {
	if opt.TileWidth <= 0 || opt.TileHeight <= 0 {
		return nil, fmt.Errorf("Invalid tile size %vx%v", opt.TileWidth, opt.TileHeight)
	}
	if opt.Level < 0 || opt.Level > tiles.MaxLevel {
		return nil, fmt.Errorf("Invalid downsample level %v", opt.Level)
	}
	if opt.JPEGQuality == 0 {
		opt.JPEGQuality = 90
	}
	nThreads := opt.Threads
	if nThreads <= 0 {
		nThreads = runtime.NumCPU()
	}

	v, err := s.snapshot(image)
	if err != nil {
		return nil, err
	}
	filter, err := annot.NewFilter(v.catalog, opt.Classes...)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opt.Dir, 0777); err != nil {
		return nil, err
	}

	factor := 1 << opt.Level
	width := (v.info.Width + factor - 1) / factor
	height := (v.info.Height + factor - 1) / factor
	tiling := tiledinference.MakeTiling(width, height, opt.TileWidth, opt.TileHeight, opt.Overlap)
	s.Log.Infof("Exporting image %v at level %v as %v x %v tiles", image, opt.Level, tiling.NumX, tiling.NumY)

	tileQueue := make(chan exportTile, tiling.NumX*tiling.NumY)
	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			tileQueue <- exportTile{x: tx, y: ty}
		}
	}

	var written, skipped atomic.Int64
	results := make(chan error, nThreads)
	exportThread := func() {
		for {
			select {
			case t := <-tileQueue:
				r := tiling.TileRect(t.x, t.y)
				tile := geom.MakeRect(int(r.X1)*factor, int(r.Y1)*factor, int(r.X2-r.X1), int(r.Y2-r.Y1))
				wrote, err := s.exportTile(v, image, tile, filter, &opt)
				if err != nil {
					results <- err
					return
				}
				if wrote {
					written.Add(1)
				} else {
					skipped.Add(1)
				}
			default:
				results <- nil
				return
			}
		}
	}
	for i := 0; i < nThreads; i++ {
		go exportThread()
	}
	var firstError error
	for i := 0; i < nThreads; i++ {
		if err := <-results; err != nil && firstError == nil {
			firstError = err
		}
	}
	if firstError != nil {
		return nil, firstError
	}
	res := &ExportResult{Tiles: int(written.Load()), Skipped: int(skipped.Load())}
	s.Log.Infof("Exported %v tiles of image %v to %v (%v empty tiles skipped)", res.Tiles, image, opt.Dir, res.Skipped)
	s.Log.Debugf("Export performance per %v", perfstats.Stats.String())
	return res, nil
}

func (s *Service) exportTile(v *view, image string, tile geom.Rect, filter annot.Filter, opt *ExportOptions) (bool, error) {
	req := tiles.TileRequest{Tile: tile, Level: opt.Level, Filter: filter}
	pixels := tile.Area()
	start := time.Now()
	fragments, err := tiles.TileAnnotations(v.index, req.Level0Rect(), filter)
	if err != nil {
		return false, err
	}
	if opt.SkipEmpty && len(fragments) == 0 {
		return false, nil
	}
	var mask *tiles.LabelMask
	var multi *tiles.MultiLabelMask
	if opt.Multilabel {
		multi, err = tiles.PaintFragmentsMulti(fragments, v.catalog.NumChannels(), req)
	} else {
		mask, err = tiles.PaintFragments(fragments, req)
	}
	if err != nil {
		return false, fmt.Errorf("Image %v: %w", image, err)
	}
	perfstats.UpdatePerKibiPixel(&perfstats.Stats.Rasterize_NanosecondsPerKibiPixel, time.Since(start), pixels)

	base := filepath.Join(opt.Dir, fmt.Sprintf("%v_%v_%v_%v", image, opt.Level, tile.X, tile.Y))
	start = time.Now()
	rgb, err := s.Slides.ReadRegion(v.info.Path, tile, opt.Level)
	if err != nil {
		return false, err
	}
	perfstats.UpdatePerKibiPixel(&perfstats.Stats.ReadRegion_NanosecondsPerKibiPixel, time.Since(start), pixels)

	start = time.Now()
	jpg, err := cimg.Compress(rgb, cimg.MakeCompressParams(cimg.Sampling444, opt.JPEGQuality, 0))
	if err != nil {
		return false, fmt.Errorf("Failed to compress tile %v of image %v: %w", tile, image, err)
	}
	if err := os.WriteFile(base+".jpg", jpg, 0644); err != nil {
		return false, err
	}

	if multi != nil {
		for c := 0; c < multi.Channels; c++ {
			id, _ := v.catalog.IDOf(annot.ClassIndex(c + 1))
			plane := multi.Channel(c)
			// Booleans are scaled up so that the planes are viewable
			for i := range plane.Pix {
				plane.Pix[i] *= 255
			}
			if err := preview.SavePNG(fmt.Sprintf("%v_mask_%v.png", base, id), plane.Gray()); err != nil {
				return false, err
			}
		}
	} else {
		if err := preview.SavePNG(base+"_mask.png", mask.Gray()); err != nil {
			return false, err
		}
	}
	perfstats.UpdatePerKibiPixel(&perfstats.Stats.Encode_NanosecondsPerKibiPixel, time.Since(start), pixels)

	if opt.Preview {
		if err := preview.SavePNG(base+"_preview.png", preview.Overlay(rgb, fragments, req, v.catalog)); err != nil {
			return false, err
		}
	}
	return true, nil
}
