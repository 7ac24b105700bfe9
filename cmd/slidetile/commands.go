package main

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/cyclopcam/slidetile/pkg/tiles"
	"github.com/cyclopcam/slidetile/pkg/vectorize"
	"github.com/cyclopcam/slidetile/server/config"
	"github.com/cyclopcam/slidetile/server/perfstats"
	"github.com/cyclopcam/slidetile/server/preview"
	"github.com/cyclopcam/slidetile/server/project"
	"github.com/cyclopcam/slidetile/server/tiling"
	"github.com/fogleman/gg"
	"github.com/paulmach/orb"
)

type app struct {
	log     logs.Log
	cfg     *config.Config
	project *project.Project
	service *tiling.Service
}

func (a *app) classFilter() []annot.ClassKey {
	keys := []annot.ClassKey{}
	for _, c := range a.cfg.ClassFilter {
		keys = append(keys, annot.KeyID(annot.ClassID(c)))
	}
	return keys
}

func (a *app) classes(set string) error {
	if set != "" {
		classes, err := parseClasses(set)
		if err != nil {
			return err
		}
		if err := a.service.UpdateClasses(classes); err != nil {
			return err
		}
	}
	for i, c := range a.service.Catalog().Classes() {
		fmt.Printf("%3v %-20v %-20v #%06x\n", i, c.ID, c.Name, c.Color)
	}
	return nil
}

func (a *app) addImage(name, filename string) error {
	width, height, err := a.service.Slides.Dimensions(filename)
	if err != nil {
		return err
	}
	_, err = a.project.AddImage(name, filename, width, height)
	return err
}

func (a *app) importGeoJSON(image, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	res, err := a.service.ImportGeoJSON(image, f)
	if err != nil {
		return err
	}
	if res.Skipped != 0 {
		a.log.Warnf("Skipped %v features that were not polygons", res.Skipped)
	}
	return nil
}

func (a *app) exportGeoJSON(image, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := a.service.ExportGeoJSON(image, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (a *app) export(image, dir string, skipEmpty bool) error {
	if dir == "" {
		dir = a.cfg.ExportPath
	}
	_, err := a.service.ExportTiles(image, tiling.ExportOptions{
		Dir:         dir,
		TileWidth:   a.cfg.TileWidth,
		TileHeight:  a.cfg.TileHeight,
		Overlap:     a.cfg.TileOverlap,
		Level:       a.cfg.Level,
		Classes:     a.classFilter(),
		Multilabel:  a.cfg.Multilabel,
		SkipEmpty:   skipEmpty,
		JPEGQuality: a.cfg.JPEGQuality,
		Threads:     a.cfg.Threads,
		Preview:     a.cfg.Preview,
	})
	if err != nil {
		return err
	}
	a.log.Infof("Performance per %v", perfstats.Stats.String())
	return nil
}

func (a *app) mask(imageName string, tile geom.Rect, level int, filename string, colored bool) error {
	mask, err := a.service.GetTileMask(imageName, tile, level, a.classFilter()...)
	if err != nil {
		return err
	}
	var img image.Image = mask.Gray()
	if colored {
		img = preview.ColorMask(mask, a.service.Catalog())
	}
	if err := preview.SavePNG(filename, img); err != nil {
		return err
	}
	a.log.Infof("Wrote %vx%v mask of image %v to %v", mask.Width, mask.Height, imageName, filename)
	return nil
}

// vectorize reads a label mask, whose top-left pixel is at tile's origin
func (a *app) vectorize(image, filename string, tile geom.Rect, level int) error {
	img, err := gg.LoadPNG(filename)
	if err != nil {
		return fmt.Errorf("Failed to load mask %v: %w", filename, err)
	}
	mask := toLabelMask(img)
	ids, err := a.service.SaveMaskAnnotations(image, mask, vectorize.Options{
		Level:    level,
		Origin:   orb.Point{float64(tile.X), float64(tile.Y)},
		MinArea:  a.cfg.MinPolygonArea,
		Simplify: a.cfg.Simplify,
	})
	if err != nil {
		return err
	}
	a.log.Infof("Created %v annotations", len(ids))
	if a.cfg.MergeDistance > 0 {
		return a.merge(image, a.cfg.MergeDistance)
	}
	return nil
}

func (a *app) merge(image string, dist float64) error {
	if dist < 0 {
		dist = a.cfg.MergeDistance
	}
	res, err := a.service.MergeNearAnnotations(image, dist)
	if err != nil {
		return err
	}
	a.log.Infof("%v groups merged. %v annotations removed, %v added", res.Components, res.Removed, res.Added)
	return nil
}

func (a *app) preview(image string, tile geom.Rect, level int, filename string) error {
	rgb, err := a.service.GetTile(image, tile, level)
	if err != nil {
		return err
	}
	filter, err := a.service.Filter(a.classFilter()...)
	if err != nil {
		return err
	}
	req := tiles.TileRequest{Tile: tile, Level: level, Filter: filter}
	fragments, err := a.service.GetTileAnnotations(image, req.Level0Rect(), a.classFilter()...)
	if err != nil {
		return err
	}
	return preview.SavePNG(filename, preview.Overlay(rgb, fragments, req, a.service.Catalog()))
}

// toLabelMask takes the gray value of every pixel as the class index
func toLabelMask(img image.Image) *tiles.LabelMask {
	b := img.Bounds()
	mask := tiles.NewLabelMask(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			mask.Set(x, y, g.Y)
		}
	}
	return mask
}
