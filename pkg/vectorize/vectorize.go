// Package vectorize turns label masks back into class-labelled polygons.
//
// Region outlines are found with OpenCV contours, so polygon vertices sit on the centres of the
// region's boundary pixels. Rasterizing the output at the same level paints those boundary
// pixels again, which reproduces the mask up to a one pixel wide band around holes.
package vectorize

import (
	"fmt"

	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/cyclopcam/slidetile/pkg/tiles"
	"github.com/paulmach/orb"
	"gocv.io/x/gocv"
)

type Options struct {
	Level    int       // Mask pixels are 2^Level level-0 pixels wide
	Origin   orb.Point // Level-0 position of the mask's top-left pixel
	MinArea  float64   // Drop polygons whose exterior area (in level-0 pixels) is below this
	Simplify float64   // Douglas-Peucker tolerance in mask pixels. Zero disables simplification.
}

// Region is one connected region of a class, in level-0 coordinates
type Region struct {
	Index   annot.ClassIndex
	Polygon orb.Polygon
}

func (o *Options) validate() error {
	if o.Level < 0 || o.Level > tiles.MaxLevel {
		return fmt.Errorf("Invalid downsample level %v", o.Level)
	}
	if o.MinArea < 0 || o.Simplify < 0 {
		return fmt.Errorf("MinArea (%v) and Simplify (%v) may not be negative", o.MinArea, o.Simplify)
	}
	return nil
}

// Vectorize extracts the regions of every non-zero class in a single-label mask.
// Regions are ordered by class index, and then in contour order.
func Vectorize(mask *tiles.LabelMask, opt Options) ([]Region, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	if err := mask.CheckShape(mask.Width, mask.Height); err != nil {
		return nil, err
	}
	var present [256]bool
	for _, v := range mask.Pix {
		present[v] = true
	}
	regions := []Region{}
	if len(mask.Pix) == 0 {
		return regions, nil
	}
	labels, err := gocv.NewMatFromBytes(mask.Height, mask.Width, gocv.MatTypeCV8U, mask.Pix)
	if err != nil {
		return nil, fmt.Errorf("Failed to wrap mask: %w", err)
	}
	defer labels.Close()
	binary := gocv.NewMat()
	defer binary.Close()

	for v := 1; v < 256; v++ {
		if !present[v] {
			continue
		}
		value := gocv.NewScalar(float64(v), 0, 0, 0)
		gocv.InRangeWithScalar(labels, value, value, &binary)
		polys, err := polygonize(binary)
		if err != nil {
			return nil, fmt.Errorf("Class %v: %w", v, err)
		}
		regions = appendRegions(regions, annot.ClassIndex(v), polys, &opt)
	}
	return regions, nil
}

// VectorizeMulti extracts the regions of every channel of a multilabel mask.
// Channel c produces regions of class index c+1. Any non-zero value is foreground.
func VectorizeMulti(mask *tiles.MultiLabelMask, opt Options) ([]Region, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	if err := mask.CheckShape(mask.Channels, mask.Width, mask.Height); err != nil {
		return nil, err
	}
	regions := []Region{}
	if mask.Width == 0 || mask.Height == 0 {
		return regions, nil
	}
	binary := gocv.NewMat()
	defer binary.Close()
	for c := 0; c < mask.Channels; c++ {
		plane, err := gocv.NewMatFromBytes(mask.Height, mask.Width, gocv.MatTypeCV8U, mask.Channel(c).Pix)
		if err != nil {
			return nil, fmt.Errorf("Failed to wrap channel %v: %w", c, err)
		}
		gocv.Threshold(plane, &binary, 0, 255, gocv.ThresholdBinary)
		plane.Close()
		if gocv.CountNonZero(binary) == 0 {
			continue
		}
		polys, err := polygonize(binary)
		if err != nil {
			return nil, fmt.Errorf("Channel %v: %w", c, err)
		}
		regions = appendRegions(regions, annot.ClassIndex(c+1), polys, &opt)
	}
	return regions, nil
}

// appendRegions maps polygons from mask pixels into level-0 coordinates and applies the area filter
func appendRegions(regions []Region, index annot.ClassIndex, polys []orb.Polygon, opt *Options) []Region {
	scale := float64(int(1) << opt.Level)
	for _, p := range polys {
		if opt.Simplify > 0 {
			p = geom.Simplify(p, opt.Simplify)
		}
		p = geom.Scale(p, scale)
		p = geom.Translate(p, opt.Origin[0], opt.Origin[1])
		if geom.ExteriorArea(p) < opt.MinArea {
			continue
		}
		regions = append(regions, Region{Index: index, Polygon: p})
	}
	return regions
}

// polygonize finds the outlines of the foreground (non-zero) regions of a binary image, and
// pairs each outer contour with its holes. Foreground is 8-connected.
// Coordinates are in mask pixels.
func polygonize(binary gocv.Mat) ([]orb.Polygon, error) {
	hierarchy := gocv.NewMat()
	defer hierarchy.Close()
	contours := gocv.FindContoursWithParams(binary, &hierarchy, gocv.RetrievalCComp, gocv.ChainApproxSimple)
	defer contours.Close()

	polys := []orb.Polygon{}
	for i := 0; i < contours.Size(); i++ {
		// next, previous, first child, parent
		link := hierarchy.GetVeciAt(0, i)
		if link[3] != -1 {
			continue
		}
		p := orb.Polygon{toRing(contours.At(i))}
		for h := int(link[2]); h != -1; h = int(hierarchy.GetVeciAt(0, h)[0]) {
			p = append(p, toRing(contours.At(h)))
		}
		parts, err := cleanPolygon(p)
		if err != nil {
			return nil, err
		}
		polys = append(polys, parts...)
	}
	return polys, nil
}

func toRing(pv gocv.PointVector) orb.Ring {
	pts := pv.ToPoints()
	ring := make(orb.Ring, len(pts))
	for i, pt := range pts {
		ring[i] = orb.Point{float64(pt.X), float64(pt.Y)}
	}
	return ring
}

// cleanPolygon turns a raw contour polygon into valid polygons.
// A region without interior (a single pixel, or a line one pixel wide) has no area, and produces
// nothing. Contours that run along both sides of a one pixel wide neck are not simple, so GEOS
// repairs them, dropping the neck.
func cleanPolygon(p orb.Polygon) ([]orb.Polygon, error) {
	if geom.ExteriorArea(p) == 0 {
		return nil, nil
	}
	clean := orb.Polygon{p[0]}
	for _, hole := range p[1:] {
		if geom.ExteriorArea(orb.Polygon{hole}) != 0 {
			clean = append(clean, hole)
		}
	}
	parts, err := geom.MakeValid(clean)
	if err != nil {
		return nil, err
	}
	for i := range parts {
		parts[i] = geom.Orient(parts[i])
	}
	return parts, nil
}
