package tiles

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/paulmach/orb"
	"gocv.io/x/gocv"
)

// MaxLevel is the deepest downsample level that we accept (2^MaxLevel must fit comfortably in an int)
const MaxLevel = 24

// TileRequest describes one output tile.
// Tile.X and Tile.Y are the top-left corner in level-0 pixels. Tile.Width and Tile.Height
// are the size of the output mask, in pixels at the requested downsample level.
type TileRequest struct {
	Tile   geom.Rect
	Level  int // Downsample factor is 2^Level
	Filter annot.Filter
}

func (r TileRequest) Factor() int {
	return 1 << r.Level
}

// Level0Rect is the area of the slide, in level-0 pixels, that the output tile covers
func (r TileRequest) Level0Rect() geom.Rect {
	return r.Tile.ScaleSize(r.Factor())
}

func (r TileRequest) validate() error {
	if r.Level < 0 || r.Level > MaxLevel {
		return fmt.Errorf("Invalid downsample level %v", r.Level)
	}
	if r.Tile.Width < 0 || r.Tile.Height < 0 {
		return fmt.Errorf("%w: negative tile size %vx%v", ErrInconsistentMaskShape, r.Tile.Width, r.Tile.Height)
	}
	return nil
}

// Rasterize produces a single-label mask for the tile.
// Geometry is queried at level 0 over the full area that the tile covers, so that no precision
// is lost before the final scale into output pixels.
func Rasterize(idx *annot.Index, req TileRequest) (*LabelMask, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	fragments, err := TileAnnotations(idx, req.Level0Rect(), req.Filter)
	if err != nil {
		return nil, err
	}
	mask, err := PaintFragments(fragments, req)
	if err != nil {
		return nil, fmt.Errorf("Image %v: %w", idx.ImageID, err)
	}
	return mask, nil
}

// RasterizeMulti produces a multilabel mask, with one plane for every non-background class in catalog
func RasterizeMulti(idx *annot.Index, catalog *annot.Catalog, req TileRequest) (*MultiLabelMask, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	fragments, err := TileAnnotations(idx, req.Level0Rect(), req.Filter)
	if err != nil {
		return nil, err
	}
	mask, err := PaintFragmentsMulti(fragments, catalog.NumChannels(), req)
	if err != nil {
		return nil, fmt.Errorf("Image %v: %w", idx.ImageID, err)
	}
	return mask, nil
}

// SortForPainting orders fragments by descending exterior-ring area of the fragment itself
// (not of the annotation it came from). Larger polygons are painted first, so a smaller
// polygon nested inside a larger one wins the pixels it covers.
// The sort is stable, so equal areas keep their query order.
func SortForPainting(fragments []Fragment) {
	keys := make([]float64, len(fragments))
	for i := range fragments {
		keys[i] = geom.ExteriorArea(fragments[i].Polygon)
	}
	order := make([]int, len(fragments))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return keys[order[a]] > keys[order[b]]
	})
	sorted := make([]Fragment, len(fragments))
	for i, j := range order {
		sorted[i] = fragments[j]
	}
	copy(fragments, sorted)
}

// PaintFragments paints level-0 fragments into a new single-label mask.
// The exterior of each fragment is filled with its class index, and then its holes are
// filled with background.
func PaintFragments(fragments []Fragment, req TileRequest) (*LabelMask, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	for _, f := range fragments {
		if f.Index < 0 || f.Index > math.MaxUint8 {
			return nil, fmt.Errorf("%w: tile %v, class %v has index %v, which does not fit in an 8-bit mask", ErrInconsistentMaskShape, req.Tile, f.Class, f.Index)
		}
	}
	mask := NewLabelMask(req.Tile.Width, req.Tile.Height)
	if len(fragments) == 0 || len(mask.Pix) == 0 {
		return mask, nil
	}
	fragments = append([]Fragment(nil), fragments...)
	SortForPainting(fragments)

	canvas := newCanvas(mask.Width, mask.Height)
	defer canvas.Close()
	for _, f := range fragments {
		paintPolygon(&canvas, ToPixels(f.Polygon, req), uint8(f.Index))
	}
	copy(mask.Pix, canvas.ToBytes())
	return mask, nil
}

// PaintFragmentsMulti paints level-0 fragments into a new multilabel mask with the given number
// of channels. Planes are independent, so overlapping classes are all set.
func PaintFragmentsMulti(fragments []Fragment, channels int, req TileRequest) (*MultiLabelMask, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	for _, f := range fragments {
		if c := int(f.Index) - 1; c < 0 || c >= channels {
			return nil, fmt.Errorf("Tile %v, class %v (index %v, %v channels): %w", req.Tile, f.Class, f.Index, channels, ErrClassChannel)
		}
	}
	mask := NewMultiLabelMask(channels, req.Tile.Width, req.Tile.Height)
	if len(fragments) == 0 || len(mask.Pix) == 0 {
		return mask, nil
	}

	canvases := map[int]*gocv.Mat{}
	defer func() {
		for _, m := range canvases {
			m.Close()
		}
	}()
	for _, f := range fragments {
		c := int(f.Index) - 1
		canvas := canvases[c]
		if canvas == nil {
			m := newCanvas(mask.Width, mask.Height)
			canvas = &m
			canvases[c] = canvas
		}
		paintPolygon(canvas, ToPixels(f.Polygon, req), 1)
	}
	for c, canvas := range canvases {
		copy(mask.Channel(c).Pix, canvas.ToBytes())
	}
	return mask, nil
}

// ToPixels maps a level-0 polygon into the output pixel space of the tile:
// translate by -origin, scale by 1/2^Level, and round to integers (half to even).
func ToPixels(p orb.Polygon, req TileRequest) orb.Polygon {
	scale := 1 / float64(req.Factor())
	return geom.RoundPolygon(geom.Transform(p, -float64(req.Tile.X), -float64(req.Tile.Y), scale))
}

func newCanvas(width, height int) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), height, width, gocv.MatTypeCV8U)
}

// paintPolygon fills the exterior of p (in output pixels) with value, and then its holes with 0.
// Integer vertices land on pixel centres, and pixels on the boundary are painted, so a polygon
// that is thinner than one output pixel still leaves its outline in the mask.
func paintPolygon(canvas *gocv.Mat, p orb.Polygon, value uint8) {
	if len(p) == 0 {
		return
	}
	fillRings(canvas, p[:1], value)
	if len(p) > 1 {
		fillRings(canvas, p[1:], 0)
	}
}

func fillRings(canvas *gocv.Mat, rings []orb.Ring, value uint8) {
	pts := make([][]image.Point, 0, len(rings))
	for _, ring := range rings {
		if len(ring) == 0 {
			continue
		}
		ip := make([]image.Point, len(ring))
		for i, pt := range ring {
			ip[i] = image.Pt(int(pt[0]), int(pt[1]))
		}
		pts = append(pts, ip)
	}
	if len(pts) == 0 {
		return
	}
	pv := gocv.NewPointsVectorFromPoints(pts)
	defer pv.Close()
	// gocv hands color.RGBA to OpenCV as (B, G, R, A), and a single channel Mat takes the first value
	gocv.FillPolyWithParams(canvas, pv, color.RGBA{B: value}, gocv.Line8, 0, image.Point{})
}
