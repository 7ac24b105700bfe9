package geom

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Rect is an axis-aligned rectangle in level-0 slide pixels
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func MakeRect(x, y, width, height int) Rect {
	return Rect{X: x, Y: y, Width: width, Height: height}
}

func (r Rect) X2() int {
	return r.X + r.Width
}

func (r Rect) Y2() int {
	return r.Y + r.Height
}

func (r Rect) Area() int {
	return r.Width * r.Height
}

func (r Rect) IsEmpty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X2(), b.X2())
	y2 := min(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

func (r *Rect) Offset(dx, dy int) {
	r.X += dx
	r.Y += dy
}

// ScaleSize keeps the origin, and multiplies width and height by factor.
// This is how a tile at a downsample level is mapped back to the level-0 area it covers.
func (r Rect) ScaleSize(factor int) Rect {
	return Rect{X: r.X, Y: r.Y, Width: r.Width * factor, Height: r.Height * factor}
}

func (r Rect) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{float64(r.X), float64(r.Y)},
		Max: orb.Point{float64(r.X2()), float64(r.Y2())},
	}
}

// Polygon returns the rectangle as a closed, clockwise (in image coordinates) ring
func (r Rect) Polygon() orb.Polygon {
	x1, y1 := float64(r.X), float64(r.Y)
	x2, y2 := float64(r.X2()), float64(r.Y2())
	return orb.Polygon{orb.Ring{{x1, y1}, {x2, y1}, {x2, y2}, {x1, y2}, {x1, y1}}}
}

// ContainsBound returns true if b lies entirely inside the rectangle (edges inclusive)
func (r Rect) ContainsBound(b orb.Bound) bool {
	return b.Min[0] >= float64(r.X) && b.Min[1] >= float64(r.Y) &&
		b.Max[0] <= float64(r.X2()) && b.Max[1] <= float64(r.Y2())
}

func (r Rect) String() string {
	return fmt.Sprintf("(%v,%v %vx%v)", r.X, r.Y, r.Width, r.Height)
}
