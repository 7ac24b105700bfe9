// Package preview draws human-viewable pictures of tiles, for checking an export by eye
package preview

import (
	"image"
	"image/color"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/cyclopcam/slidetile/pkg/tiles"
	"github.com/fogleman/gg"
)

// Classes without a color are drawn in this
const defaultColor = 0xffff00

// Overlay draws the outlines of fragments over an RGB tile, and shades their interiors.
// The fragments are in level-0 coordinates, as returned by tiles.TileAnnotations.
func Overlay(tile *cimg.Image, fragments []tiles.Fragment, req tiles.TileRequest, catalog *annot.Catalog) image.Image {
	dc := gg.NewContext(req.Tile.Width, req.Tile.Height)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	if tile != nil {
		dc.DrawImage(ToRGBA(tile), 0, 0)
	}
	dc.SetFillRule(gg.FillRuleEvenOdd)
	dc.SetLineWidth(1.5)

	ordered := append([]tiles.Fragment(nil), fragments...)
	tiles.SortForPainting(ordered)
	for _, f := range ordered {
		r, g, b := rgb(classColor(catalog, f.Index))
		p := tiles.ToPixels(f.Polygon, req)
		for _, ring := range p {
			dc.NewSubPath()
			for i, pt := range ring {
				if i == 0 {
					dc.MoveTo(pt[0], pt[1])
				} else {
					dc.LineTo(pt[0], pt[1])
				}
			}
			dc.ClosePath()
		}
		dc.SetRGBA255(r, g, b, 70)
		dc.FillPreserve()
		dc.SetRGBA255(r, g, b, 255)
		dc.Stroke()
	}
	return dc.Image()
}

// ColorMask maps every class index of a label mask to its class color. Background is black.
func ColorMask(mask *tiles.LabelMask, catalog *annot.Catalog) *image.Paletted {
	palette := make(color.Palette, 256)
	palette[0] = color.RGBA{0, 0, 0, 255}
	for i := 1; i < 256; i++ {
		r, g, b := rgb(classColor(catalog, annot.ClassIndex(i)))
		palette[i] = color.RGBA{uint8(r), uint8(g), uint8(b), 255}
	}
	return &image.Paletted{
		Pix:     mask.Pix,
		Stride:  mask.Width,
		Rect:    image.Rect(0, 0, mask.Width, mask.Height),
		Palette: palette,
	}
}

// SavePNG writes any image produced by this package
func SavePNG(filename string, img image.Image) error {
	return gg.SavePNG(filename, img)
}

// ToRGBA converts an RGB cimg image into an image.RGBA
func ToRGBA(img *cimg.Image) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	nchan := img.NChan()
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < img.Width; x++ {
			copy(dst[x*4:x*4+3], src[x*nchan:x*nchan+3])
			dst[x*4+3] = 255
		}
	}
	return out
}

func classColor(catalog *annot.Catalog, idx annot.ClassIndex) uint32 {
	if catalog == nil {
		return defaultColor
	}
	c, err := catalog.Class(idx)
	if err != nil || c.Color == 0 {
		return defaultColor
	}
	return c.Color
}

func rgb(c uint32) (int, int, int) {
	return int(c>>16) & 0xff, int(c>>8) & 0xff, int(c) & 0xff
}
