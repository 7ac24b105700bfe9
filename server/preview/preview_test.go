package preview

import (
	"image/color"
	"path/filepath"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/cyclopcam/slidetile/pkg/tiles"
	"github.com/fogleman/gg"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *annot.Catalog {
	cat, err := annot.NewCatalog([]annot.Class{{ID: "Background"}, {ID: "Tumor", Color: 0xff0000}, {ID: "Stroma"}})
	require.NoError(t, err)
	return cat
}

func TestOverlay(t *testing.T) {
	cat := testCatalog(t)
	req := tiles.TileRequest{Tile: geom.MakeRect(100, 100, 64, 64), Level: 1}
	frag := tiles.Fragment{
		Class:   "Tumor",
		Index:   1,
		Polygon: orb.Polygon{orb.Ring{{120, 120}, {180, 120}, {180, 180}, {120, 180}, {120, 120}}},
	}
	bg := cimg.NewImage(64, 64, cimg.PixelFormatRGB)
	img := Overlay(bg, []tiles.Fragment{frag}, req, cat)
	require.Equal(t, 64, img.Bounds().Dx())

	// The fragment covers output pixels 10..40
	inside := color.RGBAModel.Convert(img.At(25, 25)).(color.RGBA)
	require.Greater(t, inside.R, uint8(30))
	require.Equal(t, uint8(0), inside.G)
	outside := color.RGBAModel.Convert(img.At(55, 55)).(color.RGBA)
	require.Equal(t, color.RGBA{0, 0, 0, 255}, outside)
	edge := color.RGBAModel.Convert(img.At(10, 25)).(color.RGBA)
	require.Greater(t, edge.R, inside.R)

	fn := filepath.Join(t.TempDir(), "overlay.png")
	require.NoError(t, SavePNG(fn, img))
	back, err := gg.LoadPNG(fn)
	require.NoError(t, err)
	require.Equal(t, img.Bounds(), back.Bounds())
}

func TestColorMask(t *testing.T) {
	cat := testCatalog(t)
	mask := tiles.NewLabelMask(4, 2)
	mask.Set(1, 0, 1)
	mask.Set(2, 1, 2)
	img := ColorMask(mask, cat)
	require.Equal(t, color.RGBA{0, 0, 0, 255}, img.At(0, 0))
	require.Equal(t, color.RGBA{255, 0, 0, 255}, img.At(1, 0))
	// Stroma has no color
	require.Equal(t, color.RGBA{255, 255, 0, 255}, img.At(2, 1))
}
