package slide

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/stretchr/testify/require"
)

// 64x64, left half red, right half blue
func twoTone() *cimg.Image {
	img := cimg.NewImage(64, 64, cimg.PixelFormatRGB)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			p := img.Pixels[y*img.Stride+x*3:]
			if x < 32 {
				p[0], p[1], p[2] = 200, 0, 0
			} else {
				p[0], p[1], p[2] = 0, 0, 200
			}
		}
	}
	return img
}

func requirePixel(t *testing.T, img *cimg.Image, x, y int, r, g, b int, tolerance int) {
	p := img.Pixels[y*img.Stride+x*3:]
	require.InDelta(t, r, int(p[0]), float64(tolerance), "pixel %v,%v", x, y)
	require.InDelta(t, g, int(p[1]), float64(tolerance), "pixel %v,%v", x, y)
	require.InDelta(t, b, int(p[2]), float64(tolerance), "pixel %v,%v", x, y)
}

func TestExtractRegion(t *testing.T) {
	img := twoTone()

	// Level 0, hanging off the left edge
	out := ExtractRegion(img, geom.MakeRect(-8, 0, 16, 16), 0)
	require.Equal(t, 16, out.Width)
	require.Equal(t, 16, out.Height)
	requirePixel(t, out, 0, 0, 0, 0, 0, 0)
	requirePixel(t, out, 7, 15, 0, 0, 0, 0)
	requirePixel(t, out, 8, 0, 200, 0, 0, 0)
	requirePixel(t, out, 15, 15, 200, 0, 0, 0)

	// Level 1 covers the whole image
	out = ExtractRegion(img, geom.MakeRect(0, 0, 32, 32), 1)
	requirePixel(t, out, 2, 2, 200, 0, 0, 2)
	requirePixel(t, out, 14, 30, 200, 0, 0, 2)
	requirePixel(t, out, 17, 2, 0, 0, 200, 2)
	requirePixel(t, out, 31, 31, 0, 0, 200, 2)

	// Level 2, mostly off the bottom right
	out = ExtractRegion(img, geom.MakeRect(32, 32, 16, 16), 2)
	requirePixel(t, out, 1, 1, 0, 0, 200, 2)
	requirePixel(t, out, 6, 6, 0, 0, 200, 2)
	requirePixel(t, out, 9, 1, 0, 0, 0, 0)
	requirePixel(t, out, 1, 9, 0, 0, 0, 0)
	requirePixel(t, out, 15, 15, 0, 0, 0, 0)

	// Entirely outside
	out = ExtractRegion(img, geom.MakeRect(1000, 1000, 4, 4), 0)
	for _, v := range out.Pixels {
		require.Equal(t, uint8(0), v)
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	enc, err := cimg.Compress(twoTone(), cimg.MakeCompressParams(cimg.Sampling444, 98, 0))
	require.NoError(t, err)
	paths := []string{filepath.Join(dir, "a.jpg"), filepath.Join(dir, "b.jpg")}
	for _, p := range paths {
		require.NoError(t, os.WriteFile(p, enc, 0644))
	}

	src := NewFileSource(logs.NewTestingLog(t), 1)
	w, h, err := src.Dimensions(paths[0])
	require.NoError(t, err)
	require.Equal(t, 64, w)
	require.Equal(t, 64, h)

	out, err := src.ReadRegion(paths[1], geom.MakeRect(0, 0, 32, 32), 1)
	require.NoError(t, err)
	// JPEG is lossy, even at high quality
	requirePixel(t, out, 4, 16, 200, 0, 0, 12)
	requirePixel(t, out, 28, 16, 0, 0, 200, 12)
	// Only one slide is kept
	require.Len(t, src.cache, 1)
	require.Contains(t, src.cache, paths[1])

	_, err = src.ReadRegion(paths[0], geom.MakeRect(0, 0, 8, 8), -1)
	require.ErrorIs(t, err, ErrLevel)
	_, err = src.ReadRegion(paths[0], geom.MakeRect(0, 0, 0, 8), 0)
	require.Error(t, err)
	_, err = src.ReadRegion(filepath.Join(dir, "missing.jpg"), geom.MakeRect(0, 0, 8, 8), 0)
	require.Error(t, err)
}
