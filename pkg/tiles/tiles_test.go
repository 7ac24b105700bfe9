package tiles

import (
	"sort"
	"testing"

	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func square(x, y, size float64) orb.Polygon {
	return orb.Polygon{orb.Ring{{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y}}}
}

type fixture struct {
	cat  *annot.Catalog
	coll *annot.Collection
}

func newFixture(t *testing.T) *fixture {
	cat, err := annot.NewCatalogFromIDs("Background", "Tumor", "Stroma")
	require.NoError(t, err)
	return &fixture{
		cat:  cat,
		coll: annot.NewCollection("slide1"),
	}
}

func (f *fixture) add(t *testing.T, p orb.Polygon, class annot.ClassID) {
	_, err := f.coll.AddPolygon(p, class)
	require.NoError(t, err)
}

func (f *fixture) index(t *testing.T) *annot.Index {
	idx, err := annot.BuildIndex(f.coll, f.cat)
	require.NoError(t, err)
	return idx
}

func tile(x, y, w, h int) TileRequest {
	return TileRequest{Tile: geom.MakeRect(x, y, w, h)}
}

func TestTileAnnotationsContainment(t *testing.T) {
	f := newFixture(t)
	f.add(t, square(-10, -10, 20), "Tumor") // straddles the top-left corner
	f.add(t, square(5, 5, 5), "Stroma")     // fully inside
	f.add(t, square(100, 100, 10), "Tumor") // outside
	f.add(t, square(32, 0, 10), "Stroma")   // touches the right edge only
	idx := f.index(t)

	rect := geom.MakeRect(0, 0, 32, 32)
	frags, err := TileAnnotations(idx, rect, annot.Filter{})
	require.NoError(t, err)
	require.Len(t, frags, 2)
	total := 0.0
	for _, fr := range frags {
		require.True(t, rect.ContainsBound(fr.Polygon.Bound()), "fragment %v escapes tile", fr.Polygon.Bound())
		total += geom.Area(fr.Polygon)
	}
	require.InDelta(t, 125, total, 1e-9)

	// Empty tiles never produce fragments
	frags, err = TileAnnotations(idx, geom.MakeRect(0, 0, 0, 32), annot.Filter{})
	require.NoError(t, err)
	require.Empty(t, frags)
}

func sources(frags []Fragment) []int64 {
	ids := []int64{}
	for _, f := range frags {
		ids = append(ids, f.Source)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestTileAnnotationsFilter(t *testing.T) {
	f := newFixture(t)
	f.add(t, square(0, 0, 10), "Tumor")
	f.add(t, square(10, 10, 10), "Stroma")
	f.add(t, square(12, 0, 5), "Tumor")
	f.add(t, square(0, 20, 5), "Background")
	idx := f.index(t)
	rect := geom.MakeRect(0, 0, 32, 32)

	all, err := TileAnnotations(idx, rect, annot.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	// For every class, and both forms of key, the filtered result is exactly the matching subset
	for i, c := range f.cat.Classes() {
		want := []Fragment{}
		for _, fr := range all {
			if fr.Class == c.ID {
				want = append(want, fr)
			}
		}
		for _, key := range []annot.ClassKey{annot.KeyID(c.ID), annot.KeyIndex(annot.ClassIndex(i))} {
			filter, err := annot.NewFilter(f.cat, key)
			require.NoError(t, err)
			got, err := TileAnnotations(idx, rect, filter)
			require.NoError(t, err)
			require.Equal(t, sources(want), sources(got), "class %v, key %v", c.ID, key)
			for _, fr := range got {
				require.Equal(t, c.ID, fr.Class)
				require.Equal(t, annot.ClassIndex(i), fr.Index)
			}
		}
	}

	// Keys of both forms may be mixed in one filter
	filter, err := annot.NewFilter(f.cat, annot.KeyID("Tumor"), annot.KeyIndex(2))
	require.NoError(t, err)
	got, err := TileAnnotations(idx, rect, filter)
	require.NoError(t, err)
	want := []Fragment{}
	for _, fr := range all {
		if fr.Class != "Background" {
			want = append(want, fr)
		}
	}
	require.Equal(t, sources(want), sources(got))

	_, err = annot.NewFilter(f.cat, annot.KeyID("Nope"))
	require.ErrorIs(t, err, annot.ErrUnknownClass)
}

// Vertices land on pixel centres, and boundary pixels are painted, so an integer square
// of side s covers (s+1)^2 pixels.
func TestRasterizeSquare(t *testing.T) {
	f := newFixture(t)
	f.add(t, square(10, 10, 10), "Tumor")
	idx := f.index(t)

	mask, err := Rasterize(idx, tile(0, 0, 32, 32))
	require.NoError(t, err)
	require.NoError(t, mask.CheckShape(32, 32))
	require.Equal(t, 121, mask.Count(1))
	require.EqualValues(t, 1, mask.At(10, 10))
	require.EqualValues(t, 1, mask.At(20, 20))
	require.EqualValues(t, 0, mask.At(9, 10))
	require.EqualValues(t, 0, mask.At(21, 20))

	// Same square, seen from a tile whose origin is offset
	mask, err = Rasterize(idx, tile(8, 12, 16, 16))
	require.NoError(t, err)
	require.Equal(t, 11*9, mask.Count(1))
	require.EqualValues(t, 1, mask.At(2, 0))
	require.EqualValues(t, 0, mask.At(1, 0))
}

func TestRasterizeLevel(t *testing.T) {
	f := newFixture(t)
	f.add(t, square(16, 16, 32), "Tumor")
	idx := f.index(t)

	// Level 1 covers 64x64 level-0 pixels with a 32x32 mask
	req := tile(0, 0, 32, 32)
	req.Level = 1
	require.Equal(t, geom.MakeRect(0, 0, 64, 64), req.Level0Rect())
	mask, err := Rasterize(idx, req)
	require.NoError(t, err)
	require.Equal(t, 17*17, mask.Count(1))
	require.EqualValues(t, 1, mask.At(8, 8))
	require.EqualValues(t, 1, mask.At(24, 24))
	require.EqualValues(t, 0, mask.At(7, 8))
	require.EqualValues(t, 0, mask.At(25, 24))

	req.Level = -1
	_, err = Rasterize(idx, req)
	require.Error(t, err)
}

func TestRasterizeNesting(t *testing.T) {
	// The smaller polygon must win, regardless of the order in which annotations were added
	for _, reverse := range []bool{false, true} {
		f := newFixture(t)
		big := square(0, 0, 20)
		small := square(5, 5, 5)
		if reverse {
			f.add(t, small, "Stroma")
			f.add(t, big, "Tumor")
		} else {
			f.add(t, big, "Tumor")
			f.add(t, small, "Stroma")
		}
		mask, err := Rasterize(f.index(t), tile(0, 0, 32, 32))
		require.NoError(t, err)
		require.EqualValues(t, 2, mask.At(6, 6))
		require.EqualValues(t, 1, mask.At(2, 2))
		require.Equal(t, 36, mask.Count(2))
		require.Equal(t, 441-36, mask.Count(1))
	}
}

func TestRasterizeFragmentArea(t *testing.T) {
	// A huge annotation that only clips a sliver of the tile is ordered by its fragment area,
	// so it is painted after (on top of) a mid-sized annotation whose fragment is larger.
	f := newFixture(t)
	f.add(t, square(-1000, -1000, 1004), "Stroma") // fragment is 4x4 inside the tile
	f.add(t, square(0, 0, 10), "Tumor")
	mask, err := Rasterize(f.index(t), tile(0, 0, 32, 32))
	require.NoError(t, err)
	require.EqualValues(t, 2, mask.At(1, 1))
	require.EqualValues(t, 1, mask.At(5, 5))
	require.Equal(t, 25, mask.Count(2))
}

func TestRasterizeSplitFragments(t *testing.T) {
	// A U-shaped Tumor annotation whose bottom bar lies below the tile is clipped into two arms.
	// The right arm (320) is larger than the Stroma bar (220), and the left arm (128) is smaller,
	// so the Stroma bar is painted between the two arms of the same annotation.
	f := newFixture(t)
	u := orb.Polygon{orb.Ring{{0, 0}, {4, 0}, {4, 36}, {20, 36}, {20, 0}, {30, 0}, {30, 40}, {0, 40}, {0, 0}}}
	f.add(t, u, "Tumor")
	f.add(t, orb.Polygon{orb.Ring{{2, 10}, {24, 10}, {24, 20}, {2, 20}, {2, 10}}}, "Stroma")
	idx := f.index(t)

	frags, err := TileAnnotations(idx, geom.MakeRect(0, 0, 32, 32), annot.Filter{})
	require.NoError(t, err)
	require.Len(t, frags, 3)
	arms := []float64{}
	for _, fr := range frags {
		if fr.Class == "Tumor" {
			arms = append(arms, geom.Area(fr.Polygon))
		}
	}
	sort.Float64s(arms)
	require.Equal(t, []float64{128, 320}, arms)

	mask, err := Rasterize(idx, tile(0, 0, 32, 32))
	require.NoError(t, err)
	// Left arm wins over Stroma
	require.EqualValues(t, 1, mask.At(3, 15))
	require.EqualValues(t, 1, mask.At(4, 15))
	require.EqualValues(t, 1, mask.At(3, 5))
	// Stroma wins over the right arm
	require.EqualValues(t, 2, mask.At(22, 15))
	require.EqualValues(t, 2, mask.At(24, 15))
	require.EqualValues(t, 2, mask.At(10, 15))
	// Right arm outside the Stroma bar
	require.EqualValues(t, 1, mask.At(25, 15))
	require.EqualValues(t, 1, mask.At(22, 5))
}

func TestRasterizeHolesAndParts(t *testing.T) {
	f := newFixture(t)
	donut := orb.Polygon{
		orb.Ring{{0, 0}, {20, 0}, {20, 20}, {0, 20}, {0, 0}},
		orb.Ring{{5, 5}, {5, 15}, {15, 15}, {15, 5}, {5, 5}},
	}
	_, err := f.coll.Insert(0, orb.MultiPolygon{donut, square(24, 24, 4)}, "Tumor", "")
	require.NoError(t, err)

	mask, err := Rasterize(f.index(t), tile(0, 0, 32, 32))
	require.NoError(t, err)
	require.EqualValues(t, 0, mask.At(10, 10))
	require.EqualValues(t, 0, mask.At(5, 5)) // hole boundary belongs to the hole
	require.EqualValues(t, 1, mask.At(4, 4))
	require.EqualValues(t, 1, mask.At(2, 2))
	require.EqualValues(t, 1, mask.At(25, 25))
	require.Equal(t, 441-121+25, mask.Count(1))
}

func TestRasterizeThinAnnotation(t *testing.T) {
	// Less than a pixel high at level 2, but its outline is still painted
	f := newFixture(t)
	f.add(t, orb.Polygon{orb.Ring{{0, 8}, {40, 8}, {40, 8.8}, {0, 8.8}, {0, 8}}}, "Tumor")
	req := tile(0, 0, 16, 16)
	req.Level = 2
	mask, err := Rasterize(f.index(t), req)
	require.NoError(t, err)
	require.Equal(t, 11, mask.Count(1))
	for x := 0; x <= 10; x++ {
		require.EqualValues(t, 1, mask.At(x, 2))
	}
}

func TestRasterizeEmpty(t *testing.T) {
	f := newFixture(t)
	mask, err := Rasterize(f.index(t), tile(0, 0, 16, 8))
	require.NoError(t, err)
	require.NoError(t, mask.CheckShape(16, 8))
	require.Equal(t, 16*8, mask.Count(0))

	multi, err := RasterizeMulti(f.index(t), f.cat, tile(0, 0, 16, 8))
	require.NoError(t, err)
	require.NoError(t, multi.CheckShape(2, 16, 8))

	_, err = Rasterize(f.index(t), tile(0, 0, -1, 8))
	require.ErrorIs(t, err, ErrInconsistentMaskShape)
}

func TestRasterizeMulti(t *testing.T) {
	f := newFixture(t)
	f.add(t, square(0, 0, 10), "Tumor")
	f.add(t, square(5, 5, 10), "Stroma")
	multi, err := RasterizeMulti(f.index(t), f.cat, tile(0, 0, 32, 32))
	require.NoError(t, err)
	require.NoError(t, multi.CheckShape(2, 32, 32))

	// Overlap is set in both planes
	require.EqualValues(t, 1, multi.At(0, 7, 7))
	require.EqualValues(t, 1, multi.At(1, 7, 7))
	require.EqualValues(t, 1, multi.At(0, 1, 1))
	require.EqualValues(t, 0, multi.At(1, 1, 1))
	require.Equal(t, 121, multi.Channel(0).Count(1))
	require.Equal(t, 121, multi.Channel(1).Count(1))
}

func TestRasterizeBackgroundClass(t *testing.T) {
	f := newFixture(t)
	f.add(t, square(0, 0, 10), "Tumor")
	f.add(t, square(2, 2, 4), "Background")
	idx := f.index(t)

	// Single-label: background paints zeros over the larger annotation
	mask, err := Rasterize(idx, tile(0, 0, 32, 32))
	require.NoError(t, err)
	require.Equal(t, 121-25, mask.Count(1))
	require.EqualValues(t, 0, mask.At(3, 3))

	// Multilabel: background has no channel
	_, err = RasterizeMulti(idx, f.cat, tile(0, 0, 32, 32))
	require.ErrorIs(t, err, ErrClassChannel)
	require.ErrorIs(t, err, ErrInconsistentMaskShape)
}

func TestPaintSlanted(t *testing.T) {
	// Right triangle with legs of 8 pixels. Pixels on the hypotenuse are painted,
	// so exactly the pixels with x <= y are set.
	frags := []Fragment{{Class: "Tumor", Index: 1, Polygon: orb.Polygon{orb.Ring{{0, 0}, {8, 8}, {0, 8}, {0, 0}}}}}
	mask, err := PaintFragments(frags, tile(0, 0, 9, 9))
	require.NoError(t, err)
	for y := 0; y < 9; y++ {
		for x := 0; x < 9; x++ {
			require.Equal(t, x <= y, mask.At(x, y) == 1, "(%v,%v)", x, y)
		}
	}
	require.Equal(t, 45, mask.Count(1))
}
