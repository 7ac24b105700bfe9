package merge

import (
	"testing"

	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func rect(x1, y1, x2, y2 float64) orb.Polygon {
	return orb.Polygon{orb.Ring{{x1, y1}, {x2, y1}, {x2, y2}, {x1, y2}, {x1, y1}}}
}

func setup(t *testing.T, polys []orb.Polygon, classes []annot.ClassID) (*annot.Catalog, *annot.Collection) {
	cat, err := annot.NewCatalogFromIDs("Background", "Tumor", "Stroma")
	require.NoError(t, err)
	coll := annot.NewCollection("slide1")
	for i, p := range polys {
		_, err := coll.AddPolygon(p, classes[i])
		require.NoError(t, err)
	}
	return cat, coll
}

func merge(t *testing.T, cat *annot.Catalog, coll *annot.Collection, maxDist float64) *Result {
	idx, err := annot.BuildIndex(coll, cat)
	require.NoError(t, err)
	res, err := MergeNear(coll, idx, maxDist)
	require.NoError(t, err)
	return res
}

func TestConnectivity(t *testing.T) {
	// A-B and B-C are 1.5 apart, A-C are 13 apart. With maxDist=1, the dilations of neighbours
	// overlap, so all three end up in one component via B.
	a := rect(0, 0, 10, 10)
	b := rect(11.5, 0, 21.5, 10)
	c := rect(23, 0, 33, 10)
	cat, coll := setup(t, []orb.Polygon{a, b, c}, []annot.ClassID{"Tumor", "Tumor", "Tumor"})
	res := merge(t, cat, coll, 1)
	require.Equal(t, 1, res.Components)
	require.Equal(t, 3, res.Removed)
	require.Equal(t, 1, res.Added)
	require.Equal(t, 1, coll.Len())

	merged := coll.Get(res.MergedIDs[0])
	require.NotNil(t, merged)
	require.Equal(t, annot.ClassID("Tumor"), merged.Class)
	// The closing bridges the gaps, leaving roughly a 33x10 rectangle with shallow notches
	// (about 0.35 square units each) above and below each gap
	require.Len(t, merged.Geometry, 1)
	area := geom.MultiArea(merged.Geometry)
	require.Greater(t, area, 327.0)
	require.LessOrEqual(t, area, 330.0+1e-6)
	b0 := merged.Geometry.Bound()
	require.InDelta(t, 0, b0.Min[0], 1e-6)
	require.InDelta(t, 33, b0.Max[0], 1e-6)

	// Without B in the middle, A and C are too far apart
	cat, coll = setup(t, []orb.Polygon{a, c}, []annot.ClassID{"Tumor", "Tumor"})
	res = merge(t, cat, coll, 1)
	require.Equal(t, 0, res.Components)
	require.Equal(t, 2, coll.Len())
}

func TestIdempotent(t *testing.T) {
	polys := []orb.Polygon{
		rect(0, 0, 10, 10),
		rect(11, 0, 20, 10),
		rect(0, 11, 10, 20),
		rect(100, 100, 110, 110),
		rect(111, 100, 120, 110),
	}
	cat, coll := setup(t, polys, []annot.ClassID{"Tumor", "Tumor", "Tumor", "Stroma", "Stroma"})
	res := merge(t, cat, coll, 1)
	require.Equal(t, 2, res.Components)
	require.Equal(t, 5, res.Removed)
	require.Equal(t, 2, coll.Len())

	before := coll.All()
	res = merge(t, cat, coll, 1)
	require.Equal(t, &Result{}, res)
	require.Equal(t, before, coll.All())
}

func TestClassesAreSeparate(t *testing.T) {
	polys := []orb.Polygon{
		rect(0, 0, 10, 10),
		rect(10.5, 0, 20, 10),
	}
	cat, coll := setup(t, polys, []annot.ClassID{"Tumor", "Stroma"})
	res := merge(t, cat, coll, 2)
	require.Equal(t, 0, res.Components)
	require.Equal(t, 2, coll.Len())
}

func TestSingletonsUntouched(t *testing.T) {
	polys := []orb.Polygon{
		rect(0, 0, 10, 10),
		rect(50, 50, 60, 60),
	}
	cat, coll := setup(t, polys, []annot.ClassID{"Tumor", "Tumor"})
	before := coll.All()
	res := merge(t, cat, coll, 3)
	require.Equal(t, 0, res.Components)
	require.Equal(t, before, coll.All())
}

func TestUnclassifiedIgnored(t *testing.T) {
	polys := []orb.Polygon{
		rect(0, 0, 10, 10),
		rect(10, 0, 20, 10),
	}
	cat, coll := setup(t, polys, []annot.ClassID{"Tumor", ""})
	res := merge(t, cat, coll, 1)
	require.Equal(t, 0, res.Components)
	require.Equal(t, 2, coll.Len())
}

func TestZeroDistanceMergesTouching(t *testing.T) {
	polys := []orb.Polygon{
		rect(0, 0, 10, 10),
		rect(10, 0, 20, 10),
		rect(21, 0, 30, 10),
	}
	cat, coll := setup(t, polys, []annot.ClassID{"Tumor", "Tumor", "Tumor"})
	res := merge(t, cat, coll, 0)
	require.Equal(t, 1, res.Components)
	require.Equal(t, 2, res.Removed)
	require.Equal(t, 2, coll.Len())
}

func TestStaleIndexAndBadDistance(t *testing.T) {
	cat, coll := setup(t, []orb.Polygon{rect(0, 0, 10, 10)}, []annot.ClassID{"Tumor"})
	idx, err := annot.BuildIndex(coll, cat)
	require.NoError(t, err)

	_, err = MergeNear(coll, idx, -1)
	require.Error(t, err)

	_, err = coll.AddPolygon(rect(10, 0, 20, 10), "Tumor")
	require.NoError(t, err)
	_, err = MergeNear(coll, idx, 1)
	require.ErrorIs(t, err, annot.ErrStaleIndex)
	require.Equal(t, 2, coll.Len())
}
