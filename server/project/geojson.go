package project

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// GeoJSON exchange uses the same layout as QuPath's annotation export:
// one Feature per annotation, with the class in properties.classification.name,
// and coordinates in level-0 pixels.

type ImportResult struct {
	Added   int
	Skipped int             // Features that had no polygonal geometry
	Classes []annot.ClassID // Distinct classes encountered, in order of first appearance
}

// ImportGeoJSON adds the polygonal features of a FeatureCollection to coll.
// Classes are taken as is, so the caller must make sure that they exist in the catalog
// before building an index.
func ImportGeoJSON(coll *annot.Collection, r io.Reader) (*ImportResult, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("Error loading GeoJSON: %w", err)
	}
	res := &ImportResult{}
	seen := map[annot.ClassID]bool{}
	for i, f := range fc.Features {
		var mp orb.MultiPolygon
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			mp = orb.MultiPolygon{g}
		case orb.MultiPolygon:
			mp = g
		default:
			res.Skipped++
			continue
		}
		class := featureClass(f)
		name := f.Properties.MustString("name", "")
		if _, err := coll.Insert(0, mp, class, name); err != nil {
			return nil, fmt.Errorf("Feature %v: %w", i, err)
		}
		res.Added++
		if class != "" && !seen[class] {
			seen[class] = true
			res.Classes = append(res.Classes, class)
		}
	}
	return res, nil
}

func featureClass(f *geojson.Feature) annot.ClassID {
	c, ok := f.Properties["classification"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := c["name"].(string)
	return annot.ClassID(name)
}

// ExportGeoJSON writes all annotations of coll as a FeatureCollection.
// If catalog is not nil, class colors are included.
func ExportGeoJSON(coll *annot.Collection, catalog *annot.Catalog, w io.Writer) error {
	fc := geojson.NewFeatureCollection()
	for _, a := range coll.All() {
		var g orb.Geometry = a.Geometry
		if len(a.Geometry) == 1 {
			g = a.Geometry[0]
		}
		f := geojson.NewFeature(g)
		f.ID = a.ID
		f.Properties["objectType"] = "annotation"
		if a.Name != "" {
			f.Properties["name"] = a.Name
		}
		if a.IsClassified() {
			cls := map[string]any{"name": string(a.Class)}
			if catalog != nil {
				if idx, err := catalog.IndexOf(a.Class); err == nil {
					c, _ := catalog.Class(idx)
					cls["color"] = []int{int(c.Color>>16) & 0xff, int(c.Color>>8) & 0xff, int(c.Color) & 0xff}
				}
			}
			f.Properties["classification"] = cls
		}
		fc.Append(f)
	}
	raw, err := json.MarshalIndent(fc, "", "\t")
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}
