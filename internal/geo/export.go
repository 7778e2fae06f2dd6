package geo

import (
	"encoding/json"
	"fmt"
	"io"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/mallmap/geomeasure/pkg/core"
)

// ExportOptions tunes FeatureCollection.
type ExportOptions struct {
	// Floors labels the floor_level property. Unknown codes get no label.
	Floors []core.Floor
	// Paths adds one LineString per floor joining its markers in store order.
	Paths bool
}

// MarkerFeature returns the GeoJSON feature of one marker. Properties carry the store data
// and the web mercator projection of the point.
func MarkerFeature(m core.Marker, floors []core.Floor) geom.GeoJSONFeature {
	x, y := Project3857(m.Longitude, m.Latitude)
	props := map[string]interface{}{
		"store_number": m.StoreNumber,
		"floor_level":  string(m.FloorLevel),
		"x_3857":       x,
		"y_3857":       y,
	}
	if f, ok := core.LookupFloor(floors, m.FloorLevel); ok {
		props["floor_label"] = f.Label
	}
	if m.Altitude != nil {
		props["altitude"] = *m.Altitude
	}
	return geom.GeoJSONFeature{
		Geometry:   Point(m.Position()).AsGeometry(),
		ID:         m.ID,
		Properties: props,
	}
}

// SurveyPath joins the markers of one floor in store order. Floors with fewer than
// two markers have no path.
func SurveyPath(markers []core.Marker, floor core.FloorLevel) (geom.LineString, bool) {
	coords := make([]float64, 0, len(markers)*2)
	for _, m := range markers {
		if m.FloorLevel != floor {
			continue
		}
		coords = append(coords, m.Longitude, m.Latitude)
	}
	if len(coords) < 4 {
		return geom.LineString{}, false
	}
	return geom.NewLineString(geom.NewSequence(coords, geom.DimXY)), true
}

// FeatureCollection converts markers to a GeoJSON FeatureCollection in store order.
func FeatureCollection(markers []core.Marker, opts ExportOptions) geom.GeoJSONFeatureCollection {
	fc := make(geom.GeoJSONFeatureCollection, 0, len(markers))
	for _, m := range markers {
		fc = append(fc, MarkerFeature(m, opts.Floors))
	}
	if !opts.Paths {
		return fc
	}

	seen := make(map[core.FloorLevel]bool)
	for _, m := range markers {
		if seen[m.FloorLevel] {
			continue
		}
		seen[m.FloorLevel] = true
		ls, ok := SurveyPath(markers, m.FloorLevel)
		if !ok {
			continue
		}
		fc = append(fc, geom.GeoJSONFeature{
			Geometry: ls.AsGeometry(),
			Properties: map[string]interface{}{
				"kind":        "survey_path",
				"floor_level": string(m.FloorLevel),
			},
		})
	}
	return fc
}

// WriteGeoJSON writes the FeatureCollection of markers to w.
func WriteGeoJSON(w io.Writer, markers []core.Marker, opts ExportOptions) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(FeatureCollection(markers, opts)); err != nil {
		return fmt.Errorf("failed to encode geojson: %w", err)
	}
	return nil
}
