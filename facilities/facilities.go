// Package facilities provides the in-memory model for facility feature
// collections along with the transform and merge operations applied to them
// between extraction and output.
package facilities

import (
	"encoding/json"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// TargetSRID is the EPSG code every collection is normalized to before
// being merged or written.
const TargetSRID = 4326

// WebMercatorSRID is the EPSG code for spherical ("web") Mercator, the only
// non-WGS84 coordinate reference system sources are reprojected from.
const WebMercatorSRID = 3857

// Feature is a single geospatial entity as returned by the feature service:
// a geometry plus an open-ended mapping of attribute names to scalar values.
// Geometry is nil when the source record carried a null geometry.
type Feature struct {
	Geometry   orb.Geometry
	Properties geojson.Properties
}

// Collection is an ordered sequence of features sharing a coordinate
// reference system and a logical layer name. A SRID of 0 means the source
// did not declare one.
type Collection struct {
	Name     string
	SRID     int
	Features []*Feature
}

// GeometryType returns the GeoJSON geometry type shared by every feature in
// the collection, or "Geometry" for mixed or empty collections.
func (c *Collection) GeometryType() string {

	geom_type := ""

	for _, f := range c.Features {

		if f.Geometry == nil {
			continue
		}

		t := f.Geometry.GeoJSONType()

		if geom_type == "" {
			geom_type = t
			continue
		}

		if geom_type != t {
			return "Geometry"
		}
	}

	if geom_type == "" {
		return "Geometry"
	}

	return geom_type
}

// PropertyKind buckets a property value into one of the scalar kinds used
// for schema compatibility checks and container column typing.
func PropertyKind(v interface{}) string {

	switch v.(type) {
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64, json.Number:
		return "number"
	default:
		return "text"
	}
}
