package facilities

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

// CategoryProperty is the name of the property holding the constant
// facility category assigned to every normalized record.
const CategoryProperty = "facility_category"

// TypeProperty is the name of the property holding the layer name assigned
// to every normalized record.
const TypeProperty = "facility_type"

// Transform normalizes a collection: records with nil geometry are dropped,
// geometries are reprojected to EPSG:4326, property keys are normalized
// with NormalizeKey and the facility_category and facility_type properties
// are injected. The input collection is not modified. Transforming an
// already-normalized collection is a no-op.
func Transform(col *Collection, layer_name string, category string) (*Collection, error) {

	switch col.SRID {
	case TargetSRID, WebMercatorSRID:
		// supported below
	case 0:
		// Undeclared CRS. Assume WGS84 and tag the collection without
		// touching coordinates. A source with an unreported non-WGS84
		// CRS will be mis-tagged here, not mis-projected.
		if len(col.Features) > 0 {
			slog.Warn("Collection does not declare a CRS, assuming WGS84", "layer", layer_name)
		}
	default:
		return nil, fmt.Errorf("No transform from EPSG:%d to EPSG:%d for layer %s", col.SRID, TargetSRID, layer_name)
	}

	normalized := &Collection{
		Name:     layer_name,
		SRID:     TargetSRID,
		Features: make([]*Feature, 0, len(col.Features)),
	}

	for _, f := range col.Features {

		if f.Geometry == nil {
			continue
		}

		geom := f.Geometry

		if col.SRID == WebMercatorSRID {
			geom = project.Geometry(orb.Clone(geom), project.Mercator.ToWGS84)
		}

		props, err := normalizeProperties(f.Properties)

		if err != nil {
			return nil, fmt.Errorf("Failed to normalize properties for layer %s, %w", layer_name, err)
		}

		props[CategoryProperty] = category
		props[TypeProperty] = layer_name

		normalized.Features = append(normalized.Features, &Feature{
			Geometry:   geom,
			Properties: props,
		})
	}

	return normalized, nil
}

// NormalizeKey lower-cases a property name and replaces spaces and hyphens
// with underscores.
func NormalizeKey(k string) string {

	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, " ", "_")
	return strings.ReplaceAll(k, "-", "_")
}

// normalizeProperties rewrites property keys with NormalizeKey. Two source
// keys mapping to the same normalized key is an error rather than a silent
// overwrite. Keys are visited in sorted order so the error is deterministic.
func normalizeProperties(props geojson.Properties) (geojson.Properties, error) {

	keys := make([]string, 0, len(props))

	for k := range props {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	normalized := make(geojson.Properties, len(props)+2)

	for _, k := range keys {

		nk := NormalizeKey(k)

		if _, exists := normalized[nk]; exists {
			return nil, fmt.Errorf("Multiple property keys normalize to %q", nk)
		}

		normalized[nk] = props[k]
	}

	return normalized, nil
}
