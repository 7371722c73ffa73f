package facilities

import (
	"fmt"
	"sort"
)

// SchemaMismatchError indicates that the same property key holds values of
// incompatible scalar kinds in two of the collections being merged.
type SchemaMismatchError struct {
	Key      string
	Kind     string
	Conflict string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("Property %q holds %s values in one collection and %s values in another", e.Key, e.Kind, e.Conflict)
}

// Merge unions one or more normalized collections into a single combined
// collection. Record order preserves the input ordering exactly and the
// combined record count is the sum of the input counts. Attribute schemas
// are merged union-of-columns style with missing keys treated as nulls, but
// a key whose values disagree on scalar kind across inputs fails with a
// SchemaMismatchError since it cannot be given a single column type
// downstream. Every input must already be normalized to EPSG:4326.
func Merge(name string, cols ...*Collection) (*Collection, error) {

	merged := &Collection{
		Name: name,
		SRID: TargetSRID,
	}

	kinds := make(map[string]string)

	for _, col := range cols {

		if col.SRID != TargetSRID {
			return nil, fmt.Errorf("Collection %s has CRS EPSG:%d, expected EPSG:%d", col.Name, col.SRID, TargetSRID)
		}

		for _, f := range col.Features {

			keys := make([]string, 0, len(f.Properties))

			for k := range f.Properties {
				keys = append(keys, k)
			}

			sort.Strings(keys)

			for _, k := range keys {

				v := f.Properties[k]

				if v == nil {
					continue
				}

				kind := PropertyKind(v)

				existing, seen := kinds[k]

				if !seen {
					kinds[k] = kind
					continue
				}

				if existing != kind {
					return nil, &SchemaMismatchError{
						Key:      k,
						Kind:     existing,
						Conflict: kind,
					}
				}
			}

			merged.Features = append(merged.Features, f)
		}
	}

	return merged, nil
}
