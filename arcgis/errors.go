package arcgis

import (
	"fmt"
)

// TransportError indicates a network or HTTP failure while fetching a page.
// It is not retried; the caller is expected to abort the whole run.
type TransportError struct {
	LayerID    int64
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {

	if e.Err != nil {
		return fmt.Sprintf("Transport failure querying layer %d, %v", e.LayerID, e.Err)
	}

	return fmt.Sprintf("Query for layer %d returned HTTP status %d", e.LayerID, e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// EmptyLayerError indicates that a layer returned zero records in total,
// which usually means a misconfigured layer identifier.
type EmptyLayerError struct {
	LayerID int64
}

func (e *EmptyLayerError) Error() string {
	return fmt.Sprintf("Layer %d returned no records; is the layer id correct?", e.LayerID)
}
