package arcgis

import (
	"context"
	"fmt"
	"log"

	"github.com/sfomuseum/go-timings"
	"github.com/whosonfirst/go-nationalmap/facilities"
)

// ExtractOptions configures a paginated layer extraction. All fields are
// optional.
type ExtractOptions struct {
	// PageSize is the number of records requested per page. Defaults to
	// MaxPageSize.
	PageSize int
	// Logger receives one progress line per fetched page.
	Logger *log.Logger
	// Monitor is signaled once per fetched page.
	Monitor timings.Monitor
}

// Extract retrieves a layer's complete feature set by requesting successive
// pages until the service returns an empty one. A layer that yields zero
// records in total fails with *EmptyLayerError. The pages of one layer are
// required to agree on their declared CRS.
func (cl *Client) Extract(ctx context.Context, layer_id int64, opts *ExtractOptions) (*facilities.Collection, error) {

	if opts == nil {
		opts = &ExtractOptions{}
	}

	page_size := opts.PageSize

	if page_size <= 0 {
		page_size = MaxPageSize
	}

	features := make([]*facilities.Feature, 0)

	srid := 0
	offset := 0

	for {

		batch, page_srid, err := cl.FetchPage(ctx, layer_id, offset, page_size)

		if err != nil {
			return nil, fmt.Errorf("Failed to fetch page at offset %d for layer %d, %w", offset, layer_id, err)
		}

		if opts.Monitor != nil {
			go opts.Monitor.Signal(ctx)
		}

		// An empty page means the layer is exhausted. A transient empty
		// response from the service is indistinguishable from true
		// exhaustion here.

		if len(batch) == 0 {
			break
		}

		if len(features) == 0 {
			srid = page_srid
		} else if page_srid != srid {
			return nil, fmt.Errorf("Layer %d reported CRS EPSG:%d at offset %d but EPSG:%d on earlier pages", layer_id, page_srid, offset, srid)
		}

		features = append(features, batch...)
		offset += page_size

		if opts.Logger != nil {
			opts.Logger.Printf("Fetched %d records for layer %d (total %d)\n", len(batch), layer_id, len(features))
		}
	}

	if len(features) == 0 {
		return nil, &EmptyLayerError{LayerID: layer_id}
	}

	return &facilities.Collection{
		SRID:     srid,
		Features: features,
	}, nil
}
