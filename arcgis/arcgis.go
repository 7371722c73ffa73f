// Package arcgis implements a client for querying ArcGIS MapServer feature
// layers, including paginated extraction of a layer's complete feature set.
package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"
	"github.com/whosonfirst/go-nationalmap/facilities"
)

// MaxPageSize is a safety margin under the MaxRecordCount limit enforced by
// National Map MapServer instances.
const MaxPageSize = 2000

// DefaultTimeout is the per-request timeout applied by NewClient.
const DefaultTimeout = 60 * time.Second

// Client issues queries against the feature layers of a single MapServer
// endpoint.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client for the MapServer endpoint at base_url using a
// default HTTP client with a bounded per-request timeout.
func NewClient(base_url string) *Client {

	http_client := &http.Client{
		Timeout: DefaultTimeout,
	}

	return &Client{
		BaseURL:    base_url,
		HTTPClient: http_client,
	}
}

// FetchPage issues one bounded query against a feature layer and returns
// the raw features of that page together with the EPSG code the service
// reported for them (0 if the response did not declare one). Transport and
// HTTP failures are returned as *TransportError.
func (cl *Client) FetchPage(ctx context.Context, layer_id int64, offset int, page_size int) ([]*facilities.Feature, int, error) {

	if offset < 0 {
		return nil, 0, fmt.Errorf("Invalid offset %d", offset)
	}

	if page_size <= 0 || page_size > MaxPageSize {
		return nil, 0, fmt.Errorf("Invalid page size %d, expected a value between 1 and %d", page_size, MaxPageSize)
	}

	q := url.Values{}
	q.Set("where", "1=1")
	q.Set("outFields", "*")
	q.Set("f", "geojson")
	q.Set("resultOffset", strconv.Itoa(offset))
	q.Set("resultRecordCount", strconv.Itoa(page_size))

	endpoint := fmt.Sprintf("%s/%d/query?%s", strings.TrimRight(cl.BaseURL, "/"), layer_id, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)

	if err != nil {
		return nil, 0, fmt.Errorf("Failed to create request for layer %d, %w", layer_id, err)
	}

	rsp, err := cl.HTTPClient.Do(req)

	if err != nil {
		return nil, 0, &TransportError{LayerID: layer_id, Err: err}
	}

	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		return nil, 0, &TransportError{LayerID: layer_id, StatusCode: rsp.StatusCode}
	}

	body, err := io.ReadAll(rsp.Body)

	if err != nil {
		return nil, 0, &TransportError{LayerID: layer_id, Err: err}
	}

	features_rsp := gjson.GetBytes(body, "features")

	if !features_rsp.IsArray() {
		return nil, 0, fmt.Errorf("Response for layer %d is missing a features array", layer_id)
	}

	srid, err := parseCRS(gjson.GetBytes(body, "crs"))

	if err != nil {
		return nil, 0, fmt.Errorf("Failed to parse CRS for layer %d, %w", layer_id, err)
	}

	features_rsps := features_rsp.Array()
	batch := make([]*facilities.Feature, 0, len(features_rsps))

	for idx, f_rsp := range features_rsps {

		f, err := parseFeature(f_rsp)

		if err != nil {
			return nil, 0, fmt.Errorf("Failed to parse feature %d at offset %d for layer %d, %w", idx, offset, layer_id, err)
		}

		batch = append(batch, f)
	}

	return batch, srid, nil
}

// parseFeature decodes one raw feature. A JSON-null geometry yields a
// feature with a nil geometry, which is filtered later during transform.
func parseFeature(r gjson.Result) (*facilities.Feature, error) {

	props := make(geojson.Properties)

	props_rsp := r.Get("properties")

	if props_rsp.Exists() && props_rsp.Type != gjson.Null {

		err := json.Unmarshal([]byte(props_rsp.Raw), &props)

		if err != nil {
			return nil, fmt.Errorf("Failed to unmarshal properties, %w", err)
		}
	}

	f := &facilities.Feature{
		Properties: props,
	}

	geom_rsp := r.Get("geometry")

	if geom_rsp.Exists() && geom_rsp.Type != gjson.Null {

		geom, err := geojson.UnmarshalGeometry([]byte(geom_rsp.Raw))

		if err != nil {
			return nil, fmt.Errorf("Failed to unmarshal geometry, %w", err)
		}

		f.Geometry = geom.Geometry()
	}

	return f, nil
}

// parseCRS derives an EPSG code from the named-CRS member of a GeoJSON
// response. An absent member yields 0 (undeclared).
func parseCRS(rsp gjson.Result) (int, error) {

	if !rsp.Exists() || rsp.Type == gjson.Null {
		return 0, nil
	}

	name := rsp.Get("properties.name").String()

	if name == "" {
		return 0, nil
	}

	upper := strings.ToUpper(name)

	// CRS84 is WGS84 with lon/lat axis order, which is what GeoJSON
	// coordinates already are.

	switch upper {
	case "URN:OGC:DEF:CRS:OGC:1.3:CRS84", "OGC:CRS84", "CRS84":
		return facilities.TargetSRID, nil
	}

	if !strings.Contains(upper, "EPSG") {
		return 0, fmt.Errorf("Unrecognized CRS name %q", name)
	}

	code := upper[strings.LastIndex(upper, ":")+1:]

	srid, err := strconv.Atoi(code)

	if err != nil {
		return 0, fmt.Errorf("Unrecognized CRS name %q", name)
	}

	// Legacy alias for spherical Mercator
	if srid == 900913 {
		srid = facilities.WebMercatorSRID
	}

	return srid, nil
}
