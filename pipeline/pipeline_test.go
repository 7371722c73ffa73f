package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
	"github.com/whosonfirst/go-nationalmap/arcgis"
	_ "gocloud.dev/blob/fileblob"
)

const testCRS = `{"type":"name","properties":{"name":"EPSG:4326"}}`

// testService serves a fixed set of features per layer id the way an ArcGIS
// MapServer does, at {base}/{layer_id}/query.
func testService(layers map[string][]string) *httptest.Server {

	return httptest.NewServer(http.HandlerFunc(func(rsp http.ResponseWriter, req *http.Request) {

		parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")

		features := layers[parts[0]]

		q := req.URL.Query()

		offset, _ := strconv.Atoi(q.Get("resultOffset"))
		count, _ := strconv.Atoi(q.Get("resultRecordCount"))

		start := offset
		end := offset + count

		if start > len(features) {
			start = len(features)
		}

		if end > len(features) {
			end = len(features)
		}

		body := fmt.Sprintf(`{"type":"FeatureCollection","crs":%s,"features":[%s]}`, testCRS, strings.Join(features[start:end], ","))
		rsp.Write([]byte(body))
	}))
}

func testConfig(server_url string, dest string) *Config {

	return &Config{
		ServiceURL: server_url,
		Layers: []Layer{
			{Name: "schools", ID: 76},
			{Name: "colleges", ID: 74},
		},
		Category:       "education",
		CombinedName:   "education_all",
		PageSize:       2000,
		MaxWorkers:     1,
		DestinationDir: dest,
		ContainerName:  "education.gpkg",
	}
}

func testLayers() map[string][]string {

	return map[string][]string{
		"76": {
			`{"type":"Feature","geometry":{"type":"Point","coordinates":[-77.01,38.91]},"properties":{"OBJECTID":1,"School Name":"Alpha"}}`,
			`{"type":"Feature","geometry":null,"properties":{"OBJECTID":2,"School Name":"Ghost"}}`,
			`{"type":"Feature","geometry":{"type":"Point","coordinates":[-77.02,38.92]},"properties":{"OBJECTID":3,"School Name":"Beta"}}`,
		},
		"74": {
			`{"type":"Feature","geometry":{"type":"Point","coordinates":[-77.03,38.93]},"properties":{"OBJECTID":1,"Name":"Gamma College"}}`,
			`{"type":"Feature","geometry":{"type":"Point","coordinates":[-77.04,38.94]},"properties":{"OBJECTID":2,"Name":"Delta College"}}`,
		},
	}
}

func TestPipelineRun(t *testing.T) {

	ctx := context.Background()

	server := testService(testLayers())
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "output")

	p, err := NewPipeline(testConfig(server.URL, dest), nil)

	if err != nil {
		t.Fatalf("Failed to create pipeline, %v", err)
	}

	artifacts, err := p.Run(ctx)

	if err != nil {
		t.Fatalf("Failed to run pipeline, %v", err)
	}

	if len(artifacts.GeoJSON) != 3 {
		t.Fatalf("Expected 3 GeoJSON artifacts, got %d", len(artifacts.GeoJSON))
	}

	expected_counts := map[string]int{
		"schools":       2,
		"colleges":      2,
		"education_all": 4,
	}

	for name, expected := range expected_counts {

		path, exists := artifacts.GeoJSON[name]

		if !exists {
			t.Fatalf("Missing GeoJSON artifact for %s", name)
		}

		body, err := os.ReadFile(path)

		if err != nil {
			t.Fatalf("Failed to read %s, %v", path, err)
		}

		features := gjson.GetBytes(body, "features").Array()

		if len(features) != expected {
			t.Fatalf("Expected %d features in %s, got %d", expected, name, len(features))
		}

		for _, f := range features {

			if f.Get("geometry").Type == gjson.Null {
				t.Fatalf("Null geometry survived the transform in %s", name)
			}

			if f.Get("properties.facility_category").String() != "education" {
				t.Fatalf("Missing facility_category in %s", name)
			}
		}

		crs_name := gjson.GetBytes(body, "crs.properties.name").String()

		if crs_name != "EPSG:4326" {
			t.Fatalf("Expected EPSG:4326 crs member in %s, got %s", name, crs_name)
		}
	}

	// normalized keys and tags in the per-layer output

	body, _ := os.ReadFile(artifacts.GeoJSON["schools"])

	if gjson.GetBytes(body, "features.0.properties.school_name").String() != "Alpha" {
		t.Fatalf("Expected normalized school_name key, got %s", body)
	}

	if gjson.GetBytes(body, "features.0.properties.facility_type").String() != "schools" {
		t.Fatalf("Expected facility_type schools, got %s", body)
	}

	// the combined collection preserves configured layer order

	body, _ = os.ReadFile(artifacts.GeoJSON["education_all"])

	expected_order := []string{"schools", "schools", "colleges", "colleges"}

	for idx, expected := range expected_order {

		ft := gjson.GetBytes(body, fmt.Sprintf("features.%d.properties.facility_type", idx)).String()

		if ft != expected {
			t.Fatalf("Expected facility_type %s at position %d, got %s", expected, idx, ft)
		}
	}

	// the container holds all three named layers

	db, err := sql.Open("sqlite", artifacts.Container)

	if err != nil {
		t.Fatalf("Failed to open container, %v", err)
	}

	defer db.Close()

	var layer_count int

	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM gpkg_contents WHERE data_type = 'features'").Scan(&layer_count)

	if err != nil {
		t.Fatalf("Failed to count container layers, %v", err)
	}

	if layer_count != 3 {
		t.Fatalf("Expected 3 container layers, got %d", layer_count)
	}

	var combined_count int

	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "education_all"`).Scan(&combined_count)

	if err != nil {
		t.Fatalf("Failed to count combined features, %v", err)
	}

	if combined_count != 4 {
		t.Fatalf("Expected 4 combined features, got %d", combined_count)
	}

	// the manifest lists every collection

	manifest, err := os.ReadFile(artifacts.Manifest)

	if err != nil {
		t.Fatalf("Failed to read manifest, %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(manifest)), "\n")

	if len(lines) != 4 {
		t.Fatalf("Expected header and 3 rows in manifest, got %d lines", len(lines))
	}
}

func TestPipelineRunParallel(t *testing.T) {

	ctx := context.Background()

	server := testService(testLayers())
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "output")

	cfg := testConfig(server.URL, dest)
	cfg.MaxWorkers = 2

	p, err := NewPipeline(cfg, nil)

	if err != nil {
		t.Fatalf("Failed to create pipeline, %v", err)
	}

	artifacts, err := p.Run(ctx)

	if err != nil {
		t.Fatalf("Failed to run pipeline, %v", err)
	}

	// combined order follows configured order, not completion order

	body, err := os.ReadFile(artifacts.GeoJSON["education_all"])

	if err != nil {
		t.Fatalf("Failed to read combined artifact, %v", err)
	}

	expected_order := []string{"schools", "schools", "colleges", "colleges"}

	for idx, expected := range expected_order {

		ft := gjson.GetBytes(body, fmt.Sprintf("features.%d.properties.facility_type", idx)).String()

		if ft != expected {
			t.Fatalf("Expected facility_type %s at position %d, got %s", expected, idx, ft)
		}
	}
}

func TestPipelineEmptyLayerFailure(t *testing.T) {

	ctx := context.Background()

	layers := testLayers()
	delete(layers, "74")

	server := testService(layers)
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "output")

	p, err := NewPipeline(testConfig(server.URL, dest), nil)

	if err != nil {
		t.Fatalf("Failed to create pipeline, %v", err)
	}

	_, err = p.Run(ctx)

	var empty_err *arcgis.EmptyLayerError

	if !errors.As(err, &empty_err) {
		t.Fatalf("Expected an EmptyLayerError, got %v", err)
	}

	// no output may exist after a failed extraction

	_, err = os.Stat(dest)

	if !os.IsNotExist(err) {
		t.Fatalf("Expected no output directory after a failed run")
	}
}

func TestNewPipelineValidation(t *testing.T) {

	valid := testConfig("http://localhost", "out")

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no layers", func(cfg *Config) { cfg.Layers = nil }},
		{"zero page size", func(cfg *Config) { cfg.PageSize = 0 }},
		{"oversized page", func(cfg *Config) { cfg.PageSize = arcgis.MaxPageSize + 1 }},
		{"missing destination", func(cfg *Config) { cfg.DestinationDir = "" }},
		{"duplicate layer name", func(cfg *Config) { cfg.Layers = append(cfg.Layers, Layer{Name: "schools", ID: 77}) }},
		{"combined name collision", func(cfg *Config) { cfg.CombinedName = "schools" }},
	}

	for _, tc := range tests {

		cfg := *valid
		cfg.Layers = append([]Layer(nil), valid.Layers...)

		tc.modify(&cfg)

		_, err := NewPipeline(&cfg, nil)

		if err == nil {
			t.Fatalf("Expected validation error for %s", tc.name)
		}
	}
}
