package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aaronland/gocloud-blob/bucket"
	"github.com/paulmach/orb/geojson"
	"github.com/sfomuseum/go-csvdict"
	"github.com/tidwall/sjson"
	"github.com/whosonfirst/go-nationalmap/facilities"
	"github.com/whosonfirst/go-nationalmap/geopackage"
	"gocloud.dev/blob"
)

// WriteError indicates a failure to produce an output artifact. Any write
// failure is fatal to the run; artifacts written before the failure are
// left in place.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("Failed to write %s, %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ArtifactSet maps each written collection to its standalone GeoJSON file
// and records the shared container and manifest paths.
type ArtifactSet struct {
	GeoJSON   map[string]string
	Container string
	Manifest  string
}

// writeArtifacts serializes every named collection to a standalone GeoJSON
// file and to a named layer in a single GeoPackage container, then writes
// the run manifest. The destination directory is created if absent and
// files of the same name are overwritten. The manifest is written last so
// an aborted run does not look complete.
func (p *Pipeline) writeArtifacts(ctx context.Context, collections []*facilities.Collection) (*ArtifactSet, error) {

	dest := p.cfg.DestinationDir

	err := os.MkdirAll(dest, 0755)

	if err != nil {
		return nil, &WriteError{Path: dest, Err: err}
	}

	abs, err := filepath.Abs(dest)

	if err != nil {
		return nil, &WriteError{Path: dest, Err: err}
	}

	target_bucket, err := bucket.OpenBucket(ctx, "file://"+abs)

	if err != nil {
		return nil, &WriteError{Path: dest, Err: err}
	}

	defer target_bucket.Close()

	container_path := filepath.Join(dest, p.cfg.ContainerName)

	container_wr, err := geopackage.NewWriter(ctx, container_path)

	if err != nil {
		return nil, &WriteError{Path: container_path, Err: err}
	}

	artifacts := &ArtifactSet{
		GeoJSON:   make(map[string]string),
		Container: container_path,
	}

	for _, col := range collections {

		fname := fmt.Sprintf("%s.geojson", col.Name)

		p.logger.Printf("Writing %s\n", filepath.Join(dest, fname))

		err := writeGeoJSON(ctx, target_bucket, fname, col)

		if err != nil {
			container_wr.Close()
			return nil, err
		}

		artifacts.GeoJSON[col.Name] = filepath.Join(dest, fname)

		p.logger.Printf("Writing %s to %s\n", col.Name, p.cfg.ContainerName)

		err = container_wr.WriteLayer(ctx, col)

		if err != nil {
			container_wr.Close()
			return nil, &WriteError{Path: container_path, Err: err}
		}
	}

	err = container_wr.Close()

	if err != nil {
		return nil, &WriteError{Path: container_path, Err: err}
	}

	manifest_path, err := p.writeManifest(ctx, target_bucket, collections)

	if err != nil {
		return nil, err
	}

	artifacts.Manifest = manifest_path
	return artifacts, nil
}

// writeGeoJSON serializes one collection as a whole-document GeoJSON
// FeatureCollection with a named crs member.
func writeGeoJSON(ctx context.Context, target_bucket *blob.Bucket, key string, col *facilities.Collection) error {

	fc := geojson.NewFeatureCollection()

	for _, f := range col.Features {

		gf := geojson.NewFeature(f.Geometry)
		gf.Properties = f.Properties

		fc.Append(gf)
	}

	body, err := fc.MarshalJSON()

	if err != nil {
		return &WriteError{Path: key, Err: err}
	}

	crs := fmt.Sprintf(`{"type":"name","properties":{"name":"EPSG:%d"}}`, col.SRID)

	body, err = sjson.SetRawBytes(body, "crs", []byte(crs))

	if err != nil {
		return &WriteError{Path: key, Err: err}
	}

	wr, err := target_bucket.NewWriter(ctx, key, nil)

	if err != nil {
		return &WriteError{Path: key, Err: err}
	}

	_, err = wr.Write(body)

	if err != nil {
		wr.Close()
		return &WriteError{Path: key, Err: err}
	}

	err = wr.Close()

	if err != nil {
		return &WriteError{Path: key, Err: err}
	}

	return nil
}

// writeManifest records one row per written collection: its name, source
// layer id (empty for the combined collection), record count and geometry
// type.
func (p *Pipeline) writeManifest(ctx context.Context, target_bucket *blob.Bucket, collections []*facilities.Collection) (string, error) {

	layer_ids := make(map[string]int64)

	for _, l := range p.cfg.Layers {
		layer_ids[l.Name] = l.ID
	}

	fname := "manifest.csv"

	wr, err := target_bucket.NewWriter(ctx, fname, nil)

	if err != nil {
		return "", &WriteError{Path: fname, Err: err}
	}

	fieldnames := []string{"name", "layer_id", "count", "geometry"}

	csv_wr, err := csvdict.NewWriter(wr, fieldnames)

	if err != nil {
		wr.Close()
		return "", &WriteError{Path: fname, Err: err}
	}

	err = csv_wr.WriteHeader()

	if err != nil {
		wr.Close()
		return "", &WriteError{Path: fname, Err: err}
	}

	for _, col := range collections {

		layer_id := ""

		if id, exists := layer_ids[col.Name]; exists {
			layer_id = strconv.FormatInt(id, 10)
		}

		out := map[string]string{
			"name":     col.Name,
			"layer_id": layer_id,
			"count":    strconv.Itoa(len(col.Features)),
			"geometry": col.GeometryType(),
		}

		err := csv_wr.WriteRow(out)

		if err != nil {
			wr.Close()
			return "", &WriteError{Path: fname, Err: err}
		}
	}

	csv_wr.Flush()

	err = wr.Close()

	if err != nil {
		return "", &WriteError{Path: fname, Err: err}
	}

	return filepath.Join(p.cfg.DestinationDir, fname), nil
}
