// Package geopackage writes feature collections to an OGC GeoPackage, a
// SQLite container holding multiple independently named layers.
package geopackage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/whosonfirst/go-nationalmap/facilities"
	_ "modernc.org/sqlite"
)

// The GeoPackage application id, "GPKG" in ASCII.
const applicationID = 0x47504B47

const wgs84Definition = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]]`

// Writer appends named feature layers to a single GeoPackage file.
type Writer struct {
	db   *sql.DB
	path string
}

// NewWriter creates a GeoPackage at path, replacing any existing file of
// the same name, and populates the required metadata tables.
func NewWriter(ctx context.Context, path string) (*Writer, error) {

	err := os.Remove(path)

	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("Failed to remove existing container %s, %w", path, err)
	}

	db, err := sql.Open("sqlite", path)

	if err != nil {
		return nil, fmt.Errorf("Failed to open container %s, %w", path, err)
	}

	// SQLite supports a single writer
	db.SetMaxOpenConns(1)

	wr := &Writer{
		db:   db,
		path: path,
	}

	err = wr.bootstrap(ctx)

	if err != nil {
		db.Close()
		return nil, fmt.Errorf("Failed to bootstrap container %s, %w", path, err)
	}

	return wr, nil
}

func (wr *Writer) bootstrap(ctx context.Context) error {

	queries := []string{
		fmt.Sprintf("PRAGMA application_id = %d", applicationID),
		`CREATE TABLE gpkg_spatial_ref_sys (
			srs_name TEXT NOT NULL,
			srs_id INTEGER PRIMARY KEY,
			organization TEXT NOT NULL,
			organization_coordsys_id INTEGER NOT NULL,
			definition TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE gpkg_contents (
			table_name TEXT PRIMARY KEY,
			data_type TEXT NOT NULL,
			identifier TEXT UNIQUE,
			description TEXT DEFAULT '',
			last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			min_x DOUBLE,
			min_y DOUBLE,
			max_x DOUBLE,
			max_y DOUBLE,
			srs_id INTEGER,
			CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
		)`,
		`CREATE TABLE gpkg_geometry_columns (
			table_name TEXT NOT NULL,
			column_name TEXT NOT NULL,
			geometry_type_name TEXT NOT NULL,
			srs_id INTEGER NOT NULL,
			z TINYINT NOT NULL,
			m TINYINT NOT NULL,
			CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name)
		)`,
		`INSERT INTO gpkg_spatial_ref_sys VALUES ('Undefined Cartesian', -1, 'NONE', -1, 'undefined', NULL)`,
		`INSERT INTO gpkg_spatial_ref_sys VALUES ('Undefined Geographic', 0, 'NONE', 0, 'undefined', NULL)`,
		fmt.Sprintf(`INSERT INTO gpkg_spatial_ref_sys VALUES ('WGS 84', 4326, 'EPSG', 4326, '%s', 'WGS 84 geodetic')`, wgs84Definition),
	}

	for _, q := range queries {

		_, err := wr.db.ExecContext(ctx, q)

		if err != nil {
			return fmt.Errorf("Failed to execute bootstrap statement, %w", err)
		}
	}

	return nil
}

// WriteLayer adds a collection to the container as a feature layer named
// after the collection. Attribute columns are the union of the collection's
// property keys; features missing a key store a null.
func (wr *Writer) WriteLayer(ctx context.Context, col *facilities.Collection) error {

	columns, kinds := attributeColumns(col)

	defs := make([]string, 0, len(columns)+2)
	defs = append(defs, `"fid" INTEGER PRIMARY KEY AUTOINCREMENT`)
	defs = append(defs, `"geom" BLOB`)

	for _, c := range columns {
		defs = append(defs, fmt.Sprintf("%q %s", c, sqliteType(kinds[c])))
	}

	create := fmt.Sprintf("CREATE TABLE %q (%s)", col.Name, strings.Join(defs, ", "))

	_, err := wr.db.ExecContext(ctx, create)

	if err != nil {
		return fmt.Errorf("Failed to create table for layer %s, %w", col.Name, err)
	}

	err = wr.registerLayer(ctx, col)

	if err != nil {
		return fmt.Errorf("Failed to register layer %s, %w", col.Name, err)
	}

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)+1), ", ")

	quoted := make([]string, 0, len(columns)+1)
	quoted = append(quoted, `"geom"`)

	for _, c := range columns {
		quoted = append(quoted, fmt.Sprintf("%q", c))
	}

	insert := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)", col.Name, strings.Join(quoted, ", "), marks)

	tx, err := wr.db.BeginTx(ctx, nil)

	if err != nil {
		return fmt.Errorf("Failed to begin transaction for layer %s, %w", col.Name, err)
	}

	for idx, f := range col.Features {

		blob, err := encodeGeometry(f.Geometry, col.SRID)

		if err != nil {
			tx.Rollback()
			return fmt.Errorf("Failed to encode geometry %d for layer %s, %w", idx, col.Name, err)
		}

		args := make([]interface{}, 0, len(columns)+1)
		args = append(args, blob)

		for _, c := range columns {
			args = append(args, f.Properties[c])
		}

		_, err = tx.ExecContext(ctx, insert, args...)

		if err != nil {
			tx.Rollback()
			return fmt.Errorf("Failed to insert feature %d for layer %s, %w", idx, col.Name, err)
		}
	}

	err = tx.Commit()

	if err != nil {
		return fmt.Errorf("Failed to commit layer %s, %w", col.Name, err)
	}

	return nil
}

// Close finalizes the container.
func (wr *Writer) Close() error {
	return wr.db.Close()
}

func (wr *Writer) registerLayer(ctx context.Context, col *facilities.Collection) error {

	var min_x, min_y, max_x, max_y interface{}

	bound, ok := layerBound(col)

	if ok {
		min_x = bound.Min.X()
		min_y = bound.Min.Y()
		max_x = bound.Max.X()
		max_y = bound.Max.Y()
	}

	_, err := wr.db.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, min_x, min_y, max_x, max_y, srs_id) VALUES (?, 'features', ?, ?, ?, ?, ?, ?)`,
		col.Name, col.Name, min_x, min_y, max_x, max_y, col.SRID)

	if err != nil {
		return fmt.Errorf("Failed to insert contents row, %w", err)
	}

	geom_type := strings.ToUpper(col.GeometryType())

	_, err = wr.db.ExecContext(ctx,
		`INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m) VALUES (?, 'geom', ?, ?, 0, 0)`,
		col.Name, geom_type, col.SRID)

	if err != nil {
		return fmt.Errorf("Failed to insert geometry columns row, %w", err)
	}

	return nil
}

// attributeColumns returns the sorted union of property keys across the
// collection along with the scalar kind of each.
func attributeColumns(col *facilities.Collection) ([]string, map[string]string) {

	kinds := make(map[string]string)

	for _, f := range col.Features {

		for k, v := range f.Properties {

			if v == nil {
				continue
			}

			if _, seen := kinds[k]; !seen {
				kinds[k] = facilities.PropertyKind(v)
			}
		}
	}

	columns := make([]string, 0, len(kinds))

	for k := range kinds {
		columns = append(columns, k)
	}

	sort.Strings(columns)

	return columns, kinds
}

func layerBound(col *facilities.Collection) (orb.Bound, bool) {

	var bound orb.Bound
	found := false

	for _, f := range col.Features {

		if f.Geometry == nil {
			continue
		}

		if !found {
			bound = f.Geometry.Bound()
			found = true
			continue
		}

		bound = bound.Union(f.Geometry.Bound())
	}

	return bound, found
}

func sqliteType(kind string) string {

	switch kind {
	case "number":
		return "REAL"
	case "boolean":
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// encodeGeometry produces a StandardGeoPackageBinary blob: the "GP" magic,
// version 0, a little-endian flags byte with no envelope, the SRS id and
// then the WKB geometry.
func encodeGeometry(geom orb.Geometry, srid int) ([]byte, error) {

	if geom == nil {
		return nil, nil
	}

	body, err := wkb.Marshal(geom, binary.LittleEndian)

	if err != nil {
		return nil, fmt.Errorf("Failed to marshal WKB, %w", err)
	}

	header := make([]byte, 8)
	header[0] = 0x47
	header[1] = 0x50
	header[2] = 0x00
	header[3] = 0x01
	binary.LittleEndian.PutUint32(header[4:], uint32(srid))

	return append(header, body...), nil
}
