package education

import (
	"flag"

	"github.com/sfomuseum/go-flags/flagset"
	"github.com/sfomuseum/go-flags/multi"
	"github.com/whosonfirst/go-nationalmap/arcgis"
	"github.com/whosonfirst/go-nationalmap/pipeline"
)

var service_url string
var destination_dir string
var container_name string
var facility_category string
var combined_name string
var page_size int
var max_workers int

var layers multi.MultiString

func DefaultFlagSet() *flag.FlagSet {

	fs := flagset.NewFlagSet("education")

	fs.StringVar(&service_url, "service-url", pipeline.DefaultServiceURL, "The ArcGIS MapServer endpoint to query feature layers from.")
	fs.StringVar(&destination_dir, "destination", "education_etl_output", "The directory where output artifacts are written. Created if absent.")
	fs.StringVar(&container_name, "container-name", pipeline.DefaultContainerName, "The filename of the multi-layer GeoPackage container.")
	fs.StringVar(&facility_category, "facility-category", pipeline.DefaultCategory, "The facility_category value assigned to every record.")
	fs.StringVar(&combined_name, "combined-name", pipeline.DefaultCombinedName, "The name of the combined collection.")
	fs.IntVar(&page_size, "page-size", arcgis.MaxPageSize, "The number of records to request per page. Must not exceed the service's maximum record count.")
	fs.IntVar(&max_workers, "max-workers", 1, "The maximum number of layers to extract concurrently.")

	fs.Var(&layers, "layer", "Zero or more {name}={id} definitions of the layers to extract, replacing the default education layers.")

	return fs
}
