// Package pipeline orchestrates the extract-transform-merge-write run that
// turns a configured set of feature service layers into a unified set of
// file artifacts.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/sfomuseum/go-timings"
	"github.com/whosonfirst/go-nationalmap/arcgis"
	"github.com/whosonfirst/go-nationalmap/facilities"
	"golang.org/x/sync/errgroup"
)

// DefaultServiceURL is the USGS National Map structures MapServer.
const DefaultServiceURL = "https://carto.nationalmap.gov/arcgis/rest/services/structures/MapServer"

const DefaultCategory = "education"

const DefaultCombinedName = "education_all"

const DefaultContainerName = "education.gpkg"

// Layer maps a logical layer name to the numeric identifier it is exposed
// under by the feature service.
type Layer struct {
	Name string
	ID   int64
}

// Config is the complete configuration for one pipeline run. Layers are
// processed, and appear in the combined output, in declaration order.
type Config struct {
	ServiceURL     string
	Layers         []Layer
	Category       string
	CombinedName   string
	PageSize       int
	MaxWorkers     int
	DestinationDir string
	ContainerName  string
}

// DefaultConfig returns a configuration for the education sublayers of the
// National Map structures service. DestinationDir is left for the caller.
func DefaultConfig() *Config {

	return &Config{
		ServiceURL: DefaultServiceURL,
		Layers: []Layer{
			{Name: "schools", ID: 76},
			{Name: "colleges_universities", ID: 74},
			{Name: "technical_trade_schools", ID: 75},
		},
		Category:      DefaultCategory,
		CombinedName:  DefaultCombinedName,
		PageSize:      arcgis.MaxPageSize,
		MaxWorkers:    1,
		ContainerName: DefaultContainerName,
	}
}

// Pipeline drives extraction, transformation, merging and writing for a
// fixed configuration. It holds no state across runs.
type Pipeline struct {
	cfg     *Config
	client  *arcgis.Client
	logger  *log.Logger
	monitor timings.Monitor
}

// PipelineOptions carries the optional collaborators of a pipeline. A nil
// Client is replaced with a default client for the configured service URL.
type PipelineOptions struct {
	Client  *arcgis.Client
	Logger  *log.Logger
	Monitor timings.Monitor
}

func NewPipeline(cfg *Config, opts *PipelineOptions) (*Pipeline, error) {

	if cfg == nil {
		return nil, fmt.Errorf("Missing pipeline configuration")
	}

	if len(cfg.Layers) == 0 {
		return nil, fmt.Errorf("At least one layer must be configured")
	}

	if cfg.PageSize <= 0 || cfg.PageSize > arcgis.MaxPageSize {
		return nil, fmt.Errorf("Invalid page size %d, expected a value between 1 and %d", cfg.PageSize, arcgis.MaxPageSize)
	}

	if cfg.DestinationDir == "" {
		return nil, fmt.Errorf("Missing destination directory")
	}

	if cfg.CombinedName == "" {
		return nil, fmt.Errorf("Missing combined collection name")
	}

	names := map[string]bool{
		cfg.CombinedName: true,
	}

	for _, l := range cfg.Layers {

		if l.Name == "" {
			return nil, fmt.Errorf("Layer %d is missing a name", l.ID)
		}

		if names[l.Name] {
			return nil, fmt.Errorf("Layer name %s is used more than once", l.Name)
		}

		names[l.Name] = true
	}

	if opts == nil {
		opts = &PipelineOptions{}
	}

	client := opts.Client

	if client == nil {
		client = arcgis.NewClient(cfg.ServiceURL)
	}

	logger := opts.Logger

	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	p := &Pipeline{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		monitor: opts.Monitor,
	}

	return p, nil
}

// Run executes the pipeline once: every configured layer is extracted and
// transformed, the results are merged into a combined collection and the
// full set is written to the destination directory. The first unrecovered
// error from any stage aborts the run; no artifact is written unless every
// layer extracted and transformed successfully.
func (p *Pipeline) Run(ctx context.Context) (*ArtifactSet, error) {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	max_workers := p.cfg.MaxWorkers

	if max_workers < 1 {
		max_workers = 1
	}

	// Per-layer extraction is independent so layers may be processed
	// concurrently, but results land in a slice indexed by configured
	// order so the merged output does not depend on completion order.
	// Pagination within a layer stays sequential.

	transformed := make([]*facilities.Collection, len(p.cfg.Layers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max_workers)

	for i, l := range p.cfg.Layers {

		i, l := i, l

		g.Go(func() error {

			p.logger.Printf("Extracting layer %s (%d)\n", l.Name, l.ID)

			extract_opts := &arcgis.ExtractOptions{
				PageSize: p.cfg.PageSize,
				Logger:   p.logger,
				Monitor:  p.monitor,
			}

			col, err := p.client.Extract(gctx, l.ID, extract_opts)

			if err != nil {
				return fmt.Errorf("Failed to extract layer %s, %w", l.Name, err)
			}

			p.logger.Printf("Transforming layer %s\n", l.Name)

			normalized, err := facilities.Transform(col, l.Name, p.cfg.Category)

			if err != nil {
				return fmt.Errorf("Failed to transform layer %s, %w", l.Name, err)
			}

			transformed[i] = normalized
			return nil
		})
	}

	// Merging waits on every extraction

	err := g.Wait()

	if err != nil {
		return nil, err
	}

	combined, err := facilities.Merge(p.cfg.CombinedName, transformed...)

	if err != nil {
		return nil, fmt.Errorf("Failed to merge layers, %w", err)
	}

	collections := make([]*facilities.Collection, 0, len(transformed)+1)
	collections = append(collections, transformed...)
	collections = append(collections, combined)

	artifacts, err := p.writeArtifacts(ctx, collections)

	if err != nil {
		return nil, fmt.Errorf("Failed to write artifacts, %w", err)
	}

	return artifacts, nil
}
