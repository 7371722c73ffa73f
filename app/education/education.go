package education

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sfomuseum/go-flags/flagset"
	"github.com/sfomuseum/go-timings"
	"github.com/whosonfirst/go-nationalmap/pipeline"
)

func Run(ctx context.Context, logger *log.Logger) error {

	fs := DefaultFlagSet()
	return RunWithFlagSet(ctx, fs, logger)
}

func RunWithFlagSet(ctx context.Context, fs *flag.FlagSet, logger *log.Logger) error {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	flagset.Parse(fs)

	err := flagset.SetFlagsFromEnvVars(fs, "EDUCATION_ETL")

	if err != nil {
		return fmt.Errorf("Failed to assign flags from environment variables, %w", err)
	}

	cfg := pipeline.DefaultConfig()

	cfg.ServiceURL = service_url
	cfg.Category = facility_category
	cfg.CombinedName = combined_name
	cfg.PageSize = page_size
	cfg.MaxWorkers = max_workers
	cfg.DestinationDir = destination_dir
	cfg.ContainerName = container_name

	if len(layers) > 0 {

		cfg.Layers = make([]pipeline.Layer, 0, len(layers))

		for _, str_layer := range layers {

			name, str_id, found := strings.Cut(str_layer, "=")

			if !found {
				return fmt.Errorf("Invalid -layer flag %q, expected {name}={id}", str_layer)
			}

			id, err := strconv.ParseInt(str_id, 10, 64)

			if err != nil {
				return fmt.Errorf("Invalid layer id in %q, %w", str_layer, err)
			}

			cfg.Layers = append(cfg.Layers, pipeline.Layer{Name: name, ID: id})
		}
	}

	// Set up timer

	monitor, err := timings.NewMonitor(ctx, "counter://PT60S")

	if err != nil {
		return fmt.Errorf("Failed to create new monitor, %w", err)
	}

	monitor.Start(ctx, os.Stdout)
	defer monitor.Stop(ctx)

	opts := &pipeline.PipelineOptions{
		Logger:  logger,
		Monitor: monitor,
	}

	p, err := pipeline.NewPipeline(cfg, opts)

	if err != nil {
		return fmt.Errorf("Failed to create pipeline, %w", err)
	}

	artifacts, err := p.Run(ctx)

	if err != nil {
		return fmt.Errorf("Failed to run pipeline, %w", err)
	}

	logger.Printf("ETL completed successfully, wrote %d GeoJSON files and %s\n", len(artifacts.GeoJSON), artifacts.Container)
	return nil
}
