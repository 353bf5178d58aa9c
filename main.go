package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"tilevault/cmd"
	"tilevault/config"
	"tilevault/provider"
	"tilevault/services"
	"tilevault/store"
	"tilevault/tilemath"
	"tilevault/types"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var (
		server     bool
		configPath string
		lat        float64
		lon        float64
		radius     float64
		minZoom    int
		maxZoom    int
		layers     string
	)

	flag.BoolVar(&server, "server", false, "Start in web server mode")
	flag.StringVar(&configPath, "config", "config.yml", "Path to config file")
	flag.Float64Var(&lat, "lat", 0, "Center latitude for one-shot download")
	flag.Float64Var(&lon, "lon", 0, "Center longitude for one-shot download")
	flag.Float64Var(&radius, "radius", 5.0, "Radius in miles around the center")
	flag.IntVar(&minZoom, "min-zoom", 13, "Minimum zoom level")
	flag.IntVar(&maxZoom, "max-zoom", 16, "Maximum zoom level")
	flag.StringVar(&layers, "layers", "street,satellite", "Comma-separated layers to download")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Server mode takes precedence
	if server {
		cmd.StartWebServer(cfg)
		return
	}

	if lat == 0 && lon == 0 {
		flag.Usage()
		return
	}

	if err := runFetch(cfg, lat, lon, radius, minZoom, maxZoom, layers); err != nil {
		log.Fatal().Err(err).Msg("download failed")
	}
}

// runFetch runs one download job against the local tile store without
// the HTTP server, for bulk seeding of an area before going offline.
func runFetch(cfg config.Config, lat, lon, radius float64, minZoom, maxZoom int, layerList string) error {
	area, err := tilemath.RadiusBounds(lat, lon, radius)
	if err != nil {
		return err
	}
	parsedLayers, err := types.ParseLayers(layerList)
	if err != nil {
		return err
	}
	var zooms []int
	for z := minZoom; z <= maxZoom; z++ {
		zooms = append(zooms, z)
	}

	tileStore, err := store.New(cfg.TileDir)
	if err != nil {
		return err
	}
	fetcher := provider.NewFetcher(provider.Options{
		UserAgent:        cfg.UserAgent,
		Timeout:          cfg.FetchTimeout(),
		StreetSpacing:    cfg.StreetSpacing(),
		SatelliteSpacing: cfg.SatelliteSpacing(),
	})
	registry := services.NewRegistry(nil)
	orchestrator := services.NewOrchestrator(tileStore, fetcher, registry, cfg.MaxJobTiles)

	job, err := orchestrator.Plan(services.JobRequest{
		Area:       area,
		ZoomLevels: zooms,
		Layers:     parsedLayers,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Downloading %d tiles for %.4f,%.4f (%.1f mile radius, zoom %d-%d)\n",
		job.Info.TotalTiles, lat, lon, radius, minZoom, maxZoom)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.Add(job.Info, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nStopping after the current tile...")
		cancel()
	}()

	bar := progressbar.NewOptions(job.Info.TotalTiles,
		progressbar.OptionSetDescription("tiles"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
	)

	events := make(chan types.ProgressEvent, 32)
	done := make(chan types.JobState, 1)
	go func() {
		done <- orchestrator.Execute(ctx, job, events)
	}()

	for evt := range events {
		if evt.Type == types.EventProgress {
			bar.Add(1)
		}
	}
	state := <-done
	fmt.Println()

	totals := job.Info.Totals
	fmt.Printf("State: %s: success %d, skipped %d, blocked %d, failed %d (%.1f MB)\n",
		state, totals.Success, totals.Skipped, totals.Blocked, totals.Failed,
		float64(totals.Bytes)/1024.0/1024.0)
	if state == types.JobStateFailed {
		return fmt.Errorf("job failed: %s", job.Info.Error)
	}
	return nil
}
