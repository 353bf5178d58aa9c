package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tilevault/provider"
	"tilevault/tilemath"
	"tilevault/types"
)

// ErrValidation marks malformed job requests. They are rejected before
// any tile work starts.
var ErrValidation = errors.New("invalid download request")

// DefaultMaxJobTiles bounds the precomputed queue of a single job so
// one request cannot pin the service for days. At the OSM spacing a
// full job of this size already runs for several hours.
const DefaultMaxJobTiles = 50000

// TileStore is the slice of the store the orchestrator needs.
type TileStore interface {
	Has(coord types.TileCoordinate) (bool, error)
	Put(coord types.TileCoordinate, data []byte) error
}

// TileFetcher fetches one tile from its layer's upstream provider.
type TileFetcher interface {
	Fetch(ctx context.Context, coord types.TileCoordinate) provider.Result
}

// JobRequest describes the area a client wants cached.
type JobRequest struct {
	Area       types.BoundingBox
	ZoomLevels []int
	Layers     []types.LayerID
}

// pass is one (layer, zoom) stretch of the precomputed queue.
type pass struct {
	layer types.LayerID
	zoom  int
	tiles []tilemath.XY
}

// Job is a planned download: the job record plus its tile queue. The
// queue is computed exactly once at plan time and never recomputed.
type Job struct {
	Info   *types.DownloadJob
	passes []pass
}

// Orchestrator expands download requests into tile queues and drives
// them through the store and the provider fetcher.
type Orchestrator struct {
	store       TileStore
	fetcher     TileFetcher
	registry    *Registry
	maxJobTiles int
}

// NewOrchestrator creates an orchestrator. maxJobTiles <= 0 selects
// DefaultMaxJobTiles.
func NewOrchestrator(store TileStore, fetcher TileFetcher, registry *Registry, maxJobTiles int) *Orchestrator {
	if maxJobTiles <= 0 {
		maxJobTiles = DefaultMaxJobTiles
	}
	return &Orchestrator{
		store:       store,
		fetcher:     fetcher,
		registry:    registry,
		maxJobTiles: maxJobTiles,
	}
}

// Plan validates a request and expands it into the full ordered tile
// queue: layers in requested order, zooms ascending, tiles by x then y.
// All failures here are ErrValidation; no tile work has happened yet.
func (o *Orchestrator) Plan(req JobRequest) (*Job, error) {
	if err := req.Area.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := tilemath.ValidateZoomLevels(req.ZoomLevels); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(req.Layers) == 0 {
		return nil, fmt.Errorf("%w: no layers specified", ErrValidation)
	}
	layers := make([]types.LayerID, 0, len(req.Layers))
	seenLayers := make(map[types.LayerID]struct{})
	for _, layer := range req.Layers {
		if !layer.Valid() {
			return nil, fmt.Errorf("%w: unknown layer %q", ErrValidation, layer)
		}
		if _, ok := seenLayers[layer]; ok {
			continue
		}
		seenLayers[layer] = struct{}{}
		layers = append(layers, layer)
	}
	zooms := sortedUnique(req.ZoomLevels)

	var passes []pass
	total := 0
	for _, layer := range layers {
		for _, zoom := range zooms {
			tiles := tilemath.TilesForBounds(req.Area, zoom)
			total += len(tiles)
			passes = append(passes, pass{layer: layer, zoom: zoom, tiles: tiles})
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: area yields no tiles", ErrValidation)
	}
	if total > o.maxJobTiles {
		return nil, fmt.Errorf("%w: job would cover %d tiles, limit is %d", ErrValidation, total, o.maxJobTiles)
	}

	info := &types.DownloadJob{
		ID:         uuid.New().String(),
		Area:       req.Area,
		ZoomLevels: zooms,
		Layers:     layers,
		State:      types.JobStateQueued,
		TotalTiles: total,
		CreatedAt:  time.Now(),
	}
	return &Job{Info: info, passes: passes}, nil
}

// Start registers a planned job and runs it in the background. Progress
// is observable through the WebSocket hub and the job endpoints.
func (o *Orchestrator) Start(job *Job) {
	ctx, cancel := context.WithCancel(context.Background())
	o.registry.Add(job.Info, cancel)
	go func() {
		defer cancel()
		o.Execute(ctx, job, nil)
	}()
}

// Execute runs a planned job to a terminal state. When events is
// non-nil every ProgressEvent is also delivered there, in dispatch
// order, and the channel is closed when the job ends; a consumer that
// stops reading exerts backpressure until the context is cancelled.
//
// Cancellation is cooperative: the context is checked between tiles,
// and once cancellation is observed no further events are emitted.
func (o *Orchestrator) Execute(ctx context.Context, job *Job, events chan<- types.ProgressEvent) types.JobState {
	if events != nil {
		defer close(events)
	}
	id := job.Info.ID
	o.registry.setState(id, types.JobStateRunning, "")
	log.Info().Str("job_id", id).Int("tiles", job.Info.TotalTiles).
		Interface("layers", job.Info.Layers).Msg("download job started")

	for _, p := range job.passes {
		for _, xy := range p.tiles {
			if ctx.Err() != nil {
				return o.cancelled(id)
			}
			coord := types.TileCoordinate{Layer: p.layer, Zoom: p.zoom, X: xy.X, Y: xy.Y}

			status, byteSize, err := o.processTile(ctx, coord)
			if err != nil {
				// Store failures abort the whole job; per-tile fetch
				// failures never land here.
				return o.failed(ctx, id, events, err)
			}
			if ctx.Err() != nil {
				return o.cancelled(id)
			}
			o.registry.recordOutcome(id, status, byteSize)
			if !o.emit(ctx, events, types.ProgressEvent{
				JobID:     id,
				Type:      types.EventProgress,
				Layer:     coord.Layer,
				Zoom:      coord.Zoom,
				X:         coord.X,
				Y:         coord.Y,
				Status:    status,
				ByteSize:  byteSize,
				Timestamp: time.Now(),
			}) {
				return o.cancelled(id)
			}
		}
		if ctx.Err() != nil {
			return o.cancelled(id)
		}
		if !o.emit(ctx, events, types.ProgressEvent{
			JobID:     id,
			Type:      types.EventLayerZoomComplete,
			Layer:     p.layer,
			Zoom:      p.zoom,
			Timestamp: time.Now(),
		}) {
			return o.cancelled(id)
		}
	}

	totals := o.registry.totals(id)
	o.registry.setState(id, types.JobStateCompleted, "")
	o.emit(ctx, events, types.ProgressEvent{
		JobID:     id,
		Type:      types.EventJobComplete,
		Totals:    &totals,
		Timestamp: time.Now(),
	})
	log.Info().Str("job_id", id).Int("success", totals.Success).Int("skipped", totals.Skipped).
		Int("blocked", totals.Blocked).Int("failed", totals.Failed).Msg("download job completed")
	return types.JobStateCompleted
}

// processTile resolves one tile to its terminal per-tile outcome. The
// returned error is reserved for store failures, which are fatal to the
// job; every provider outcome maps to a TileStatus instead.
func (o *Orchestrator) processTile(ctx context.Context, coord types.TileCoordinate) (types.TileStatus, int64, error) {
	cached, err := o.store.Has(coord)
	if err != nil {
		return "", 0, err
	}
	if cached {
		return types.TileSkipped, 0, nil
	}

	res := o.fetcher.Fetch(ctx, coord)
	switch res.Kind {
	case provider.KindSuccess:
		if err := o.store.Put(coord, res.Data); err != nil {
			return "", 0, err
		}
		return types.TileSuccess, int64(len(res.Data)), nil
	case provider.KindBlocked:
		log.Warn().Str("tile", coord.String()).Err(res.Err).Msg("tile blocked by provider")
		return types.TileBlocked, 0, nil
	default:
		log.Warn().Str("tile", coord.String()).Err(res.Err).Msg("tile fetch failed")
		return types.TileFailed, 0, nil
	}
}

// emit delivers an event to the stream consumer and the hub. It
// returns false when the context was cancelled while blocked on the
// consumer, meaning the event must be the stream's last.
func (o *Orchestrator) emit(ctx context.Context, events chan<- types.ProgressEvent, evt types.ProgressEvent) bool {
	o.registry.publish(evt)
	if events == nil {
		return true
	}
	select {
	case events <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) cancelled(id string) types.JobState {
	o.registry.setState(id, types.JobStateCancelled, "")
	log.Info().Str("job_id", id).Msg("download job cancelled")
	return types.JobStateCancelled
}

func (o *Orchestrator) failed(ctx context.Context, id string, events chan<- types.ProgressEvent, err error) types.JobState {
	o.registry.setState(id, types.JobStateFailed, err.Error())
	o.emit(ctx, events, types.ProgressEvent{
		JobID:     id,
		Type:      types.EventJobError,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
	log.Error().Str("job_id", id).Err(err).Msg("download job failed")
	return types.JobStateFailed
}

func sortedUnique(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
