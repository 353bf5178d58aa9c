package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilevault/provider"
	"tilevault/store"
	"tilevault/tilemath"
	"tilevault/types"
)

// stubFetcher answers every tile with a canned result and counts calls.
type stubFetcher struct {
	calls  atomic.Int32
	result func(coord types.TileCoordinate) provider.Result
}

func (f *stubFetcher) Fetch(ctx context.Context, coord types.TileCoordinate) provider.Result {
	f.calls.Add(1)
	if f.result != nil {
		return f.result(coord)
	}
	return provider.Result{Kind: provider.KindSuccess, Data: []byte("tile")}
}

// failingStore wraps a real store and fails every Put.
type failingStore struct {
	*store.TileStore
}

func (s failingStore) Put(coord types.TileCoordinate, data []byte) error {
	return errors.New("disk full")
}

func testArea() types.BoundingBox {
	return types.BoundingBox{LatMin: 51.63, LonMin: -1.35, LatMax: 51.71, LonMax: -1.22}
}

func testRequest() JobRequest {
	return JobRequest{
		Area:       testArea(),
		ZoomLevels: []int{12, 13},
		Layers:     []types.LayerID{types.LayerStreet, types.LayerSatellite},
	}
}

func newTestStore(t *testing.T) *store.TileStore {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	return s
}

func drain(events <-chan types.ProgressEvent) []types.ProgressEvent {
	var all []types.ProgressEvent
	for evt := range events {
		all = append(all, evt)
	}
	return all
}

func runJob(t *testing.T, o *Orchestrator, registry *Registry, req JobRequest) (*Job, []types.ProgressEvent, types.JobState) {
	t.Helper()
	job, err := o.Plan(req)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.Add(job.Info, cancel)

	events := make(chan types.ProgressEvent, job.Info.TotalTiles+16)
	state := o.Execute(ctx, job, events)
	return job, drain(events), state
}

func TestExecuteCompletesAndAccountsEveryTile(t *testing.T) {
	tileStore := newTestStore(t)
	fetcher := &stubFetcher{}
	registry := NewRegistry(nil)
	o := NewOrchestrator(tileStore, fetcher, registry, 0)

	job, events, state := runJob(t, o, registry, testRequest())
	assert.Equal(t, types.JobStateCompleted, state)

	perZoom12 := len(tilemath.TilesForBounds(testArea(), 12))
	perZoom13 := len(tilemath.TilesForBounds(testArea(), 13))
	wantTotal := 2 * (perZoom12 + perZoom13) // two layers
	assert.Equal(t, wantTotal, job.Info.TotalTiles)

	var progress, passDone, complete int
	for _, evt := range events {
		switch evt.Type {
		case types.EventProgress:
			progress++
			assert.Zero(t, complete, "progress after terminal event")
		case types.EventLayerZoomComplete:
			passDone++
		case types.EventJobComplete:
			complete++
		case types.EventJobError:
			t.Fatalf("unexpected job error event: %s", evt.Message)
		}
	}
	assert.Equal(t, wantTotal, progress)
	assert.Equal(t, 4, passDone) // 2 layers x 2 zooms
	assert.Equal(t, 1, complete)
	assert.Equal(t, types.EventJobComplete, events[len(events)-1].Type)

	totals := job.Info.Totals
	assert.Equal(t, job.Info.TotalTiles, totals.Count())
	assert.Equal(t, wantTotal, totals.Success)
	assert.Equal(t, int32(wantTotal), fetcher.calls.Load())

	// Every fetched tile landed in the store.
	for _, evt := range events {
		if evt.Type != types.EventProgress {
			continue
		}
		has, err := tileStore.Has(types.TileCoordinate{Layer: evt.Layer, Zoom: evt.Zoom, X: evt.X, Y: evt.Y})
		require.NoError(t, err)
		assert.True(t, has)
	}
	require.NotNil(t, job.Info.CompletedAt)
}

func TestExecuteEmitsTilesInQueueOrder(t *testing.T) {
	tileStore := newTestStore(t)
	registry := NewRegistry(nil)
	o := NewOrchestrator(tileStore, &stubFetcher{}, registry, 0)

	req := JobRequest{Area: testArea(), ZoomLevels: []int{13}, Layers: []types.LayerID{types.LayerStreet}}
	_, events, state := runJob(t, o, registry, req)
	require.Equal(t, types.JobStateCompleted, state)

	want := tilemath.TilesForBounds(testArea(), 13)
	var got []tilemath.XY
	for _, evt := range events {
		if evt.Type == types.EventProgress {
			got = append(got, tilemath.XY{X: evt.X, Y: evt.Y})
		}
	}
	assert.Equal(t, want, got)
}

func TestExecuteSkipsCachedTiles(t *testing.T) {
	tileStore := newTestStore(t)
	registry := NewRegistry(nil)

	first := &stubFetcher{}
	o := NewOrchestrator(tileStore, first, registry, 0)
	_, _, state := runJob(t, o, registry, testRequest())
	require.Equal(t, types.JobStateCompleted, state)

	// Second job over the same area must be answered entirely from disk.
	second := &stubFetcher{}
	o = NewOrchestrator(tileStore, second, registry, 0)
	job, _, state := runJob(t, o, registry, testRequest())
	assert.Equal(t, types.JobStateCompleted, state)
	assert.Equal(t, job.Info.TotalTiles, job.Info.Totals.Skipped)
	assert.Zero(t, job.Info.Totals.Success)
	assert.Zero(t, second.calls.Load())
}

func TestExecuteBlockedTilesAreNotStored(t *testing.T) {
	tileStore := newTestStore(t)
	registry := NewRegistry(nil)
	fetcher := &stubFetcher{result: func(coord types.TileCoordinate) provider.Result {
		return provider.Result{Kind: provider.KindBlocked, Err: errors.New("429")}
	}}
	o := NewOrchestrator(tileStore, fetcher, registry, 0)

	req := JobRequest{Area: testArea(), ZoomLevels: []int{12}, Layers: []types.LayerID{types.LayerStreet}}
	job, events, state := runJob(t, o, registry, req)
	assert.Equal(t, types.JobStateCompleted, state, "per-tile blocks never fail the job")
	assert.Equal(t, job.Info.TotalTiles, job.Info.Totals.Blocked)

	for _, evt := range events {
		if evt.Type != types.EventProgress {
			continue
		}
		assert.Equal(t, types.TileBlocked, evt.Status)
		has, err := tileStore.Has(types.TileCoordinate{Layer: evt.Layer, Zoom: evt.Zoom, X: evt.X, Y: evt.Y})
		require.NoError(t, err)
		assert.False(t, has)
	}
}

func TestExecuteAbsorbsPerTileFailures(t *testing.T) {
	tileStore := newTestStore(t)
	registry := NewRegistry(nil)
	var n atomic.Int32
	fetcher := &stubFetcher{result: func(coord types.TileCoordinate) provider.Result {
		if n.Add(1)%2 == 0 {
			return provider.Result{Kind: provider.KindTransient, Err: errors.New("upstream flaking")}
		}
		return provider.Result{Kind: provider.KindSuccess, Data: []byte("tile")}
	}}
	o := NewOrchestrator(tileStore, fetcher, registry, 0)

	req := JobRequest{Area: testArea(), ZoomLevels: []int{12}, Layers: []types.LayerID{types.LayerStreet}}
	job, _, state := runJob(t, o, registry, req)
	assert.Equal(t, types.JobStateCompleted, state)
	assert.Positive(t, job.Info.Totals.Failed)
	assert.Equal(t, job.Info.TotalTiles, job.Info.Totals.Count())
}

func TestExecuteCancellationStopsBetweenTiles(t *testing.T) {
	tileStore := newTestStore(t)
	registry := NewRegistry(nil)
	o := NewOrchestrator(tileStore, &stubFetcher{}, registry, 0)

	job, err := o.Plan(testRequest())
	require.NoError(t, err)
	require.Greater(t, job.Info.TotalTiles, 2)

	ctx, cancel := context.WithCancel(context.Background())
	registry.Add(job.Info, cancel)

	events := make(chan types.ProgressEvent)
	done := make(chan types.JobState, 1)
	go func() {
		done <- o.Execute(ctx, job, events)
	}()

	// Cancel after the first tile, then drain the rest of the stream.
	first, ok := <-events
	require.True(t, ok)
	require.Equal(t, types.EventProgress, first.Type)
	cancel()
	rest := drain(events)

	state := <-done
	assert.Equal(t, types.JobStateCancelled, state)
	snap, ok := registry.Get(job.Info.ID)
	require.True(t, ok)
	assert.Equal(t, types.JobStateCancelled, snap.State)

	// No terminal event after cancellation.
	for _, evt := range rest {
		assert.NotEqual(t, types.EventJobComplete, evt.Type)
		assert.NotEqual(t, types.EventJobError, evt.Type)
	}
	assert.Less(t, len(rest)+1, job.Info.TotalTiles)
}

func TestExecuteStoreFailureFailsJob(t *testing.T) {
	registry := NewRegistry(nil)
	o := NewOrchestrator(failingStore{newTestStore(t)}, &stubFetcher{}, registry, 0)

	req := JobRequest{Area: testArea(), ZoomLevels: []int{12}, Layers: []types.LayerID{types.LayerStreet}}
	job, events, state := runJob(t, o, registry, req)
	assert.Equal(t, types.JobStateFailed, state)
	assert.Contains(t, job.Info.Error, "disk full")

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, types.EventJobError, last.Type)
	assert.Contains(t, last.Message, "disk full")
}

func TestPlanValidation(t *testing.T) {
	o := NewOrchestrator(newTestStore(t), &stubFetcher{}, NewRegistry(nil), 0)

	cases := map[string]JobRequest{
		"inverted area": {
			Area:       types.BoundingBox{LatMin: 52, LonMin: -1, LatMax: 51, LonMax: 1},
			ZoomLevels: []int{13},
			Layers:     []types.LayerID{types.LayerStreet},
		},
		"zoom out of range": {
			Area:       testArea(),
			ZoomLevels: []int{23},
			Layers:     []types.LayerID{types.LayerStreet},
		},
		"no zooms": {
			Area:   testArea(),
			Layers: []types.LayerID{types.LayerStreet},
		},
		"no layers": {
			Area:       testArea(),
			ZoomLevels: []int{13},
		},
		"unknown layer": {
			Area:       testArea(),
			ZoomLevels: []int{13},
			Layers:     []types.LayerID{"terrain"},
		},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := o.Plan(req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestPlanEnforcesTileLimit(t *testing.T) {
	o := NewOrchestrator(newTestStore(t), &stubFetcher{}, NewRegistry(nil), 1)
	_, err := o.Plan(JobRequest{
		Area:       testArea(),
		ZoomLevels: []int{15},
		Layers:     []types.LayerID{types.LayerStreet},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPlanNormalizesZoomsAndLayers(t *testing.T) {
	o := NewOrchestrator(newTestStore(t), &stubFetcher{}, NewRegistry(nil), 0)
	job, err := o.Plan(JobRequest{
		Area:       testArea(),
		ZoomLevels: []int{13, 12, 13, 12},
		Layers:     []types.LayerID{types.LayerSatellite, types.LayerStreet, types.LayerSatellite},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{12, 13}, job.Info.ZoomLevels)
	assert.Equal(t, []types.LayerID{types.LayerSatellite, types.LayerStreet}, job.Info.Layers)
	assert.Equal(t, types.JobStateQueued, job.Info.State)
	assert.NotEmpty(t, job.Info.ID)
}

func TestRegistryCancelSemantics(t *testing.T) {
	registry := NewRegistry(nil)
	assert.False(t, registry.Cancel("nope"))

	job := &types.DownloadJob{ID: "job-1", State: types.JobStateRunning}
	cancelled := false
	registry.Add(job, func() { cancelled = true })
	assert.True(t, registry.Cancel("job-1"))
	assert.True(t, cancelled)

	registry.setState("job-1", types.JobStateCancelled, "")
	assert.False(t, registry.Cancel("job-1"), "terminal jobs cannot be cancelled again")

	// Terminal states are final.
	registry.setState("job-1", types.JobStateRunning, "")
	snap, ok := registry.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, types.JobStateCancelled, snap.State)
}
