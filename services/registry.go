package services

import (
	"context"
	"sync"
	"time"

	"tilevault/types"
	"tilevault/websocket"
)

// Registry tracks download jobs for the lifetime of the process and
// fans their progress events out to WebSocket observers. Jobs are not
// persisted; a restart forgets them (the tile store itself survives).
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]*types.DownloadJob
	cancels map[string]context.CancelFunc
	hub     websocket.Hub
}

// NewRegistry creates a registry broadcasting through hub. A nil hub
// disables broadcasting (CLI mode).
func NewRegistry(hub websocket.Hub) *Registry {
	return &Registry{
		jobs:    make(map[string]*types.DownloadJob),
		cancels: make(map[string]context.CancelFunc),
		hub:     hub,
	}
}

// Add registers a planned job and its cancel function.
func (r *Registry) Add(job *types.DownloadJob, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	if cancel != nil {
		r.cancels[job.ID] = cancel
	}
}

// Get returns a snapshot of a job.
func (r *Registry) Get(id string) (types.DownloadJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return types.DownloadJob{}, false
	}
	return *job, true
}

// List returns snapshots of all known jobs.
func (r *Registry) List() []types.DownloadJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobs := make([]types.DownloadJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, *job)
	}
	return jobs
}

// Cancel requests cooperative cancellation of a job. It returns false
// when the job is unknown or already in a terminal state.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.State.Terminal() {
		return false
	}
	if cancel, ok := r.cancels[id]; ok {
		cancel()
	}
	return true
}

// setState transitions a job's state. Terminal states are final: a
// transition out of one is ignored.
func (r *Registry) setState(id string, state types.JobState, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.State.Terminal() {
		return
	}
	job.State = state
	if errMsg != "" {
		job.Error = errMsg
	}
	now := time.Now()
	switch {
	case state == types.JobStateRunning && job.StartedAt == nil:
		job.StartedAt = &now
	case state.Terminal():
		job.CompletedAt = &now
		delete(r.cancels, id)
	}
}

// recordOutcome tallies one tile's terminal outcome into the job totals.
func (r *Registry) recordOutcome(id string, status types.TileStatus, byteSize int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return
	}
	switch status {
	case types.TileSuccess:
		job.Totals.Success++
		job.Totals.Bytes += byteSize
	case types.TileSkipped:
		job.Totals.Skipped++
	case types.TileBlocked:
		job.Totals.Blocked++
	case types.TileFailed:
		job.Totals.Failed++
	}
}

// totals returns a copy of the job's running totals.
func (r *Registry) totals(id string) types.Totals {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if job, ok := r.jobs[id]; ok {
		return job.Totals
	}
	return types.Totals{}
}

// publish broadcasts an event to WebSocket observers.
func (r *Registry) publish(evt types.ProgressEvent) {
	if r.hub != nil {
		r.hub.BroadcastEvent(evt)
	}
}
