package types

import "time"

// JobState represents the current state of a download job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateCancelled JobState = "cancelled"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether the state is final. Terminal states are
// never re-entered.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateCancelled || s == JobStateFailed
}

// Totals tallies per-tile outcomes for a job. Once a job completes,
// Success+Skipped+Blocked+Failed equals the precomputed queue length.
type Totals struct {
	Success int   `json:"success"`
	Skipped int   `json:"skipped"`
	Blocked int   `json:"blocked"`
	Failed  int   `json:"failed"`
	Bytes   int64 `json:"bytes"`
}

// Count returns the number of tiles that reached a terminal outcome.
func (t Totals) Count() int {
	return t.Success + t.Skipped + t.Blocked + t.Failed
}

// DownloadJob is one client-initiated request to ensure a set of tiles
// is present in the local cache. Jobs live in memory only; they are not
// persisted across restarts.
type DownloadJob struct {
	ID          string      `json:"id"`
	Area        BoundingBox `json:"area"`
	ZoomLevels  []int       `json:"zoomLevels"`
	Layers      []LayerID   `json:"layers"`
	State       JobState    `json:"state"`
	TotalTiles  int         `json:"totalTiles"`
	Totals      Totals      `json:"totals"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}
