package types

import "time"

// TileStatus is the terminal outcome of one tile within a job.
// Blocked is kept distinct from Failed so an operator can tell
// "provider rate-limited, retry later" from "permanently absent".
type TileStatus string

const (
	TileSuccess TileStatus = "success"
	TileSkipped TileStatus = "skipped"
	TileBlocked TileStatus = "blocked"
	TileFailed  TileStatus = "failed"
)

// EventType tags a ProgressEvent.
type EventType string

const (
	EventProgress          EventType = "progress"
	EventLayerZoomComplete EventType = "layer_zoom_complete"
	EventJobComplete       EventType = "job_complete"
	EventJobError          EventType = "job_error"
)

// ProgressEvent is one record in a job's ordered progress stream.
// Events for a (layer, zoom) pass precede its layer_zoom_complete;
// exactly one job_complete or job_error is emitted per job, last.
type ProgressEvent struct {
	JobID     string     `json:"jobId"`
	Type      EventType  `json:"type"`
	Layer     LayerID    `json:"layer,omitempty"`
	Zoom      int        `json:"zoom,omitempty"`
	X         int        `json:"x,omitempty"`
	Y         int        `json:"y,omitempty"`
	Status    TileStatus `json:"status,omitempty"`
	ByteSize  int64      `json:"byteSize,omitempty"`
	Totals    *Totals    `json:"totals,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
