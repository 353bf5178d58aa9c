package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"tilevault/services"
	"tilevault/tilemath"
	"tilevault/types"
	"tilevault/websocket"
)

// streamBuffer is the event channel depth between the orchestrator and
// the SSE writer. A slow client eventually blocks the job rather than
// growing memory without bound.
const streamBuffer = 32

// DownloadHandler handles download job endpoints
type DownloadHandler struct {
	orchestrator *services.Orchestrator
	registry     *services.Registry
	hub          websocket.Hub
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(o *services.Orchestrator, r *services.Registry, hub websocket.Hub) *DownloadHandler {
	return &DownloadHandler{orchestrator: o, registry: r, hub: hub}
}

// downloadRequest is the JSON body for starting a background job.
// Either a center+radius or an explicit bounding box must be given.
type downloadRequest struct {
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	RadiusMiles float64  `json:"radiusMiles"`

	LatMin *float64 `json:"latMin"`
	LonMin *float64 `json:"lonMin"`
	LatMax *float64 `json:"latMax"`
	LonMax *float64 `json:"lonMax"`

	MinZoom *int     `json:"minZoom"`
	MaxZoom *int     `json:"maxZoom"`
	Layers  []string `json:"layers"`
}

func (r downloadRequest) toJobRequest() (services.JobRequest, error) {
	var req services.JobRequest

	switch {
	case r.LatMin != nil && r.LonMin != nil && r.LatMax != nil && r.LonMax != nil:
		req.Area = types.BoundingBox{LatMin: *r.LatMin, LonMin: *r.LonMin, LatMax: *r.LatMax, LonMax: *r.LonMax}
	case r.Lat != nil && r.Lon != nil:
		radius := r.RadiusMiles
		if radius == 0 {
			radius = 5.0
		}
		area, err := tilemath.RadiusBounds(*r.Lat, *r.Lon, radius)
		if err != nil {
			return req, err
		}
		req.Area = area
	default:
		return req, errors.New("either lat/lon or a full bounding box is required")
	}

	// Missing zooms default like the stream endpoint's query parameters.
	minZoom, maxZoom := 13, 19
	if r.MinZoom != nil {
		minZoom = *r.MinZoom
	}
	if r.MaxZoom != nil {
		maxZoom = *r.MaxZoom
	}
	for z := minZoom; z <= maxZoom; z++ {
		req.ZoomLevels = append(req.ZoomLevels, z)
	}
	for _, layer := range r.Layers {
		req.Layers = append(req.Layers, types.LayerID(layer))
	}
	return req, nil
}

// StartDownload queues a background download job. Progress is
// observable over the WebSocket feed and the job endpoints.
func (h *DownloadHandler) StartDownload(c *gin.Context) {
	var body downloadRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	req, err := body.toJobRequest()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := h.orchestrator.Plan(req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrValidation) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	// Snapshot the job record before Start hands it to the background
	// goroutine; the registry mutates the live struct from there on.
	info := *job.Info
	h.orchestrator.Start(job)
	c.JSON(http.StatusCreated, gin.H{
		"message": "Download job queued successfully",
		"job":     info,
	})
}

// StreamDownload starts a job and streams its progress as Server-Sent
// Events. The job is owned by this request: client disconnect cancels
// it, and the stream ends after the terminal event.
func (h *DownloadHandler) StreamDownload(c *gin.Context) {
	req, err := parseStreamQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := h.orchestrator.Plan(req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrValidation) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	h.registry.Add(job.Info, cancel)

	events := make(chan types.ProgressEvent, streamBuffer)
	go h.orchestrator.Execute(ctx, job, events)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		evt, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(string(evt.Type), evt)
		return true
	})
}

// parseStreamQuery mirrors the original gateway's query interface:
// lat/lon/radius_miles or an explicit lat_min..lon_max box, plus
// min_zoom/max_zoom and a comma-separated layer list.
func parseStreamQuery(c *gin.Context) (services.JobRequest, error) {
	var req services.JobRequest

	minZoom, err := queryInt(c, "min_zoom", 13)
	if err != nil {
		return req, err
	}
	maxZoom, err := queryInt(c, "max_zoom", 19)
	if err != nil {
		return req, err
	}
	for z := minZoom; z <= maxZoom; z++ {
		req.ZoomLevels = append(req.ZoomLevels, z)
	}

	layers, err := types.ParseLayers(c.DefaultQuery("layers", "street,satellite"))
	if err != nil {
		return req, err
	}
	req.Layers = layers

	if c.Query("lat_min") != "" {
		box := types.BoundingBox{}
		fields := []struct {
			name string
			dst  *float64
		}{
			{"lat_min", &box.LatMin}, {"lon_min", &box.LonMin},
			{"lat_max", &box.LatMax}, {"lon_max", &box.LonMax},
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(c.Query(f.name), 64)
			if err != nil {
				return req, errors.New("invalid " + f.name)
			}
			*f.dst = v
		}
		req.Area = box
		return req, nil
	}

	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil {
		return req, errors.New("invalid or missing lat")
	}
	lon, err := strconv.ParseFloat(c.Query("lon"), 64)
	if err != nil {
		return req, errors.New("invalid or missing lon")
	}
	radius := 5.0
	if v := c.Query("radius_miles"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return req, errors.New("invalid radius_miles")
		}
	}
	area, err := tilemath.RadiusBounds(lat, lon, radius)
	if err != nil {
		return req, err
	}
	req.Area = area
	return req, nil
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

// GetAllJobs returns all known download jobs
func (h *DownloadHandler) GetAllJobs(c *gin.Context) {
	jobs := h.registry.List()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// GetJob returns a specific download job by ID
func (h *DownloadHandler) GetJob(c *gin.Context) {
	job, exists := h.registry.Get(c.Param("jobId"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// CancelJob cancels a running download job
func (h *DownloadHandler) CancelJob(c *gin.Context) {
	if !h.registry.Cancel(c.Param("jobId")) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job cannot be cancelled (not found or already finished)",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job cancelled successfully"})
}

// HandleWebSocketConnection handles WebSocket connections for specific job progress
func (h *DownloadHandler) HandleWebSocketConnection(c *gin.Context) {
	jobID := c.Param("jobId")
	if _, exists := h.registry.Get(jobID); !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	h.upgradeAndRegister(c, jobID)
}

// HandleWebSocketAllConnection handles WebSocket connections observing all jobs
func (h *DownloadHandler) HandleWebSocketAllConnection(c *gin.Context) {
	h.upgradeAndRegister(c, "all")
}

func (h *DownloadHandler) upgradeAndRegister(c *gin.Context, jobID string) {
	upgrader := websocket.GetUpgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn, jobID)
	h.hub.RegisterClient(client)
	client.StartPumps()
}
