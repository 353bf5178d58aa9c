package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"tilevault/store"
	"tilevault/types"
)

// TileHandler serves cached tiles and cache statistics. It is a pure
// read path: a miss is a miss, never a trigger to fetch upstream.
type TileHandler struct {
	store *store.TileStore
}

// NewTileHandler creates a new tile handler
func NewTileHandler(s *store.TileStore) *TileHandler {
	return &TileHandler{store: s}
}

// ServeTile returns the cached bytes for (layer, z, x, y) or 404.
func (h *TileHandler) ServeTile(c *gin.Context) {
	layer := types.LayerID(c.Param("layer"))
	if !layer.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown layer"})
		return
	}
	z, errZ := strconv.Atoi(c.Param("z"))
	x, errX := strconv.Atoi(c.Param("x"))
	y, errY := strconv.Atoi(strings.TrimSuffix(c.Param("y"), ".png"))
	if errZ != nil || errX != nil || errY != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tile coordinates must be integers"})
		return
	}

	data, err := h.store.Get(types.TileCoordinate{Layer: layer, Zoom: z, X: x, Y: y})
	if err != nil {
		if errors.Is(err, store.ErrMiss) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tile not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tile store error"})
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

// TileStatus reports per-layer cached tile counts and approximate size.
func (h *TileHandler) TileStatus(c *gin.Context) {
	stats, err := h.store.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tile store error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tileDir": h.store.Root(),
		"layers":  stats,
	})
}
