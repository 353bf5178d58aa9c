package types

import (
	"fmt"
	"strings"
)

// LayerID identifies a tile imagery source. Each layer maps to one
// upstream provider and one subdirectory of the tile store.
type LayerID string

const (
	LayerStreet    LayerID = "street"
	LayerSatellite LayerID = "satellite"
)

// AllLayers lists every known layer in a fixed order.
var AllLayers = []LayerID{LayerStreet, LayerSatellite}

// Valid reports whether the layer is one of the known values.
func (l LayerID) Valid() bool {
	for _, known := range AllLayers {
		if l == known {
			return true
		}
	}
	return false
}

// ParseLayers parses a comma-separated layer list like "street,satellite".
func ParseLayers(s string) ([]LayerID, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("no layers specified")
	}
	seen := make(map[LayerID]struct{})
	var layers []LayerID
	for _, part := range strings.Split(s, ",") {
		layer := LayerID(strings.ToLower(strings.TrimSpace(part)))
		if !layer.Valid() {
			return nil, fmt.Errorf("unknown layer %q", part)
		}
		if _, ok := seen[layer]; ok {
			continue
		}
		seen[layer] = struct{}{}
		layers = append(layers, layer)
	}
	return layers, nil
}

// TileCoordinate is the immutable identity of one raster tile.
// (Layer, Zoom, X, Y) is globally unique.
type TileCoordinate struct {
	Layer LayerID `json:"layer"`
	Zoom  int     `json:"zoom"`
	X     int     `json:"x"`
	Y     int     `json:"y"`
}

func (c TileCoordinate) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", c.Layer, c.Zoom, c.X, c.Y)
}

// BoundingBox is a geographic area in WGS84 degrees.
// Boxes straddling the antimeridian are not supported: LonMin must be
// strictly less than LonMax.
type BoundingBox struct {
	LatMin float64 `json:"latMin"`
	LonMin float64 `json:"lonMin"`
	LatMax float64 `json:"latMax"`
	LonMax float64 `json:"lonMax"`
}

// Validate checks coordinate ranges and corner ordering.
func (b BoundingBox) Validate() error {
	if b.LatMin < -90 || b.LatMax > 90 {
		return fmt.Errorf("latitude out of range [-90, 90]: %f..%f", b.LatMin, b.LatMax)
	}
	if b.LonMin < -180 || b.LonMax > 180 {
		return fmt.Errorf("longitude out of range [-180, 180]: %f..%f", b.LonMin, b.LonMax)
	}
	if b.LatMin >= b.LatMax {
		return fmt.Errorf("latMin must be less than latMax (%f >= %f)", b.LatMin, b.LatMax)
	}
	if b.LonMin >= b.LonMax {
		return fmt.Errorf("lonMin must be less than lonMax (%f >= %f)", b.LonMin, b.LonMax)
	}
	return nil
}
