// Package tilemath converts geographic areas to slippy-map tile indices
// and back. All functions are pure: the same input always yields the
// same tiles, independent of call order.
package tilemath

import (
	"fmt"
	"math"

	"tilevault/types"
)

const (
	MinZoom = 0
	MaxZoom = 22

	// Approximate degrees per mile at UK latitudes. A radius is turned
	// into a bounding box with these fixed constants rather than a
	// geodesic projection; the error is acceptable at the area sizes
	// this service handles.
	DegreesLatPerMile = 0.0145
	DegreesLonPerMile = 0.0182
)

// XY is a tile index pair at a single zoom level.
type XY struct {
	X int
	Y int
}

// Range is an inclusive rectangle of tile indices at one zoom level.
type Range struct {
	MinX int
	MinY int
	MaxX int
	MaxY int
}

// Count returns the number of tiles in the range.
func (r Range) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// TileForLatLon returns the tile containing the given point, clamped
// to [0, 2^zoom-1] on both axes.
func TileForLatLon(lat, lon float64, zoom int) (x, y int) {
	n := float64(int(1) << uint(zoom))
	latRad := lat * math.Pi / 180.0
	x = int((lon + 180.0) / 360.0 * n)
	y = int((1.0 - math.Asinh(math.Tan(latRad))/math.Pi) / 2.0 * n)
	return clamp(x, zoom), clamp(y, zoom)
}

// TileBounds returns the geographic bounding box covered by a tile.
func TileBounds(zoom, x, y int) types.BoundingBox {
	n := float64(int(1) << uint(zoom))
	lonMin := float64(x)/n*360.0 - 180.0
	lonMax := float64(x+1)/n*360.0 - 180.0
	latMax := math.Atan(math.Sinh(math.Pi*(1-2*float64(y)/n))) * 180.0 / math.Pi
	latMin := math.Atan(math.Sinh(math.Pi*(1-2*float64(y+1)/n))) * 180.0 / math.Pi
	return types.BoundingBox{LatMin: latMin, LonMin: lonMin, LatMax: latMax, LonMax: lonMax}
}

// RangeForBounds computes the inclusive tile index range covering a
// bounding box at the given zoom. Tile y grows southward, so the north
// edge maps to MinY.
func RangeForBounds(b types.BoundingBox, zoom int) Range {
	minX, minY := TileForLatLon(b.LatMax, b.LonMin, zoom)
	maxX, maxY := TileForLatLon(b.LatMin, b.LonMax, zoom)
	return Range{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

// TilesForBounds enumerates every tile in the range for a bounding box,
// ordered by x ascending then y ascending.
func TilesForBounds(b types.BoundingBox, zoom int) []XY {
	r := RangeForBounds(b, zoom)
	tiles := make([]XY, 0, r.Count())
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			tiles = append(tiles, XY{X: x, Y: y})
		}
	}
	return tiles
}

// RadiusBounds converts a center point and radius in miles to an
// approximate bounding box, clipped to the valid coordinate ranges.
func RadiusBounds(lat, lon, radiusMiles float64) (types.BoundingBox, error) {
	if radiusMiles <= 0 {
		return types.BoundingBox{}, fmt.Errorf("radius must be positive, got %f", radiusMiles)
	}
	if lat < -90 || lat > 90 {
		return types.BoundingBox{}, fmt.Errorf("latitude out of range [-90, 90]: %f", lat)
	}
	if lon < -180 || lon > 180 {
		return types.BoundingBox{}, fmt.Errorf("longitude out of range [-180, 180]: %f", lon)
	}
	b := types.BoundingBox{
		LatMin: math.Max(lat-radiusMiles*DegreesLatPerMile, -90),
		LatMax: math.Min(lat+radiusMiles*DegreesLatPerMile, 90),
		LonMin: math.Max(lon-radiusMiles*DegreesLonPerMile, -180),
		LonMax: math.Min(lon+radiusMiles*DegreesLonPerMile, 180),
	}
	if err := b.Validate(); err != nil {
		return types.BoundingBox{}, err
	}
	return b, nil
}

// ValidateZoomLevels checks that every zoom is within [MinZoom, MaxZoom].
func ValidateZoomLevels(zooms []int) error {
	if len(zooms) == 0 {
		return fmt.Errorf("no zoom levels specified")
	}
	for _, z := range zooms {
		if z < MinZoom || z > MaxZoom {
			return fmt.Errorf("zoom level %d out of range [%d, %d]", z, MinZoom, MaxZoom)
		}
	}
	return nil
}

func clamp(v, zoom int) int {
	max := (1 << uint(zoom)) - 1
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
