// Package provider fetches tiles from upstream map tile services.
// Each layer maps to exactly one upstream provider, and each provider
// carries its own rate limiter: the minimum spacing between requests is
// a hard requirement of the upstreams, not a tuning knob: violating it
// gets the whole job blocked.
package provider

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tilevault/types"
)

const (
	// osmBlockedTileSize is the byte size of the placeholder image OSM
	// serves instead of real data once a client is rate-limited.
	osmBlockedTileSize = 7412

	defaultStreetSpacing    = 500 * time.Millisecond
	defaultSatelliteSpacing = 250 * time.Millisecond
)

// Provider describes one upstream tile source.
type Provider struct {
	Layer      types.LayerID
	Name       string
	Template   string   // URL template with {s}, {z}, {x}, {y}
	Subdomains []string // rotated per tile when {s} is present
	MaxZoom    int      // zoom levels above this are not covered upstream
	// BlockedSize, when non-zero, is the byte size of the provider's
	// rate-limit placeholder tile. A 200 response of exactly this size
	// is treated as Blocked, not Success.
	BlockedSize int

	limiter *rate.Limiter
}

// URL expands the provider's template for one tile. Subdomains rotate
// deterministically by tile index so load spreads without randomness.
func (p *Provider) URL(coord types.TileCoordinate) string {
	url := p.Template
	if len(p.Subdomains) > 0 {
		sub := p.Subdomains[(coord.X+coord.Y)%len(p.Subdomains)]
		url = strings.ReplaceAll(url, "{s}", sub)
	}
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(coord.Zoom))
	url = strings.ReplaceAll(url, "{x}", strconv.Itoa(coord.X))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(coord.Y))
	return url
}

// NewProvider builds a custom provider, typically for a private tile
// mirror or a test server.
func NewProvider(layer types.LayerID, name, template string, maxZoom int, spacing time.Duration, blockedSize int) *Provider {
	if spacing <= 0 {
		spacing = defaultStreetSpacing
	}
	return &Provider{
		Layer:       layer,
		Name:        name,
		Template:    template,
		MaxZoom:     maxZoom,
		BlockedSize: blockedSize,
		limiter:     rate.NewLimiter(rate.Every(spacing), 1),
	}
}

// DefaultProviders returns the built-in provider set. Spacing values of
// zero fall back to the per-provider defaults.
func DefaultProviders(streetSpacing, satelliteSpacing time.Duration) map[types.LayerID]*Provider {
	if streetSpacing <= 0 {
		streetSpacing = defaultStreetSpacing
	}
	if satelliteSpacing <= 0 {
		satelliteSpacing = defaultSatelliteSpacing
	}
	return map[types.LayerID]*Provider{
		types.LayerStreet: {
			Layer:       types.LayerStreet,
			Name:        "OpenStreetMap",
			Template:    "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
			Subdomains:  []string{"a", "b", "c"},
			MaxZoom:     19,
			BlockedSize: osmBlockedTileSize,
			limiter:     rate.NewLimiter(rate.Every(streetSpacing), 1),
		},
		types.LayerSatellite: {
			Layer:    types.LayerSatellite,
			Name:     "ESRI World Imagery",
			Template: "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
			MaxZoom:  19,
			limiter:  rate.NewLimiter(rate.Every(satelliteSpacing), 1),
		},
	}
}
