package provider

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"tilevault/types"
)

const (
	maxIdleConns        = 100
	maxIdleConnsPerHost = 10
	idleConnTimeout     = 30 * time.Second

	maxTransientRetries = 3
	retryBaseDelay      = 500 * time.Millisecond
	retryMaxDelay       = 30 * time.Second

	defaultUserAgent = "tilevault/1.0 (offline map cache)"
	defaultTimeout   = 30 * time.Second
)

// Kind classifies the outcome of one fetch attempt.
type Kind string

const (
	// KindSuccess carries tile bytes.
	KindSuccess Kind = "success"
	// KindBlocked means the upstream explicitly refused (rate limit,
	// 403, or a known placeholder body). Never retried.
	KindBlocked Kind = "blocked"
	// KindNotFound means the tile legitimately does not exist, e.g.
	// the requested zoom exceeds provider coverage. Never retried.
	KindNotFound Kind = "not_found"
	// KindTransient means a network or server failure that exhausted
	// its retry budget.
	KindTransient Kind = "transient"
)

// Result is the outcome of fetching one tile.
type Result struct {
	Kind Kind
	Data []byte
	Err  error
}

// Options configures a Fetcher. Zero values select defaults.
type Options struct {
	UserAgent        string
	Timeout          time.Duration
	StreetSpacing    time.Duration
	SatelliteSpacing time.Duration
}

// Fetcher downloads tiles from the provider matching each coordinate's
// layer, serializing requests per provider to honor its spacing.
type Fetcher struct {
	client    *http.Client
	providers map[types.LayerID]*Provider
	userAgent string
}

// NewFetcher builds a Fetcher with a pooled, HTTP/2-capable transport.
func NewFetcher(opts Options) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: 15 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warn().Err(err).Msg("http2 unavailable, falling back to http/1.1")
	}
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		providers: DefaultProviders(opts.StreetSpacing, opts.SatelliteSpacing),
		userAgent: opts.UserAgent,
	}
}

// ProviderFor returns the provider serving a layer.
func (f *Fetcher) ProviderFor(layer types.LayerID) (*Provider, bool) {
	p, ok := f.providers[layer]
	return p, ok
}

// SetProvider replaces the provider for a layer. Used when a deployment
// points a layer at a private mirror, and by tests.
func (f *Fetcher) SetProvider(layer types.LayerID, p *Provider) {
	f.providers[layer] = p
}

// Fetch downloads one tile. Transient failures are retried with
// doubling backoff; Blocked and NotFound are reported as-is. The
// per-provider limiter is awaited before every attempt.
func (f *Fetcher) Fetch(ctx context.Context, coord types.TileCoordinate) Result {
	p, ok := f.providers[coord.Layer]
	if !ok {
		return Result{Kind: KindNotFound, Err: fmt.Errorf("no provider for layer %q", coord.Layer)}
	}
	if coord.Zoom > p.MaxZoom {
		return Result{Kind: KindNotFound, Err: fmt.Errorf("zoom %d exceeds %s coverage (max %d)", coord.Zoom, p.Name, p.MaxZoom)}
	}

	var lastErr error
	for attempt := 0; attempt <= maxTransientRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << uint(attempt-1)
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Result{Kind: KindTransient, Err: ctx.Err()}
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return Result{Kind: KindTransient, Err: err}
		}

		res := f.attempt(ctx, p, coord)
		if res.Kind != KindTransient {
			return res
		}
		lastErr = res.Err
		if ctx.Err() != nil {
			return Result{Kind: KindTransient, Err: ctx.Err()}
		}
		log.Debug().Str("tile", coord.String()).Int("attempt", attempt+1).Err(res.Err).
			Msg("transient fetch failure, retrying")
	}
	return Result{Kind: KindTransient, Err: fmt.Errorf("retries exhausted: %w", lastErr)}
}

func (f *Fetcher) attempt(ctx context.Context, p *Provider, coord types.TileCoordinate) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(coord), nil)
	if err != nil {
		return Result{Kind: KindTransient, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{Kind: KindTransient, Err: err}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{Kind: KindTransient, Err: err}
		}
		if p.BlockedSize > 0 && len(data) == p.BlockedSize {
			return Result{Kind: KindBlocked, Err: fmt.Errorf("%s served its rate-limit placeholder", p.Name)}
		}
		return Result{Kind: KindSuccess, Data: data}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return Result{Kind: KindBlocked, Err: fmt.Errorf("%s refused request: HTTP %d", p.Name, resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return Result{Kind: KindNotFound, Err: fmt.Errorf("tile not present upstream: HTTP 404")}
	default:
		return Result{Kind: KindTransient, Err: fmt.Errorf("HTTP %d from %s", resp.StatusCode, p.Name)}
	}
}
