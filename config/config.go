package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort        = 8003
	defaultTileDir     = "map-tiles"
	defaultMaxJobTiles = 50000
	defaultUserAgent   = "tilevault/1.0 (offline map cache)"
)

// Config describes runtime configuration for the service.
type Config struct {
	Port        int    `yaml:"port"`
	TileDir     string `yaml:"tile_dir"`
	AuthToken   string `yaml:"auth_token"`
	MaxJobTiles int    `yaml:"max_job_tiles"`
	UserAgent   string `yaml:"user_agent"`

	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
	StreetSpacingMs     int `yaml:"street_spacing_ms"`
	SatelliteSpacingMs  int `yaml:"satellite_spacing_ms"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:        defaultPort,
		TileDir:     defaultTileDir,
		MaxJobTiles: defaultMaxJobTiles,
		UserAgent:   defaultUserAgent,
	}
}

// Load reads YAML config from the provided path and applies env
// overrides. A missing or empty file yields defaults with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse yaml: %w", err)
			}
		}
	}
	applyEnv(&cfg)

	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	if cfg.TileDir == "" {
		cfg.TileDir = defaultTileDir
	}
	if cfg.MaxJobTiles <= 0 {
		cfg.MaxJobTiles = defaultMaxJobTiles
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return cfg, nil
}

// FetchTimeout returns the provider fetch timeout, zero meaning the
// fetcher's default.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// StreetSpacing returns the minimum spacing between street-layer
// requests, zero meaning the provider default.
func (c Config) StreetSpacing() time.Duration {
	return time.Duration(c.StreetSpacingMs) * time.Millisecond
}

// SatelliteSpacing returns the minimum spacing between satellite-layer
// requests, zero meaning the provider default.
func (c Config) SatelliteSpacing() time.Duration {
	return time.Duration(c.SatelliteSpacingMs) * time.Millisecond
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TILEVAULT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("TILEVAULT_TILE_DIR"); v != "" {
		cfg.TileDir = v
	}
	if v := os.Getenv("TILEVAULT_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("TILEVAULT_USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}
}
