// Package store implements the on-disk tile cache. Tiles are keyed by
// (layer, zoom, x, y) and laid out as <root>/<layer>/<z>/<x>/<y>.png.
// The cache is append-only: entries are written once and never evicted;
// purging is an operational task outside this service.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"tilevault/types"
)

// ErrMiss reports that a tile is not in the cache. Every other error
// from Get or Put is a real store failure (disk, permissions) and must
// not be treated as a miss.
var ErrMiss = errors.New("tile not in cache")

// LayerStats summarizes cached data for one layer.
type LayerStats struct {
	TileCount   int   `json:"tileCount"`
	ApproxBytes int64 `json:"approxBytes"`
}

// TileStore is a filesystem-backed tile cache. Concurrent reads never
// block each other; concurrent writes of the same tile are idempotent
// (last write wins via rename, no torn files).
type TileStore struct {
	root string
}

// New creates the store root if needed and returns the store.
func New(root string) (*TileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("tile store root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create tile store root: %w", err)
	}
	return &TileStore{root: root}, nil
}

// Root returns the store's base directory.
func (s *TileStore) Root() string {
	return s.root
}

// Path returns the file path a tile is (or would be) stored at.
func (s *TileStore) Path(coord types.TileCoordinate) string {
	return filepath.Join(s.root, string(coord.Layer),
		strconv.Itoa(coord.Zoom), strconv.Itoa(coord.X),
		strconv.Itoa(coord.Y)+".png")
}

// Get returns the cached bytes for a tile, or ErrMiss.
func (s *TileStore) Get(coord types.TileCoordinate) ([]byte, error) {
	data, err := os.ReadFile(s.Path(coord))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("read tile %s: %w", coord, err)
	}
	return data, nil
}

// Has reports whether a tile is cached without reading its bytes.
func (s *TileStore) Has(coord types.TileCoordinate) (bool, error) {
	_, err := os.Stat(s.Path(coord))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat tile %s: %w", coord, err)
	}
	return true, nil
}

// Put writes a tile. The bytes land in a temp file first and are moved
// into place with a rename, so a concurrent Put of the same coordinate
// can only ever replace a complete file.
func (s *TileStore) Put(coord types.TileCoordinate, data []byte) error {
	path := s.Path(coord)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tile dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp tile file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write tile %s: %w", coord, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close tile %s: %w", coord, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename tile %s: %w", coord, err)
	}
	return nil
}

// Stats walks each known layer's subtree and returns tile counts and
// approximate total bytes. Layers with no cached tiles report zeros.
func (s *TileStore) Stats() (map[types.LayerID]LayerStats, error) {
	result := make(map[types.LayerID]LayerStats, len(types.AllLayers))
	for _, layer := range types.AllLayers {
		stats, err := s.layerStats(layer)
		if err != nil {
			return nil, err
		}
		result[layer] = stats
	}
	return result, nil
}

func (s *TileStore) layerStats(layer types.LayerID) (LayerStats, error) {
	var stats LayerStats
	layerDir := filepath.Join(s.root, string(layer))
	err := filepath.WalkDir(layerDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".png" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stats.TileCount++
		stats.ApproxBytes += info.Size()
		return nil
	})
	if err != nil {
		return LayerStats{}, fmt.Errorf("walk layer %s: %w", layer, err)
	}
	return stats, nil
}
