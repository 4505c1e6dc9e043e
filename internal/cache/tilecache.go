package cache

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"orthotiles/internal/common"
	"orthotiles/internal/logger"
	"orthotiles/internal/source"
)

const lockStripes = 64

// TileRecord describes one cached tile
type TileRecord struct {
	Key          common.TileKey `json:"key"`
	Path         string         `json:"path"`
	Size         int64          `json:"size"`
	DownloadedAt time.Time      `json:"downloadedAt"`
}

// Stats summarises cache contents
type Stats struct {
	Tiles     int            `json:"tiles"`
	SizeBytes int64          `json:"sizeBytes"`
	BySource  map[string]int `json:"bySource"`
	Path      string         `json:"path"`
}

// TileCache is a disk cache with OGC ZXY layout: {baseDir}/{source}/{z}/{x}/{y}.{ext}.
// The file tree is the source of truth; the in-memory index only remembers tiles that
// are known to exist, so a miss always falls through to disk.
type TileCache struct {
	baseDir string
	log     *logger.Logger

	mu         sync.RWMutex
	extensions map[string]string

	index *lru.Cache[common.TileKey, TileRecord]
	locks [lockStripes]sync.Mutex
}

// NewTileCache opens (creating if needed) a cache rooted at baseDir and removes any
// temp files left behind by an interrupted write.
func NewTileCache(baseDir string, log *logger.Logger, providers ...source.Provider) (*TileCache, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	index, err := lru.New[common.TileKey, TileRecord](DefaultIndexEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache index: %w", err)
	}

	c := &TileCache{
		baseDir:    baseDir,
		log:        log,
		extensions: make(map[string]string),
		index:      index,
	}
	for _, p := range providers {
		c.RegisterSource(p)
	}

	removed, err := c.sweepTempFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to sweep cache directory: %w", err)
	}
	if removed > 0 {
		log.Info("[TileCache] Removed partial tile writes", map[string]interface{}{"count": removed})
	}
	return c, nil
}

// RegisterSource makes a provider's tiles addressable in the cache
func (c *TileCache) RegisterSource(p source.Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extensions[p.SourceID] = p.ImageExtension
}

// GetCachePath returns the base directory of the cache
func (c *TileCache) GetCachePath() string {
	return c.baseDir
}

// PathFor returns the final path a tile is stored at
func (c *TileCache) PathFor(key common.TileKey) (string, error) {
	c.mu.RLock()
	ext, ok := c.extensions[key.SourceID]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", common.ErrUnknownSource, key.SourceID)
	}
	return filepath.Join(c.baseDir, key.SourceID, strconv.Itoa(key.Zoom), strconv.Itoa(key.X),
		strconv.Itoa(key.Y)+"."+ext), nil
}

// Has reports whether a complete tile exists for key
func (c *TileCache) Has(key common.TileKey) bool {
	_, err := c.Get(key)
	return err == nil
}

// Get returns the record for a cached tile or ErrTileNotFound
func (c *TileCache) Get(key common.TileKey) (TileRecord, error) {
	path, err := c.PathFor(key)
	if err != nil {
		return TileRecord{}, err
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		// file removed behind our back
		c.index.Remove(key)
		return TileRecord{}, fmt.Errorf("%w: %s", common.ErrTileNotFound, key)
	}

	if rec, ok := c.index.Get(key); ok && rec.Size == info.Size() {
		return rec, nil
	}
	rec := TileRecord{Key: key, Path: path, Size: info.Size(), DownloadedAt: info.ModTime()}
	c.index.Add(key, rec)
	return rec, nil
}

// Read returns the bytes of a cached tile
func (c *TileCache) Read(key common.TileKey) ([]byte, error) {
	rec, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.index.Remove(key)
			return nil, fmt.Errorf("%w: %s", common.ErrTileNotFound, key)
		}
		return nil, fmt.Errorf("failed to read cached tile %s: %w", key, err)
	}
	return data, nil
}

// Put stores tile bytes. The data is written to a temp file in the target directory,
// synced and renamed into place, so a tile is either fully present or absent. If the
// key already exists the existing record is returned and data is discarded.
func (c *TileCache) Put(key common.TileKey, data []byte) (TileRecord, error) {
	path, err := c.PathFor(key)
	if err != nil {
		return TileRecord{}, err
	}

	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if rec, err := c.Get(key); err == nil {
		return rec, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return TileRecord{}, fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+strconv.Itoa(key.Y)+"-*")
	if err != nil {
		return TileRecord{}, fmt.Errorf("failed to create temp tile: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return TileRecord{}, fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return TileRecord{}, fmt.Errorf("failed to sync cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return TileRecord{}, fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return TileRecord{}, fmt.Errorf("failed to rename cache file: %w", err)
	}

	rec := TileRecord{Key: key, Path: path, Size: int64(len(data)), DownloadedAt: time.Now()}
	if info, err := os.Stat(path); err == nil {
		rec.DownloadedAt = info.ModTime()
	}
	c.index.Add(key, rec)
	return rec, nil
}

// List walks every complete tile of a source. Iteration order is unspecified.
func (c *TileCache) List(sourceID string) iter.Seq2[TileRecord, error] {
	return func(yield func(TileRecord, error) bool) {
		c.mu.RLock()
		ext, ok := c.extensions[sourceID]
		c.mu.RUnlock()
		if !ok {
			yield(TileRecord{}, fmt.Errorf("%w: %s", common.ErrUnknownSource, sourceID))
			return
		}

		root := filepath.Join(c.baseDir, sourceID)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			key, ok := parseTilePath(sourceID, ext, root, path)
			if !ok {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				// vanished mid-walk
				return nil
			}
			rec := TileRecord{Key: key, Path: path, Size: info.Size(), DownloadedAt: info.ModTime()}
			if !yield(rec, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield(TileRecord{}, fmt.Errorf("failed to scan cache directory: %w", err))
		}
	}
}

// Stats walks the cache and counts complete tiles per registered source
func (c *TileCache) Stats() (Stats, error) {
	c.mu.RLock()
	sources := make([]string, 0, len(c.extensions))
	for id := range c.extensions {
		sources = append(sources, id)
	}
	c.mu.RUnlock()

	stats := Stats{BySource: make(map[string]int), Path: c.baseDir}
	for _, id := range sources {
		for rec, err := range c.List(id) {
			if err != nil {
				return stats, err
			}
			stats.Tiles++
			stats.SizeBytes += rec.Size
			stats.BySource[id]++
		}
	}
	return stats, nil
}

// Clear removes cached tiles for one source, or for every source when sourceID is empty
func (c *TileCache) Clear(sourceID string) error {
	var targets []string
	if sourceID == "" {
		entries, err := os.ReadDir(c.baseDir)
		if err != nil {
			return fmt.Errorf("failed to read cache directory: %w", err)
		}
		for _, e := range entries {
			targets = append(targets, filepath.Join(c.baseDir, e.Name()))
		}
	} else {
		if strings.ContainsAny(sourceID, `/\`) || sourceID == "." || sourceID == ".." {
			return fmt.Errorf("%w: %s", common.ErrUnknownSource, sourceID)
		}
		targets = []string{filepath.Join(c.baseDir, sourceID)}
	}

	for _, t := range targets {
		if err := os.RemoveAll(t); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	c.index.Purge()

	c.log.Info("[TileCache] Cleared", map[string]interface{}{"source": sourceID})
	return nil
}

func (c *TileCache) lockFor(key common.TileKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return &c.locks[h.Sum32()%lockStripes]
}

// sweepTempFiles removes partial writes left by a crash
func (c *TileCache) sweepTempFiles() (int, error) {
	removed := 0
	err := filepath.WalkDir(c.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), tempPrefix) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// parseTilePath maps {root}/{z}/{x}/{y}.{ext} back to a key
func parseTilePath(sourceID, ext, root, path string) (common.TileKey, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return common.TileKey{}, false
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	if len(parts) != 3 {
		return common.TileKey{}, false
	}
	name := parts[2]
	if strings.HasPrefix(name, tempPrefix) || filepath.Ext(name) != "."+ext {
		return common.TileKey{}, false
	}

	z, err1 := strconv.Atoi(parts[0])
	x, err2 := strconv.Atoi(parts[1])
	y, err3 := strconv.Atoi(strings.TrimSuffix(name, "."+ext))
	if err1 != nil || err2 != nil || err3 != nil {
		return common.TileKey{}, false
	}
	return common.TileKey{SourceID: sourceID, Zoom: z, X: x, Y: y}, true
}
