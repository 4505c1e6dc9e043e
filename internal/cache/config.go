package cache

import (
	"os"
	"path/filepath"
	goruntime "runtime"
)

// DefaultIndexEntries bounds the in-memory existence index. The disk layout stays
// authoritative, so a small index only costs extra stat calls.
const DefaultIndexEntries = 1 << 16

// tempPrefix marks partially written tiles. Such files are invisible to lookups and
// listings and are swept when the cache is opened.
const tempPrefix = ".tmp-"

// DefaultDir returns the OS-specific tile cache directory
func DefaultDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "orthotiles", "tiles")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(appData, "orthotiles", "cache", "tiles")
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "orthotiles", "tiles")
	}
}
