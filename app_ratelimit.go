package main

import (
	"orthotiles/internal/cache"
	"orthotiles/internal/ratelimit"
)

// Rate limit management

// GetRateLimitStatus returns the current throttling state of a source, or nil
func (a *App) GetRateLimitStatus(sourceID string) *ratelimit.RateLimitEvent {
	return a.rateLimitHandler.GetCurrentState(sourceID)
}

// IsRateLimited checks if a source is currently throttling us
func (a *App) IsRateLimited(sourceID string) bool {
	return a.rateLimitHandler.IsRateLimited(sourceID)
}

// Cache management

// CacheStats represents cache statistics for display
type CacheStats struct {
	cache.Stats
	SizeMB float64 `json:"sizeMB"`
}

// GetCacheStats returns current cache statistics
func (a *App) GetCacheStats() (CacheStats, error) {
	stats, err := a.tileCache.Stats()
	if err != nil {
		return CacheStats{}, err
	}
	return CacheStats{Stats: stats, SizeMB: float64(stats.SizeBytes) / 1024 / 1024}, nil
}

// ClearCache removes cached tiles of one source, or all of them when sourceID is empty
func (a *App) ClearCache(sourceID string) error {
	return a.tileCache.Clear(sourceID)
}
