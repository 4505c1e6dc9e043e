package downloads

import (
	"fmt"
	"time"
)

// DownloadProgress tracks the progress of a download operation
type DownloadProgress struct {
	Downloaded int    `json:"downloaded"` // tiles settled so far (fetched, cached or failed)
	Total      int    `json:"total"`
	Percent    int    `json:"percent"`
	Status     string `json:"status"`
	SourceID   string `json:"sourceId"`
}

// Allowed values for simultaneous downloads
var AllowedConcurrency = []int{4, 6, 8}

const (
	DefaultWorkers     = 4
	DefaultDelay       = 100 * time.Millisecond
	DefaultDelayJitter = 50 * time.Millisecond
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffMax  = 30 * time.Second
	DefaultUserAgent   = "orthotiles/1.0"
	DefaultTimeout     = 30 * time.Second
)

// Config controls how politely tiles are fetched
type Config struct {
	MaxConcurrent int           `json:"maxConcurrent"`
	Delay         time.Duration `json:"delay"`
	DelayJitter   time.Duration `json:"delayJitter"`
	MaxRetries    int           `json:"maxRetries"`
	BackoffBase   time.Duration `json:"backoffBase"`
	BackoffMax    time.Duration `json:"backoffMax"`
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: DefaultWorkers,
		Delay:         DefaultDelay,
		DelayJitter:   DefaultDelayJitter,
		MaxRetries:    DefaultMaxRetries,
		BackoffBase:   DefaultBackoffBase,
		BackoffMax:    DefaultBackoffMax,
	}
}

// Validate checks scheduler configuration
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.Delay < 0 || c.DelayJitter < 0 {
		return fmt.Errorf("download delay and jitter must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	return nil
}
