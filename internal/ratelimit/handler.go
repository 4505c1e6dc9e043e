package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"orthotiles/internal/logger"
)

// RetryStrategy defines the exponential backoff used between attempts on one tile
type RetryStrategy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultRetryStrategy returns the default exponential backoff strategy
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Base:       500 * time.Millisecond,
		Max:        30 * time.Second,
		MaxRetries: 3,
	}
}

// Backoff returns the wait before retry number attempt (0-based): Base*2^attempt, capped at Max
func (s *RetryStrategy) Backoff(attempt int) time.Duration {
	if s.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := s.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if s.Max > 0 && d >= s.Max {
			return s.Max
		}
	}
	if s.Max > 0 && d > s.Max {
		return s.Max
	}
	return d
}

// RateLimitEvent represents a throttling occurrence for one source
type RateLimitEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	StatusCode   int       `json:"statusCode"`
	RetryAttempt int       `json:"retryAttempt"` // 0 = first occurrence
	NextRetryAt  time.Time `json:"nextRetryAt"`
	Message      string    `json:"message"`
}

// Handler tracks which sources are currently throttling us
type Handler struct {
	mu          sync.RWMutex
	rateLimited map[string]*RateLimitEvent
	strategy    *RetryStrategy
	onRateLimit func(event RateLimitEvent)
	onRecovered func(provider string)
	log         *logger.Logger
}

// NewHandler creates a new rate limit handler
func NewHandler(strategy *RetryStrategy, log *logger.Logger) *Handler {
	if strategy == nil {
		strategy = DefaultRetryStrategy()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		rateLimited: make(map[string]*RateLimitEvent),
		strategy:    strategy,
		log:         log,
	}
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(provider string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimited checks if a provider is currently rate limited
func (h *Handler) IsRateLimited(provider string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, limited := h.rateLimited[provider]
	return limited
}

// CheckStatus records the outcome of a request. Throttle statuses open or extend the
// provider's rate limit state; a 2xx clears it. Returns true when throttled.
func (h *Handler) CheckStatus(provider string, statusCode int) bool {
	if IsThrottleStatus(statusCode) {
		h.recordRateLimit(provider, statusCode)
		return true
	}
	if statusCode >= 200 && statusCode < 300 {
		h.checkRecovery(provider)
	}
	return false
}

func (h *Handler) recordRateLimit(provider string, statusCode int) {
	h.mu.Lock()

	retryAttempt := 0
	if existing, exists := h.rateLimited[provider]; exists {
		retryAttempt = existing.RetryAttempt + 1
	}

	now := time.Now()
	nextRetryAt := now.Add(h.strategy.Backoff(retryAttempt))
	event := RateLimitEvent{
		Timestamp:    now,
		Provider:     provider,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		NextRetryAt:  nextRetryAt,
		Message:      buildMessage(provider, statusCode, retryAttempt, nextRetryAt.Sub(now)),
	}
	h.rateLimited[provider] = &event
	callback := h.onRateLimit
	h.mu.Unlock()

	h.log.Warn("[RateLimit] Source throttled", map[string]interface{}{
		"provider":    provider,
		"status":      statusCode,
		"attempt":     retryAttempt,
		"nextRetryAt": nextRetryAt.Format(time.RFC3339),
	})
	if callback != nil {
		callback(event)
	}
}

func (h *Handler) checkRecovery(provider string) {
	h.mu.Lock()
	_, exists := h.rateLimited[provider]
	delete(h.rateLimited, provider)
	callback := h.onRecovered
	h.mu.Unlock()

	if !exists {
		return
	}
	h.log.Info("[RateLimit] Source recovered", map[string]interface{}{"provider": provider})
	if callback != nil {
		callback(provider)
	}
}

// Reset clears the rate limit state of a provider
func (h *Handler) Reset(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rateLimited, provider)
}

// GetCurrentState returns a copy of the rate limit state for a provider, or nil
func (h *Handler) GetCurrentState(provider string) *RateLimitEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if event, exists := h.rateLimited[provider]; exists {
		eventCopy := *event
		return &eventCopy
	}
	return nil
}

func buildMessage(provider string, statusCode int, retryAttempt int, wait time.Duration) string {
	if retryAttempt == 0 {
		return fmt.Sprintf("%s rate limit detected (HTTP %d). Backing off for %s.",
			provider, statusCode, wait.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s still rate limited (attempt %d). Backing off for %s.",
		provider, retryAttempt+1, wait.Round(time.Millisecond))
}
