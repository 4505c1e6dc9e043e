package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"orthotiles/internal/common"
	"orthotiles/internal/ratelimit"
)

// maxTileBytes guards against servers streaming something that is not a tile
const maxTileBytes = 32 << 20

// Fetcher retrieves the bytes of one tile. Implementations return *common.FetchError
// so the scheduler can tell transient failures from permanent ones.
type Fetcher interface {
	Fetch(ctx context.Context, url string, key common.TileKey) ([]byte, error)
}

// HTTPFetcher fetches tiles over HTTP(S)
type HTTPFetcher struct {
	client           *http.Client
	userAgent        string
	rateLimitHandler *ratelimit.Handler
}

// NewHTTPFetcher creates a fetcher honouring proxy environment variables
func NewHTTPFetcher(userAgent string, timeout time.Duration, rateLimitHandler *ratelimit.Handler) *HTTPFetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client:           &http.Client{Timeout: timeout, Transport: transport},
		userAgent:        userAgent,
		rateLimitHandler: rateLimitHandler,
	}
}

// Fetch performs a single GET for url
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, key common.TileKey) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &common.FetchError{Key: key, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &common.FetchError{Key: key, Transient: ratelimit.IsTransientError(err), Err: err}
	}
	defer resp.Body.Close()

	if f.rateLimitHandler != nil {
		f.rateLimitHandler.CheckStatus(key.SourceID, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &common.FetchError{
			Key:        key,
			StatusCode: resp.StatusCode,
			Transient:  ratelimit.IsTransientStatus(resp.StatusCode),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &common.FetchError{Key: key, Transient: ratelimit.IsTransientError(err), Err: err}
	}
	if len(data) > maxTileBytes {
		return nil, &common.FetchError{Key: key, Err: errors.New("response exceeds maximum tile size")}
	}
	if len(data) == 0 {
		return nil, &common.FetchError{Key: key, Err: errors.New("empty response body")}
	}
	if isErrorPage(data) {
		return nil, &common.FetchError{Key: key, StatusCode: resp.StatusCode, Err: errors.New("server returned a markup page instead of a tile")}
	}
	return data, nil
}

// isErrorPage catches servers that answer 200 with an HTML or XML error document
func isErrorPage(data []byte) bool {
	ct := http.DetectContentType(data)
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "text/xml")
}
