package downloads

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthotiles/internal/cache"
	"orthotiles/internal/common"
	"orthotiles/internal/logger"
	"orthotiles/internal/ratelimit"
	"orthotiles/internal/source"
)

func testProvider() source.Provider {
	return source.Provider{
		SourceID:       "test",
		URLTemplate:    "http://tiles.invalid/{zoom}/{x}/{y}.png",
		TileWidth:      256,
		TileHeight:     256,
		ImageExtension: "png",
		Scheme:         common.SchemeGoogle,
		MaxZoom:        20,
	}
}

func testConfig(workers int) Config {
	return Config{
		MaxConcurrent: workers,
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
	}
}

func newTestCache(t *testing.T) *cache.TileCache {
	t.Helper()
	c, err := cache.NewTileCache(t.TempDir(), logger.Nop(), testProvider())
	require.NoError(t, err)
	return c
}

func keysFor(n int) []common.TileKey {
	keys := make([]common.TileKey, n)
	for i := range keys {
		keys[i] = common.TileKey{SourceID: "test", Zoom: 10, X: i, Y: 7}
	}
	return keys
}

// stubFetcher records concurrency and replays scripted failures per URL
type stubFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	script   map[string][]error
	latency  time.Duration
	inflight int32
	maxSeen  int32
	onFetch  func(n int)
	total    int32
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{calls: map[string]int{}, script: map[string][]error{}}
}

func (f *stubFetcher) Fetch(ctx context.Context, url string, key common.TileKey) ([]byte, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, cur) {
			break
		}
	}
	n := int(atomic.AddInt32(&f.total, 1))

	if f.latency > 0 {
		time.Sleep(f.latency)
	}

	f.mu.Lock()
	attempt := f.calls[url]
	f.calls[url]++
	var err error
	if steps := f.script[url]; attempt < len(steps) {
		err = steps[attempt]
	}
	f.mu.Unlock()

	if f.onFetch != nil {
		f.onFetch(n)
	}
	if err != nil {
		return nil, err
	}
	return []byte("tile:" + url), nil
}

func (f *stubFetcher) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func httpErr(key common.TileKey, status int) error {
	return &common.FetchError{Key: key, StatusCode: status, Transient: ratelimit.IsTransientStatus(status)}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 0
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.Delay = -time.Second
	assert.Error(t, cfg.Validate())
	_, err := NewScheduler(nil, nil, Config{})
	assert.Error(t, err)
}

func TestRun_NeverExceedsMaxConcurrent(t *testing.T) {
	c := newTestCache(t)
	f := newStubFetcher()
	f.latency = 3 * time.Millisecond

	s, err := NewScheduler(c, f, testConfig(4))
	require.NoError(t, err)

	summary := s.Run(context.Background(), testProvider(), keysFor(40))
	assert.Equal(t, 40, summary.Fetched)
	assert.Zero(t, summary.Failed)
	assert.True(t, summary.Complete())
	assert.LessOrEqual(t, atomic.LoadInt32(&f.maxSeen), int32(4))
	assert.Greater(t, atomic.LoadInt32(&f.maxSeen), int32(0))
}

func TestRun_ConcurrentJobsShareCeiling(t *testing.T) {
	c := newTestCache(t)
	f := newStubFetcher()
	f.latency = 2 * time.Millisecond
	s, err := NewScheduler(c, f, testConfig(3))
	require.NoError(t, err)

	other := make([]common.TileKey, 30)
	for i := range other {
		other[i] = common.TileKey{SourceID: "test", Zoom: 11, X: i, Y: 1}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.Run(context.Background(), testProvider(), keysFor(30)) }()
	go func() { defer wg.Done(); s.Run(context.Background(), testProvider(), other) }()
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&f.maxSeen), int32(3))
	assert.Equal(t, int32(60), atomic.LoadInt32(&f.total))
}

func TestRun_CachedTilesAreNeverFetched(t *testing.T) {
	c := newTestCache(t)
	keys := keysFor(5)
	for _, k := range keys[:3] {
		_, err := c.Put(k, []byte("cached"))
		require.NoError(t, err)
	}

	f := newStubFetcher()
	s, err := NewScheduler(c, f, testConfig(4))
	require.NoError(t, err)

	// duplicates are fetched once
	summary := s.Run(context.Background(), testProvider(), append(keys, keys[4]))
	assert.Equal(t, 5, summary.Requested)
	assert.Equal(t, 3, summary.AlreadyCached)
	assert.Equal(t, 2, summary.Fetched)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.total))
	for _, k := range keys[:3] {
		assert.Zero(t, f.callsFor(testProvider().URLForKey(k)))
	}

	// a second run is a no-op
	summary = s.Run(context.Background(), testProvider(), keys)
	assert.Equal(t, 5, summary.AlreadyCached)
	assert.Zero(t, summary.Fetched)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.total))
}

func TestRun_RetriesTransientThenSucceeds(t *testing.T) {
	c := newTestCache(t)
	key := keysFor(1)[0]
	url := testProvider().URLForKey(key)

	f := newStubFetcher()
	f.script[url] = []error{httpErr(key, http.StatusServiceUnavailable), httpErr(key, http.StatusTooManyRequests)}

	s, err := NewScheduler(c, f, testConfig(2))
	require.NoError(t, err)

	summary := s.Run(context.Background(), testProvider(), []common.TileKey{key})
	assert.Equal(t, 1, summary.Fetched)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 3, f.callsFor(url))
	assert.True(t, c.Has(key))
}

func TestRun_PermanentFailureIsNotRetried(t *testing.T) {
	c := newTestCache(t)
	keys := keysFor(3)
	url := testProvider().URLForKey(keys[1])

	f := newStubFetcher()
	f.script[url] = []error{httpErr(keys[1], http.StatusNotFound)}

	s, err := NewScheduler(c, f, testConfig(2))
	require.NoError(t, err)

	summary := s.Run(context.Background(), testProvider(), keys)
	assert.Equal(t, 2, summary.Fetched)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []common.TileKey{keys[1]}, summary.FailedKeys)
	assert.Equal(t, 1, f.callsFor(url))
	assert.False(t, c.Has(keys[1]))
	assert.False(t, summary.Complete())
}

func TestRun_RetriesExhausted(t *testing.T) {
	c := newTestCache(t)
	key := keysFor(1)[0]
	url := testProvider().URLForKey(key)

	f := newStubFetcher()
	for i := 0; i < 10; i++ {
		f.script[url] = append(f.script[url], httpErr(key, http.StatusBadGateway))
	}

	cfg := testConfig(1)
	cfg.MaxRetries = 2
	s, err := NewScheduler(c, f, cfg)
	require.NoError(t, err)

	summary := s.Run(context.Background(), testProvider(), []common.TileKey{key})
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, f.callsFor(url))
}

func TestRun_CancellationLeavesPending(t *testing.T) {
	c := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newStubFetcher()
	f.onFetch = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	var progress []DownloadProgress
	var mu sync.Mutex
	s, err := NewScheduler(c, f, testConfig(1), WithProgress(func(p DownloadProgress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	}))
	require.NoError(t, err)

	summary := s.Run(ctx, testProvider(), keysFor(10))
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 2, summary.Fetched)
	assert.Equal(t, 8, summary.Pending)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.total))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, progress, 2)
	assert.Equal(t, 10, progress[1].Total)
	assert.Equal(t, 2, progress[1].Downloaded)
}

func TestJitteredDelay(t *testing.T) {
	low := func(int64) int64 { return 0 }
	high := func(n int64) int64 { return n - 1 }

	assert.Equal(t, 50*time.Millisecond, JitteredDelay(100*time.Millisecond, 50*time.Millisecond, low))
	assert.Equal(t, 150*time.Millisecond, JitteredDelay(100*time.Millisecond, 50*time.Millisecond, high))
	assert.Equal(t, time.Duration(0), JitteredDelay(10*time.Millisecond, 50*time.Millisecond, low))
	assert.Equal(t, 100*time.Millisecond, JitteredDelay(100*time.Millisecond, 0, high))

	for i := 0; i < 1000; i++ {
		d := JitteredDelay(20*time.Millisecond, 30*time.Millisecond, func(n int64) int64 { return int64(i) % n })
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestHTTPFetcher(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("image-bytes"))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/slow-down":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/html":
			w.Write([]byte("<!DOCTYPE html><html><body>quota exceeded</body></html>"))
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	handler := ratelimit.NewHandler(nil, logger.Nop())
	f := NewHTTPFetcher("test-agent/2", time.Second, handler)
	key := common.TileKey{SourceID: "test", Zoom: 1, X: 0, Y: 0}
	ctx := context.Background()

	data, err := f.Fetch(ctx, srv.URL+"/ok", key)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
	assert.Equal(t, "test-agent/2", gotUA)

	cases := []struct {
		path      string
		status    int
		transient bool
	}{
		{"/html", 200, false},
		{"/busy", 503, true},
		{"/slow-down", 429, true},
		{"/forbidden", 403, false},
		{"/missing", 404, false},
	}
	for _, tc := range cases {
		_, err := f.Fetch(ctx, srv.URL+tc.path, key)
		var fe *common.FetchError
		require.ErrorAs(t, err, &fe, tc.path)
		assert.Equal(t, tc.status, fe.StatusCode, tc.path)
		assert.Equal(t, tc.transient, fe.Transient, tc.path)
		if tc.transient {
			assert.ErrorIs(t, err, common.ErrTransientFetch)
		} else {
			assert.ErrorIs(t, err, common.ErrTileFetchFailed)
		}
	}
	assert.True(t, handler.IsRateLimited("test"))

	_, err = f.Fetch(ctx, srv.URL+"/ok", key)
	require.NoError(t, err)
	assert.False(t, handler.IsRateLimited("test"))
}

func TestHTTPFetcher_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := fmt.Sprintf("%s/x", srv.URL)
	srv.Close()

	f := NewHTTPFetcher("", time.Second, nil)
	_, err := f.Fetch(context.Background(), url, common.TileKey{SourceID: "test"})
	var fe *common.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Zero(t, fe.StatusCode)
}

// gateFetcher holds its first request until released or cancelled
type gateFetcher struct {
	calls   int32
	started chan struct{}
	release chan struct{}
}

func newGateFetcher() *gateFetcher {
	return &gateFetcher{started: make(chan struct{}), release: make(chan struct{})}
}

func (f *gateFetcher) Fetch(ctx context.Context, url string, key common.TileKey) ([]byte, error) {
	if atomic.AddInt32(&f.calls, 1) == 1 {
		close(f.started)
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []byte("tile:" + url), nil
}

func runAsync(s *Scheduler, ctx context.Context, keys []common.TileKey) <-chan Summary {
	done := make(chan Summary, 1)
	go func() { done <- s.Run(ctx, testProvider(), keys) }()
	return done
}

func waitSummary(t *testing.T, done <-chan Summary) Summary {
	t.Helper()
	select {
	case summary := <-done:
		return summary
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
		return Summary{}
	}
}

func TestRun_CancelledJobDoesNotStrandSharedTile(t *testing.T) {
	c := newTestCache(t)
	f := newGateFetcher()
	s, err := NewScheduler(c, f, testConfig(2))
	require.NoError(t, err)
	keys := keysFor(1)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	doneA := runAsync(s, ctxA, keys)
	<-f.started

	doneB := runAsync(s, context.Background(), keys)
	time.Sleep(20 * time.Millisecond)

	cancelA()
	a := waitSummary(t, doneA)
	assert.True(t, a.Cancelled)
	assert.Equal(t, 1, a.Pending)

	close(f.release)
	b := waitSummary(t, doneB)
	assert.False(t, b.Cancelled)
	assert.Zero(t, b.Pending)
	assert.Zero(t, b.Failed)
	assert.True(t, b.Complete())
	assert.True(t, c.Has(keys[0]))
}

func TestRun_WaitingJobHonoursOwnCancellation(t *testing.T) {
	c := newTestCache(t)
	f := newGateFetcher()
	s, err := NewScheduler(c, f, testConfig(2))
	require.NoError(t, err)
	keys := keysFor(1)

	doneA := runAsync(s, context.Background(), keys)
	<-f.started

	ctxB, cancelB := context.WithCancel(context.Background())
	doneB := runAsync(s, ctxB, keys)
	time.Sleep(20 * time.Millisecond)

	// B leaves while A's fetch is still held
	cancelB()
	b := waitSummary(t, doneB)
	assert.True(t, b.Cancelled)
	assert.Equal(t, 1, b.Pending)

	close(f.release)
	a := waitSummary(t, doneA)
	assert.Equal(t, 1, a.Fetched)
	assert.True(t, a.Complete())
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.calls))
}
