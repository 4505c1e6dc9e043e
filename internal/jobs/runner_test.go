package jobs

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthotiles/internal/cache"
	"orthotiles/internal/common"
	"orthotiles/internal/downloads"
	"orthotiles/internal/gridsquare"
	"orthotiles/internal/logger"
	"orthotiles/internal/ratelimit"
	"orthotiles/internal/source"
	"orthotiles/internal/tiles"
)

const testZoom = 10

type tileServer struct {
	*httptest.Server
	requests atomic.Int32
}

func newTileServer(t *testing.T) *tileServer {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	body := buf.Bytes()

	ts := &tileServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

type recordingTracker struct {
	events []string
}

func (r *recordingTracker) Track(event string, _ map[string]interface{}) {
	r.events = append(r.events, event)
}

func newRunner(t *testing.T, serverURL string) (*Runner, *recordingTracker) {
	t.Helper()
	provider := source.Provider{
		SourceID:       "test_xyz",
		Name:           "Test",
		URLTemplate:    serverURL + "/{zoom}/{x}/{y}.png",
		TileWidth:      256,
		TileHeight:     256,
		ImageExtension: "png",
		Scheme:         common.SchemeGoogle,
		MinZoom:        0,
		MaxZoom:        20,
	}
	sources, err := source.NewRegistry(provider)
	require.NoError(t, err)

	tc, err := cache.NewTileCache(t.TempDir(), logger.Nop(), provider)
	require.NoError(t, err)

	cfg := downloads.DefaultConfig()
	cfg.Delay = 0
	cfg.DelayJitter = 0
	fetcher := downloads.NewHTTPFetcher("test", 0, ratelimit.NewHandler(ratelimit.DefaultRetryStrategy(), logger.Nop()))
	scheduler, err := downloads.NewScheduler(tc, fetcher, cfg)
	require.NoError(t, err)

	tracker := &recordingTracker{}
	return &Runner{
		Sources:         sources,
		Cache:           tc,
		Scheduler:       scheduler,
		Tracker:         tracker,
		WorkDir:         t.TempDir(),
		MaxTilesPerAxis: 32,
		Log:             logger.Nop(),
	}, tracker
}

// twoByTwo returns bounds lying just inside a 2x2 block of tiles
func twoByTwo(t *testing.T) tiles.Bounds {
	t.Helper()
	x, y, err := tiles.TileIndexForPoint(-41.29, 174.78, testZoom, common.SchemeGoogle)
	require.NoError(t, err)
	nw, err := tiles.BoundsForTileIndex(x, y, testZoom, common.SchemeGoogle)
	require.NoError(t, err)
	se, err := tiles.BoundsForTileIndex(x+1, y+1, testZoom, common.SchemeGoogle)
	require.NoError(t, err)

	const inset = 1e-6
	return tiles.Bounds{North: nw.North - inset, West: nw.West + inset, South: se.South + inset, East: se.East - inset}
}

func TestRun_EndToEndTwoByTwo(t *testing.T) {
	ts := newTileServer(t)
	runner, tracker := newRunner(t, ts.URL)

	b := twoByTwo(t)
	job := New("wellington", "test_xyz", testZoom)
	job.Bounds = &b
	job.Stitch = true

	result, err := runner.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, int32(4), ts.requests.Load())
	assert.Equal(t, 4, result.Download.Requested)
	assert.Equal(t, 4, result.Download.Fetched)
	assert.Zero(t, result.Download.Failed)
	assert.Equal(t, StatusCompleted, job.Status)

	require.Len(t, result.Composites, 1)
	comp := result.Composites[0]
	require.Empty(t, comp.Error)

	f, err := os.Open(comp.Path)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Width)
	assert.Equal(t, 512, cfg.Height)

	saved, err := LoadFromFile(filepath.Join(result.OutputDir, job.SummaryFilename()))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, saved.Status)
	require.NotNil(t, saved.Result)
	assert.Equal(t, 4, saved.Result.Download.Fetched)

	assert.Equal(t, []string{"job_completed"}, tracker.events)
}

func TestRun_SecondRunUsesCache(t *testing.T) {
	ts := newTileServer(t)
	runner, _ := newRunner(t, ts.URL)
	b := twoByTwo(t)

	first := New("first", "test_xyz", testZoom)
	first.Bounds = &b
	_, err := runner.Run(context.Background(), first)
	require.NoError(t, err)

	second := New("second", "test_xyz", testZoom)
	second.Bounds = &b
	result, err := runner.Run(context.Background(), second)
	require.NoError(t, err)

	assert.Equal(t, int32(4), ts.requests.Load())
	assert.Equal(t, 4, result.Download.AlreadyCached)
	assert.Zero(t, result.Download.Fetched)
	assert.Empty(t, result.Composites)
}

func TestRun_FailedTilesFailOnlyTheirComposite(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()
	runner, _ := newRunner(t, srv.URL)

	b := twoByTwo(t)
	job := New("missing", "test_xyz", testZoom)
	job.Bounds = &b
	job.Stitch = true

	result, err := runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Download.Failed)
	assert.Len(t, result.Download.FailedKeys, 4)
	assert.Equal(t, StatusCompleted, job.Status)
	require.Len(t, result.Composites, 1)
	assert.Equal(t, "4 tiles missing", result.Composites[0].Error)
	assert.Equal(t, 1, result.FailedComposites())
}

func TestRun_GridSquare(t *testing.T) {
	ts := newTileServer(t)
	runner, _ := newRunner(t, ts.URL)
	b := twoByTwo(t)
	runner.GridSquares = stubGrids{"Wellington": {Name: "Wellington", NorthLat: b.North, SouthLat: b.South, EastLon: b.East, WestLon: b.West}}

	job := New("grid", "test_xyz", testZoom)
	job.GridSquare = "Wellington"
	result, err := runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Download.Requested)

	job = New("grid", "test_xyz", testZoom)
	job.GridSquare = "Nowhere"
	_, err = runner.Run(context.Background(), job)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestRun_Rejections(t *testing.T) {
	runner, _ := newRunner(t, "http://127.0.0.1:0")
	b := twoByTwo(t)

	job := New("x", "unknown", testZoom)
	job.Bounds = &b
	_, err := runner.Run(context.Background(), job)
	assert.ErrorIs(t, err, common.ErrUnknownSource)

	job = New("x", "test_xyz", 25)
	job.Bounds = &b
	_, err = runner.Run(context.Background(), job)
	assert.ErrorIs(t, err, common.ErrInvalidZoom)

	job = New("x", "test_xyz", testZoom)
	_, err = runner.Run(context.Background(), job)
	assert.ErrorIs(t, err, common.ErrInvalidBounds)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestRun_Cancelled(t *testing.T) {
	ts := newTileServer(t)
	runner, _ := newRunner(t, ts.URL)
	b := twoByTwo(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := New("cancelled", "test_xyz", testZoom)
	job.Bounds = &b
	job.Stitch = true
	result, err := runner.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Zero(t, result.Download.Fetched)
	assert.Empty(t, result.Composites)
}

type stubGrids map[string]gridsquare.GridSquare

func (s stubGrids) Find(_ context.Context, name string) (gridsquare.GridSquare, error) {
	gs, ok := s[name]
	if !ok {
		return gridsquare.GridSquare{}, common.ErrNotFound
	}
	return gs, nil
}
