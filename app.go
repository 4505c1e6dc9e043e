package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"orthotiles/internal/cache"
	"orthotiles/internal/common"
	"orthotiles/internal/config"
	"orthotiles/internal/downloads"
	"orthotiles/internal/gridsquare"
	"orthotiles/internal/jobs"
	"orthotiles/internal/logger"
	"orthotiles/internal/poi"
	"orthotiles/internal/ratelimit"
	"orthotiles/internal/source"
	"orthotiles/internal/store"
	"orthotiles/internal/telemetry"
	"orthotiles/internal/tiles"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// App holds every long-lived component of the tool
type App struct {
	mu           sync.Mutex
	settingsPath string
	settings     *config.UserSettings
	log          *logger.Logger

	store            *store.Store
	sources          *source.Registry
	tileCache        *cache.TileCache
	rateLimitHandler *ratelimit.Handler
	scheduler        *downloads.Scheduler
	grids            *gridsquare.Registry
	airports         *poi.Cache
	tracker          *telemetry.Tracker
	runner           *jobs.Runner
	queue            *jobs.Queue
}

// NewApp loads the settings at settingsPath and opens the database, cache and queue
func NewApp(ctx context.Context, settingsPath string, log *logger.Logger) (*App, error) {
	if settingsPath == "" {
		settingsPath = config.GetSettingsPath()
	}
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	if settings.LogLevel != "" && !log.SetLevel(settings.LogLevel) {
		log.Warn("[App] Unknown log level, keeping default", map[string]interface{}{"logLevel": settings.LogLevel})
	}
	log.Debug("[App] Settings loaded", map[string]interface{}{"path": settingsPath})

	a := &App{settingsPath: settingsPath, settings: settings, log: log}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	s := a.settings

	providers, err := s.Providers()
	if err != nil {
		return err
	}
	a.sources, err = source.NewRegistry(providers...)
	if err != nil {
		return err
	}

	a.store, err = store.Open(ctx, s.DatabaseDirectory, a.log.Component("store"))
	if err != nil {
		return err
	}

	a.tileCache, err = cache.NewTileCache(s.CacheDirectory, a.log.Component("cache"), providers...)
	if err != nil {
		return fmt.Errorf("failed to initialize tile cache: %w", err)
	}

	a.rateLimitHandler = ratelimit.NewHandler(ratelimit.DefaultRetryStrategy(), a.log.Component("ratelimit"))
	a.rateLimitHandler.SetOnRateLimit(func(event ratelimit.RateLimitEvent) {
		a.log.Warn("[App] "+event.Message, map[string]interface{}{"source": event.Provider})
	})

	fetcher := downloads.NewHTTPFetcher(s.UserAgent, s.RequestTimeout(), a.rateLimitHandler)
	a.scheduler, err = downloads.NewScheduler(a.tileCache, fetcher, s.DownloadConfig(),
		downloads.WithLogger(a.log.Component("downloads")),
		downloads.WithProgress(func(p downloads.DownloadProgress) {
			a.log.Debug("[App] "+p.Status, map[string]interface{}{"percent": p.Percent})
		}),
	)
	if err != nil {
		return err
	}

	a.grids = gridsquare.NewRegistry(a.store, a.log.Component("gridsquare"))
	a.airports = poi.NewCache(a.store, a.log.Component("poi"))

	key, host := s.PostHogKey, s.PostHogHost
	if key == "" {
		key, host = PostHogKey, PostHogHost
	}
	installID, err := telemetry.InstallID(config.BaseDir())
	if err != nil {
		a.log.Warn("[App] No install id, telemetry disabled", map[string]interface{}{"error": err.Error()})
		key = ""
	}
	a.tracker = telemetry.New(key, host, installID, AppVersion, a.log.Component("telemetry"))

	a.runner = &jobs.Runner{
		Sources:         a.sources,
		Cache:           a.tileCache,
		Scheduler:       a.scheduler,
		GridSquares:     a.grids,
		Tracker:         a.tracker,
		WorkDir:         s.WorkingDirectory,
		MaxTilesPerAxis: s.MaxTilesPerStitchedImage,
		Log:             a.log.Component("jobs"),
	}

	a.queue, err = jobs.NewQueue(filepath.Join(s.WorkingDirectory, "queue"), a.runner, a.log.Component("queue"))
	if err != nil {
		return err
	}
	return nil
}

// Close releases the database and flushes telemetry
func (a *App) Close() {
	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil {
			a.log.Warn("[App] Failed to flush telemetry", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("[App] Failed to close database", err, nil)
		}
	}
}

// AcquireRequest describes one acquisition from the command line
type AcquireRequest struct {
	Name       string
	SourceID   string
	Zoom       *int // nil uses the default zoom
	Bounds     *tiles.Bounds
	GridSquare string
	Stitch     bool
	Format     string
	OutputDir  string
	Priority   int
}

func (a *App) newJob(req AcquireRequest) (*jobs.Job, error) {
	sourceID := req.SourceID
	if sourceID == "" {
		sourceID = a.settings.DefaultSource
	}
	zoom := a.settings.DefaultZoom
	if req.Zoom != nil {
		zoom = *req.Zoom
	}
	name := req.Name
	if name == "" {
		name = req.GridSquare
	}

	job := jobs.New(name, sourceID, zoom)
	job.Bounds = req.Bounds
	job.GridSquare = req.GridSquare
	job.Stitch = req.Stitch
	job.OutputDir = req.OutputDir
	job.Priority = req.Priority
	job.Format = a.settings.Format()
	if req.Format != "" {
		f, err := common.ParseOutputFormat(req.Format)
		if err != nil {
			return nil, err
		}
		job.Format = f
	}
	return job, nil
}

// Acquire runs one acquisition job immediately
func (a *App) Acquire(ctx context.Context, req AcquireRequest) (*jobs.Job, error) {
	job, err := a.newJob(req)
	if err != nil {
		return nil, err
	}
	_, err = a.runner.Run(ctx, job)
	a.warnIfThrottled(job.SourceID)
	return job, err
}

func (a *App) warnIfThrottled(sourceID string) {
	if !a.IsRateLimited(sourceID) {
		return
	}
	if state := a.GetRateLimitStatus(sourceID); state != nil {
		a.log.Warn("[App] Source is throttling requests", map[string]interface{}{
			"source":      sourceID,
			"status":      state.StatusCode,
			"nextRetryAt": state.NextRetryAt.Format(time.RFC3339),
		})
	}
}

// Enqueue adds an acquisition job to the persistent queue
func (a *App) Enqueue(req AcquireRequest) (*jobs.Job, error) {
	job, err := a.newJob(req)
	if err != nil {
		return nil, err
	}
	if _, _, err := a.runner.Plan(context.Background(), job); err != nil {
		return nil, err
	}
	if err := a.queue.Add(job); err != nil {
		return nil, err
	}
	return job, nil
}

// RefreshAirports reloads the airport cache from file when it is stale, or always
// when force is set
func (a *App) RefreshAirports(ctx context.Context, file string, force bool) (bool, error) {
	load := func(context.Context) ([]poi.Airport, error) {
		return poi.LoadFile(file)
	}
	if force {
		airports, err := load(ctx)
		if err != nil {
			return false, err
		}
		return true, a.airports.Refresh(ctx, airports)
	}
	return a.airports.RefreshIfStale(ctx, a.settings.AirportMaxAge(), load)
}
