package main

import (
	"context"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"orthotiles/internal/config"
	"orthotiles/internal/gridsquare"
	"orthotiles/internal/handlers/tileserver"
	"orthotiles/internal/tiles"
)

type boundsFlags struct {
	fs                       *flag.FlagSet
	north, south, east, west float64
}

func addBoundsFlags(fs *flag.FlagSet) *boundsFlags {
	b := &boundsFlags{fs: fs}
	fs.Float64Var(&b.north, "north", 0, "north latitude")
	fs.Float64Var(&b.south, "south", 0, "south latitude")
	fs.Float64Var(&b.east, "east", 0, "east longitude")
	fs.Float64Var(&b.west, "west", 0, "west longitude")
	return b
}

// get returns nil when no edge was given
func (b *boundsFlags) get() (*tiles.Bounds, error) {
	set := 0
	for _, name := range []string{"north", "south", "east", "west"} {
		if b.fs.Changed(name) {
			set++
		}
	}
	if set == 0 {
		return nil, nil
	}
	if set != 4 {
		return nil, fmt.Errorf("--north, --south, --east and --west must be given together")
	}
	bounds := tiles.Bounds{North: b.north, South: b.south, East: b.east, West: b.west}
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	return &bounds, nil
}

func cmdAcquire(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("acquire", flag.ContinueOnError)
	var req AcquireRequest
	fs.StringVar(&req.Name, "name", "", "job name, used for the output directory")
	fs.StringVar(&req.SourceID, "source", "", "source id (default from settings)")
	zoom := fs.Int("zoom", 0, "zoom level (default from settings)")
	fs.StringVar(&req.GridSquare, "grid", "", "grid square name instead of bounds")
	fs.BoolVar(&req.Stitch, "stitch", false, "stitch the tiles into composite images")
	fs.StringVar(&req.Format, "format", "", "composite format: png, jpeg, webp or geotiff")
	fs.StringVar(&req.OutputDir, "out", "", "output directory")
	fs.IntVar(&req.Priority, "priority", 0, "queue priority, higher runs first")
	queue := fs.Bool("queue", false, "add to the job queue instead of running now")
	bf := addBoundsFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	bounds, err := bf.get()
	if err != nil {
		return err
	}
	req.Bounds = bounds
	if fs.Changed("zoom") {
		req.Zoom = zoom
	}

	if *queue {
		job, err := a.Enqueue(req)
		if err != nil {
			return err
		}
		return printJSON(job)
	}

	job, err := a.Acquire(ctx, req)
	if job != nil {
		if perr := printJSON(job); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func cmdGrid(ctx context.Context, a *App, args []string) error {
	sub, args, err := subcommand("grid", args, "add", "list", "show", "delete", "derive")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("grid "+sub, flag.ContinueOnError)

	switch sub {
	case "add":
		bf := addBoundsFlags(fs)
		level := fs.Int("level", 0, "zoom level the square was drawn at")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("grid add: expected one name")
		}
		bounds, err := bf.get()
		if err != nil {
			return err
		}
		if bounds == nil {
			return fmt.Errorf("grid add: bounds are required")
		}
		gs := gridsquare.GridSquare{
			Name:     fs.Arg(0),
			NorthLat: bounds.North,
			SouthLat: bounds.South,
			EastLon:  bounds.East,
			WestLon:  bounds.West,
			Level:    *level,
		}
		if err := a.grids.Create(ctx, &gs); err != nil {
			return err
		}
		return printJSON(gs)

	case "list":
		if err := fs.Parse(args); err != nil {
			return err
		}
		squares, err := a.grids.List(ctx)
		if err != nil {
			return err
		}
		return printJSON(squares)

	case "show":
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("grid show: expected one name")
		}
		gs, err := a.grids.Find(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		return printJSON(gs)

	case "delete":
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("grid delete: expected one name")
		}
		return a.grids.DeleteByName(ctx, fs.Arg(0))

	default: // derive
		lat := fs.Float64("lat", 0, "latitude")
		lon := fs.Float64("lon", 0, "longitude")
		level := fs.Int("level", 12, "zoom level of the derived square")
		if err := fs.Parse(args); err != nil {
			return err
		}
		gs, err := a.grids.EnsureDerived(ctx, *lat, *lon, *level)
		if err != nil {
			return err
		}
		return printJSON(gs)
	}
}

func cmdAirports(ctx context.Context, a *App, args []string) error {
	sub, args, err := subcommand("airports", args, "status", "list", "refresh")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("airports "+sub, flag.ContinueOnError)

	switch sub {
	case "status":
		if err := fs.Parse(args); err != nil {
			return err
		}
		last, err := a.airports.LastRefreshed(ctx)
		if err != nil {
			return err
		}
		stale, err := a.airports.IsStale(ctx, a.settings.AirportMaxAge())
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"lastRefreshed": last.Format(time.RFC3339),
			"stale":         stale,
		})

	case "list":
		if err := fs.Parse(args); err != nil {
			return err
		}
		airports, err := a.airports.GetAll(ctx)
		if err != nil {
			return err
		}
		return printJSON(airports)

	default: // refresh
		file := fs.String("file", "", "JSON file with the airport records")
		force := fs.Bool("force", false, "refresh even when the cache is fresh")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *file == "" {
			return fmt.Errorf("airports refresh: --file is required")
		}
		refreshed, err := a.RefreshAirports(ctx, *file, *force)
		if err != nil {
			return err
		}
		return printJSON(map[string]bool{"refreshed": refreshed})
	}
}

func cmdServe(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", a.settings.ServerAddr, "listen address")
	fallback := fs.Int("fallback", tileserver.DefaultMaxFallbackLevels, "zoom levels to climb for a missing tile")
	offline := fs.Bool("offline", false, "serve the cache only, never fetch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var fetcher tileserver.TileFetcher
	if !*offline {
		fetcher = a.scheduler
	}
	server := tileserver.NewServer(a.sources, a.tileCache, fetcher, a.log.Component("tileserver"))
	server.SetMaxFallbackLevels(*fallback)
	if err := server.Start(*addr); err != nil {
		return err
	}
	a.tracker.Track("server_started", map[string]interface{}{"offline": *offline})
	fmt.Println(server.GetTileServerURL())

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func cmdCache(_ context.Context, a *App, args []string) error {
	sub, args, err := subcommand("cache", args, "stats", "clear")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("cache "+sub, flag.ContinueOnError)

	if sub == "stats" {
		if err := fs.Parse(args); err != nil {
			return err
		}
		stats, err := a.GetCacheStats()
		if err != nil {
			return err
		}
		return printJSON(stats)
	}

	sourceID := fs.String("source", "", "only clear this source")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.ClearCache(*sourceID)
}

func cmdSources(ctx context.Context, a *App, args []string) error {
	sub, args, err := subcommand("sources", args, "list", "add", "remove", "import-wmts", "wmts-layers")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("sources "+sub, flag.ContinueOnError)

	switch sub {
	case "list":
		if err := fs.Parse(args); err != nil {
			return err
		}
		return printJSON(a.sources.All())

	case "add":
		var cs config.CustomSource
		fs.StringVar(&cs.ID, "id", "", "source id (default derived from the name)")
		fs.StringVar(&cs.Name, "name", "", "display name")
		fs.StringVar(&cs.Type, "type", "xyz", "tile scheme: xyz or tms")
		fs.StringVar(&cs.URL, "url", "", "URL template with {zoom}, {x} and {y}")
		fs.StringVar(&cs.Attribution, "attribution", "", "attribution text")
		fs.IntVar(&cs.TileSize, "tile-size", 256, "tile size in pixels")
		fs.StringVar(&cs.Extension, "ext", "png", "tile file extension")
		fs.IntVar(&cs.MinZoom, "min-zoom", 0, "minimum zoom")
		fs.IntVar(&cs.MaxZoom, "max-zoom", 19, "maximum zoom")
		if err := fs.Parse(args); err != nil {
			return err
		}
		cs.Enabled = true
		return a.AddCustomSource(cs)

	case "remove":
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("sources remove: expected one id or name")
		}
		return a.RemoveCustomSource(fs.Arg(0))

	case "wmts-layers":
		url := fs.String("url", "", "WMTS capabilities URL")
		if err := fs.Parse(args); err != nil {
			return err
		}
		layers, err := a.FetchWMTSLayers(ctx, *url)
		if err != nil {
			return err
		}
		return printJSON(layers)

	default: // import-wmts
		url := fs.String("url", "", "WMTS capabilities URL")
		layer := fs.String("layer", "", "layer identifier")
		attribution := fs.String("attribution", "", "attribution text")
		if err := fs.Parse(args); err != nil {
			return err
		}
		cs, err := a.ImportWMTSLayer(ctx, *url, *layer, *attribution)
		if err != nil {
			return err
		}
		return printJSON(cs)
	}
}

func cmdSettings(_ context.Context, a *App, args []string) error {
	sub, _, err := subcommand("settings", args, "show", "path")
	if err != nil {
		return err
	}
	if sub == "path" {
		fmt.Println(a.GetSettingsPath())
		return nil
	}
	s := a.GetSettings()
	s.PostHogKey = ""
	return printJSON(s)
}

func cmdQueue(ctx context.Context, a *App, args []string) error {
	sub, args, err := subcommand("queue", args, "list", "status", "run", "cancel", "delete", "clear")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("queue "+sub, flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch sub {
	case "list":
		return printJSON(a.queue.All())
	case "status":
		return printJSON(a.queue.Status())
	case "run":
		ran, err := a.queue.Run(ctx)
		a.log.Info("[Main] Queue run finished", map[string]interface{}{"jobs": ran})
		if err != nil {
			return err
		}
		return printJSON(a.queue.Status())
	case "clear":
		return a.queue.ClearFinished()
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("queue %s: expected one job id", sub)
	}
	if sub == "cancel" {
		return a.queue.Cancel(fs.Arg(0))
	}
	return a.queue.Delete(fs.Arg(0))
}
