package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"orthotiles/internal/cache"
	"orthotiles/internal/common"
	"orthotiles/internal/downloads"
	"orthotiles/internal/gridsquare"
	"orthotiles/internal/imagery"
	"orthotiles/internal/logger"
	"orthotiles/internal/source"
	"orthotiles/internal/tiles"
	"orthotiles/internal/utils/naming"
)

// GridSquareFinder resolves a grid square by name
type GridSquareFinder interface {
	Find(ctx context.Context, name string) (gridsquare.GridSquare, error)
}

// Tracker receives job events
type Tracker interface {
	Track(event string, props map[string]interface{})
}

// Runner executes jobs end to end: resolve the area, download the missing tiles,
// stitch and record the outcome next to the output.
type Runner struct {
	Sources         *source.Registry
	Cache           *cache.TileCache
	Scheduler       *downloads.Scheduler
	GridSquares     GridSquareFinder // optional
	Tracker         Tracker          // optional
	WorkDir         string
	MaxTilesPerAxis int
	Log             *logger.Logger
}

func (r *Runner) logger() *logger.Logger {
	if r.Log == nil {
		return logger.Nop()
	}
	return r.Log
}

// resolveBounds returns the job's area
func (r *Runner) resolveBounds(ctx context.Context, job *Job) (tiles.Bounds, error) {
	if job.GridSquare != "" {
		if r.GridSquares == nil {
			return tiles.Bounds{}, fmt.Errorf("grid square %q requested but no registry is configured", job.GridSquare)
		}
		gs, err := r.GridSquares.Find(ctx, job.GridSquare)
		if err != nil {
			return tiles.Bounds{}, err
		}
		return gs.Bounds(), nil
	}
	if job.Bounds == nil {
		return tiles.Bounds{}, fmt.Errorf("%w: job has neither bounds nor grid square", common.ErrInvalidBounds)
	}
	return *job.Bounds, nil
}

// Plan resolves the provider and tile rectangle of a job without doing any I/O
// beyond the grid square lookup.
func (r *Runner) Plan(ctx context.Context, job *Job) (source.Provider, common.TileRect, error) {
	provider, err := r.Sources.Lookup(job.SourceID)
	if err != nil {
		return source.Provider{}, common.TileRect{}, err
	}
	if err := provider.ValidateZoom(job.Zoom); err != nil {
		return source.Provider{}, common.TileRect{}, err
	}
	bounds, err := r.resolveBounds(ctx, job)
	if err != nil {
		return source.Provider{}, common.TileRect{}, err
	}
	rect, err := tiles.RectForBounds(bounds, job.Zoom, provider.Scheme)
	if err != nil {
		return source.Provider{}, common.TileRect{}, err
	}
	rect.SourceID = provider.SourceID
	return provider, rect, nil
}

// Run executes job. Tile and composite failures are reported in the result; the
// error is only set when the job could not run at all. A cancelled job still
// returns what it achieved.
func (r *Runner) Run(ctx context.Context, job *Job) (*Result, error) {
	log := r.logger().With(map[string]interface{}{"job": job.ID, "name": job.Name})
	job.MarkStarted()

	provider, rect, err := r.Plan(ctx, job)
	if err != nil {
		job.MarkFailed(err)
		log.Error("[Jobs] Job rejected", err, nil)
		return nil, err
	}

	outputDir := job.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(r.WorkDir, naming.GenerateOutputDirName(job.Name, provider.SourceID, job.Zoom))
	}
	result := &Result{Rect: rect, OutputDir: outputDir}

	log.Info("[Jobs] Starting", map[string]interface{}{"rect": rect.String(), "tiles": rect.Count()})
	result.Download = r.Scheduler.Run(ctx, provider, rect.Keys())

	if job.Stitch && ctx.Err() == nil {
		if err := r.stitch(ctx, job, provider, rect, result); err != nil {
			job.MarkFailed(err)
			r.save(job, outputDir, log)
			return result, err
		}
	}

	if ctx.Err() != nil {
		job.MarkCancelled(result)
		log.Warn("[Jobs] Cancelled", map[string]interface{}{"pending": result.Download.Pending})
	} else {
		job.MarkCompleted(result)
		log.Info("[Jobs] Completed", map[string]interface{}{
			"fetched":          result.Download.Fetched,
			"cached":           result.Download.AlreadyCached,
			"failed":           result.Download.Failed,
			"composites":       len(result.Composites),
			"failedComposites": result.FailedComposites(),
		})
	}
	r.save(job, outputDir, log)

	if r.Tracker != nil {
		r.Tracker.Track("job_"+string(job.Status), map[string]interface{}{
			"source":     provider.SourceID,
			"zoom":       job.Zoom,
			"tiles":      rect.Count(),
			"fetched":    result.Download.Fetched,
			"failed":     result.Download.Failed,
			"composites": len(result.Composites),
		})
	}
	return result, nil
}

func (r *Runner) stitch(ctx context.Context, job *Job, provider source.Provider, rect common.TileRect, result *Result) error {
	budget := r.MaxTilesPerAxis
	if budget == 0 {
		budget = imagery.DefaultMaxTilesPerAxis
	}
	stitcher, err := imagery.NewStitcher(r.Cache, provider, budget, r.logger())
	if err != nil {
		return err
	}
	format := job.Format
	if format == "" {
		format = common.FormatPNG
	}

	outputs, err := stitcher.StitchTo(ctx, rect, result.OutputDir, format)
	if err != nil {
		return err
	}
	for _, out := range outputs {
		cr := CompositeResult{Rect: out.Rect, Path: out.Path, SidecarPath: out.SidecarPath}
		if out.Err != nil {
			cr.Error = out.Err.Error()
			var incomplete *common.IncompleteTileSetError
			if errors.As(out.Err, &incomplete) {
				cr.Error = fmt.Sprintf("%d tiles missing", len(incomplete.Missing))
			}
		}
		result.Composites = append(result.Composites, cr)
	}
	return nil
}

func (r *Runner) save(job *Job, dir string, log *logger.Logger) {
	path, err := job.SaveToFile(dir)
	if err != nil {
		log.Error("[Jobs] Failed to save job summary", err, map[string]interface{}{"dir": dir})
		return
	}
	log.Debug("[Jobs] Saved job summary", map[string]interface{}{"path": path})
}
