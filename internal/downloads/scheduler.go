package downloads

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"orthotiles/internal/cache"
	"orthotiles/internal/common"
	"orthotiles/internal/logger"
	"orthotiles/internal/ratelimit"
	"orthotiles/internal/source"
)

// TileStore is the part of the tile cache the scheduler needs
type TileStore interface {
	Has(key common.TileKey) bool
	Put(key common.TileKey, data []byte) (cache.TileRecord, error)
}

// Summary reports what one Run did with each requested tile
type Summary struct {
	Requested     int              `json:"requested"`
	AlreadyCached int              `json:"alreadyCached"`
	Fetched       int              `json:"fetched"`
	Failed        int              `json:"failed"`
	Pending       int              `json:"pending"`
	FailedKeys    []common.TileKey `json:"failedKeys,omitempty"`
	Cancelled     bool             `json:"cancelled"`
	Duration      time.Duration    `json:"duration"`
}

// Complete reports whether every requested tile is now in the cache
func (s Summary) Complete() bool {
	return s.Failed == 0 && s.Pending == 0 && !s.Cancelled
}

type outcome int

const (
	outcomeFetched outcome = iota
	outcomeCached
	outcomeFailed
	outcomePending
)

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the scheduler logger
func WithLogger(log *logger.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithProgress sets the progress callback. It is called from worker goroutines.
func WithProgress(callback func(DownloadProgress)) Option {
	return func(s *Scheduler) { s.progressCallback = callback }
}

// WithRandom replaces the jitter source, mainly for tests. n returns a value in [0, n).
func WithRandom(n func(int64) int64) Option {
	return func(s *Scheduler) { s.randN = n }
}

// Scheduler fetches missing tiles into the cache with a bounded worker pool
type Scheduler struct {
	store    TileStore
	fetcher  Fetcher
	cfg      Config
	strategy *ratelimit.RetryStrategy

	// shared by every Run so concurrent jobs respect one ceiling
	sem    *semaphore.Weighted
	flight singleflight.Group

	sharedMu sync.Mutex
	shared   map[string]*sharedFetch

	log              *logger.Logger
	progressCallback func(DownloadProgress)
	randN            func(int64) int64
}

// NewScheduler creates a scheduler writing into store
func NewScheduler(store TileStore, fetcher Fetcher, cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		store:   store,
		fetcher: fetcher,
		cfg:     cfg,
		strategy: &ratelimit.RetryStrategy{
			Base:       cfg.BackoffBase,
			Max:        cfg.BackoffMax,
			MaxRetries: cfg.MaxRetries,
		},
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		shared: make(map[string]*sharedFetch),
		log:    logger.Nop(),
		randN:  rand.Int64N,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run ensures every key is in the cache. Tiles already cached are never fetched;
// the rest are dispatched to min(MaxConcurrent, n) workers. Per-tile failures are
// recorded in the summary and never abort the run. On cancellation no new work is
// dispatched, in-flight requests are allowed to settle and the summary counts the
// remainder as pending.
func (s *Scheduler) Run(ctx context.Context, provider source.Provider, keys []common.TileKey) Summary {
	start := time.Now()
	keys = lo.Uniq(keys)
	todo, cached := lo.FilterReject(keys, func(k common.TileKey, _ int) bool {
		return !s.store.Has(k)
	})

	summary := Summary{Requested: len(keys), AlreadyCached: len(cached)}
	log := s.log.Source(provider.SourceID)

	if len(todo) == 0 {
		summary.Duration = time.Since(start)
		log.Info("[Scheduler] All tiles already cached", map[string]interface{}{"tiles": len(keys)})
		return summary
	}

	workers := min(s.cfg.MaxConcurrent, len(todo))
	log.Info("[Scheduler] Starting download", map[string]interface{}{
		"requested": len(keys),
		"cached":    len(cached),
		"missing":   len(todo),
		"workers":   workers,
	})

	var (
		mu      sync.Mutex
		settled int
		wg      sync.WaitGroup
	)
	record := func(key common.TileKey, o outcome) {
		mu.Lock()
		switch o {
		case outcomeFetched:
			summary.Fetched++
		case outcomeCached:
			summary.AlreadyCached++
		case outcomeFailed:
			summary.Failed++
			summary.FailedKeys = append(summary.FailedKeys, key)
		case outcomePending:
			mu.Unlock()
			return
		}
		settled++
		progress := DownloadProgress{
			Downloaded: settled,
			Total:      len(todo),
			Percent:    settled * 100 / len(todo),
			Status:     fmt.Sprintf("Downloading %d/%d tiles", settled, len(todo)),
			SourceID:   provider.SourceID,
		}
		mu.Unlock()
		s.emitProgress(progress)
	}

	tileChan := make(chan common.TileKey)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first := true
			for key := range tileChan {
				if !first {
					if err := sleepCtx(ctx, s.nextDelay()); err != nil {
						record(key, outcomePending)
						continue
					}
				}
				first = false
				record(key, s.fetchOne(ctx, provider, key, log))
			}
		}()
	}

dispatch:
	for _, key := range todo {
		select {
		case <-ctx.Done():
			break dispatch
		case tileChan <- key:
		}
	}
	close(tileChan)
	wg.Wait()

	summary.Pending = len(todo) - summary.Fetched - summary.Failed - (summary.AlreadyCached - len(cached))
	summary.Cancelled = ctx.Err() != nil
	summary.Duration = time.Since(start)

	fields := map[string]interface{}{
		"fetched":  summary.Fetched,
		"cached":   summary.AlreadyCached,
		"failed":   summary.Failed,
		"pending":  summary.Pending,
		"duration": summary.Duration.String(),
	}
	if summary.Cancelled {
		log.Warn("[Scheduler] Download cancelled", fields)
	} else {
		log.Info("[Scheduler] Download finished", fields)
	}
	return summary
}

// sharedFetch is the context of one collapsed fetch. It is cancelled only once every
// job waiting on it has gone.
type sharedFetch struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (s *Scheduler) join(ctx context.Context, key string) *sharedFetch {
	s.sharedMu.Lock()
	defer s.sharedMu.Unlock()
	sf, ok := s.shared[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		sf = &sharedFetch{ctx: fctx, cancel: cancel}
		s.shared[key] = sf
	}
	sf.waiters++
	return sf
}

func (s *Scheduler) leave(key string, sf *sharedFetch) {
	s.sharedMu.Lock()
	defer s.sharedMu.Unlock()
	sf.waiters--
	if sf.waiters > 0 {
		return
	}
	sf.cancel()
	if s.shared[key] == sf {
		delete(s.shared, key)
	}
}

// fetchOne fetches a tile with retries. Concurrent requests for the same key, from any
// job sharing this scheduler, collapse into one fetch that outlives any single job:
// a cancelled job stops waiting at once, the others keep the fetch going.
func (s *Scheduler) fetchOne(ctx context.Context, provider source.Provider, key common.TileKey, log *logger.Logger) outcome {
	name := key.String()
	for {
		sf := s.join(ctx, name)
		leader := false
		ch := s.flight.DoChan(name, func() (interface{}, error) {
			leader = true
			if s.store.Has(key) {
				return outcomeCached, nil
			}
			return s.fetchWithRetry(sf.ctx, provider, key, log), nil
		})

		select {
		case <-ctx.Done():
			s.leave(name, sf)
			return outcomePending
		case res := <-ch:
			s.leave(name, sf)
			o := res.Val.(outcome)
			if o == outcomePending && ctx.Err() == nil {
				// the fetch we joined was abandoned by every job that started it
				continue
			}
			if !leader && o == outcomeFetched {
				// joined another job's request
				return outcomeCached
			}
			return o
		}
	}
}

func (s *Scheduler) fetchWithRetry(ctx context.Context, provider source.Provider, key common.TileKey, log *logger.Logger) outcome {
	url := provider.URLForKey(key)

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return outcomePending
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return outcomePending
		}
		data, err := s.fetcher.Fetch(ctx, url, key)
		s.sem.Release(1)

		if err == nil {
			if _, err := s.store.Put(key, data); err != nil {
				log.Error("[Scheduler] Failed to cache tile", err, map[string]interface{}{"tile": key.String()})
				return outcomeFailed
			}
			return outcomeFetched
		}

		if ctx.Err() != nil {
			return outcomePending
		}

		transient := errors.Is(err, common.ErrTransientFetch)
		if !transient || attempt >= s.cfg.MaxRetries {
			log.Warn("[Scheduler] Tile failed", map[string]interface{}{
				"tile":     key.String(),
				"attempts": attempt + 1,
				"error":    err.Error(),
			})
			return outcomeFailed
		}

		wait := s.strategy.Backoff(attempt)
		log.Debug("[Scheduler] Retrying tile", map[string]interface{}{
			"tile":    key.String(),
			"attempt": attempt + 1,
			"wait":    wait.String(),
		})
		if err := sleepCtx(ctx, wait); err != nil {
			return outcomePending
		}
	}
}

// nextDelay draws uniformly from [Delay-DelayJitter, Delay+DelayJitter], floored at 0
func (s *Scheduler) nextDelay() time.Duration {
	return JitteredDelay(s.cfg.Delay, s.cfg.DelayJitter, s.randN)
}

// JitteredDelay returns base shifted by a uniform offset in [-jitter, +jitter], never
// negative. randN must return a value in [0, n).
func JitteredDelay(base, jitter time.Duration, randN func(int64) int64) time.Duration {
	d := base
	if jitter > 0 {
		d = base - jitter + time.Duration(randN(int64(2*jitter)+1))
	}
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) emitProgress(progress DownloadProgress) {
	if s.progressCallback != nil {
		s.progressCallback(progress)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
