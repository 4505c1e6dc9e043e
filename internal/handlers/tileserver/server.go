package tileserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"orthotiles/internal/cache"
	"orthotiles/internal/common"
	"orthotiles/internal/downloads"
	"orthotiles/internal/logger"
	"orthotiles/internal/source"
)

// DefaultMaxFallbackLevels is how many zoom levels the server climbs looking for a
// cached ancestor of a missing tile
const DefaultMaxFallbackLevels = 3

// TileFetcher fills the cache on a miss
type TileFetcher interface {
	Run(ctx context.Context, provider source.Provider, keys []common.TileKey) downloads.Summary
}

// Server serves cached tiles over loopback HTTP so map viewers can preview an area
type Server struct {
	sources           *source.Registry
	tileCache         *cache.TileCache
	fetcher           TileFetcher
	maxFallbackLevels int
	log               *logger.Logger

	httpServer    *http.Server
	tileServerURL string
}

// NewServer creates a new tile server instance. A nil fetcher serves the cache only.
func NewServer(sources *source.Registry, tileCache *cache.TileCache, fetcher TileFetcher, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		sources:           sources,
		tileCache:         tileCache,
		fetcher:           fetcher,
		maxFallbackLevels: DefaultMaxFallbackLevels,
		log:               log,
	}
}

// SetMaxFallbackLevels changes how far up the pyramid a missing tile is looked for.
// Zero disables the fallback.
func (s *Server) SetMaxFallbackLevels(n int) {
	s.maxFallbackLevels = max(n, 0)
}

// GetTileServerURL returns the tile server URL
func (s *Server) GetTileServerURL() string {
	return s.tileServerURL
}

// corsMiddleware lets browser-based map viewers on other origins load tiles
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"X-Cache-Status"},
		MaxAge:          24 * time.Hour,
	})
}

// requestLogger logs each request at a level matching its status
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if cs := c.Writer.Header().Get("X-Cache-Status"); cs != "" {
			fields["cache"] = cs
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			if len(c.Errors) > 0 {
				fields["errors"] = c.Errors.String()
			}
			log.Error("[TileServer] Request failed", nil, fields)
		case status >= 400:
			log.Debug("[TileServer] Request rejected", fields)
		default:
			log.Debug("[TileServer] Request completed", fields)
		}
	}
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(requestLogger(s.log.Component("http")), gin.Recovery(), corsMiddleware())

	router.GET("/tiles/:source/:z/:x/:y", s.handleTile)
	router.GET("/sources", s.handleSources)
	router.GET("/sources/:source/tile", s.handleTileAtPoint)
	router.GET("/stats", s.handleStats)
	return router
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and serves in the background
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start tile server: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	s.tileServerURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	s.log.Info("[TileServer] Started", map[string]interface{}{"url": s.tileServerURL})

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("[TileServer] Stopped", err, nil)
		}
	}()

	return nil
}

// Shutdown stops the server, waiting for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSources(c *gin.Context) {
	c.JSON(http.StatusOK, s.sources.All())
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.tileCache.Stats()
	if err != nil {
		s.log.Error("[TileServer] Failed to read cache stats", err, nil)
		c.String(http.StatusInternalServerError, "failed to read cache stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}
