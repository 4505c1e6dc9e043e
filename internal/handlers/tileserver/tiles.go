package tileserver

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"orthotiles/internal/common"
	"orthotiles/internal/source"
)

// parseTilePath reads z, x and y from the request. y may carry an extension.
func parseTilePath(c *gin.Context) (z, x, y int, err error) {
	if z, err = strconv.Atoi(c.Param("z")); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid zoom level")
	}
	if x, err = strconv.Atoi(c.Param("x")); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid X coordinate")
	}
	yStr := c.Param("y")
	yStr = strings.TrimSuffix(yStr, path.Ext(yStr))
	if y, err = strconv.Atoi(yStr); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Y coordinate")
	}
	return z, x, y, nil
}

func contentType(provider source.Provider, data []byte) string {
	if ct := mime.TypeByExtension("." + provider.ImageExtension); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

func writeTile(c *gin.Context, data []byte, ct, status string) {
	c.Header("Cache-Control", "public, max-age=86400")
	c.Header("X-Cache-Status", status)
	c.Data(http.StatusOK, ct, data)
}

// handleTile serves /tiles/{source}/{z}/{x}/{y}. Lookup order: cache, fetch-through
// (when configured), then an upscaled quadrant of a cached ancestor tile.
func (s *Server) handleTile(c *gin.Context) {
	provider, err := s.sources.Lookup(c.Param("source"))
	if err != nil {
		c.String(http.StatusNotFound, err.Error())
		return
	}

	z, x, y, err := parseTilePath(c)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if err := provider.ValidateZoom(z); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if limit := 1 << z; x < 0 || y < 0 || x >= limit || y >= limit {
		c.String(http.StatusBadRequest, "tile index out of range")
		return
	}

	key := provider.Key(z, x, y)
	log := s.log.Tile(key)

	if data, err := s.tileCache.Read(key); err == nil {
		writeTile(c, data, contentType(provider, data), "HIT")
		return
	} else if !errors.Is(err, common.ErrTileNotFound) {
		log.Error("[TileServer] Cache read failed", err, nil)
		c.String(http.StatusInternalServerError, "cache read failed")
		return
	}

	if s.fetcher != nil {
		summary := s.fetcher.Run(c.Request.Context(), provider, []common.TileKey{key})
		if summary.Fetched > 0 || summary.AlreadyCached > 0 {
			if data, err := s.tileCache.Read(key); err == nil {
				writeTile(c, data, contentType(provider, data), "MISS")
				return
			}
		}
		log.Debug("[TileServer] Fetch-through failed", map[string]interface{}{"failed": summary.Failed})
	}

	if data, level, err := s.fallbackTile(provider, key); err == nil {
		log.Debug("[TileServer] Served from ancestor", map[string]interface{}{"ancestorZoom": level})
		writeTile(c, data, "image/png", "FALLBACK")
		return
	}

	c.String(http.StatusNotFound, "tile not cached")
}
