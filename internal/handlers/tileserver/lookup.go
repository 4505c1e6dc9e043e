package tileserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"orthotiles/internal/common"
	"orthotiles/internal/tiles"
)

// TileAtPointRequest represents the query parameters of the tile lookup endpoint
type TileAtPointRequest struct {
	Lat  *float64 `form:"lat" binding:"required,min=-90,max=90"`
	Lon  *float64 `form:"lon" binding:"required,min=-180,max=180"`
	Zoom int      `form:"zoom" binding:"min=0,max=23"`
}

// TileAtPointResponse describes the tile containing a point
type TileAtPointResponse struct {
	SourceID string       `json:"sourceId"`
	Zoom     int          `json:"zoom"`
	X        int          `json:"x"`
	Y        int          `json:"y"`
	Bounds   tiles.Bounds `json:"bounds"`
	URL      string       `json:"url"`
	Cached   bool         `json:"cached"`
}

// validationDetails turns binding errors into field -> message
func validationDetails(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, err := range errs {
		switch err.Tag() {
		case "required":
			details[err.Field()] = "This field is required"
		case "min":
			details[err.Field()] = "Value is too small (minimum: " + err.Param() + ")"
		case "max":
			details[err.Field()] = "Value is too large (maximum: " + err.Param() + ")"
		default:
			details[err.Field()] = "Validation failed for tag: " + err.Tag()
		}
	}
	return details
}

// handleTileAtPoint serves GET /sources/:source/tile?lat=&lon=&zoom=
func (s *Server) handleTileAtPoint(c *gin.Context) {
	provider, err := s.sources.Lookup(c.Param("source"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req TileAtPointRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters", "details": validationDetails(verrs)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
		return
	}
	if err := provider.ValidateZoom(req.Zoom); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	x, y, err := tiles.TileIndexForPoint(*req.Lat, *req.Lon, req.Zoom, provider.Scheme)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, common.ErrOutOfProjectionRange) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	bounds, err := tiles.BoundsForTileIndex(x, y, req.Zoom, provider.Scheme)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, TileAtPointResponse{
		SourceID: provider.SourceID,
		Zoom:     req.Zoom,
		X:        x,
		Y:        y,
		Bounds:   bounds,
		URL:      provider.URLFor(x, y, req.Zoom),
		Cached:   s.tileCache.Has(provider.Key(req.Zoom, x, y)),
	})
}
