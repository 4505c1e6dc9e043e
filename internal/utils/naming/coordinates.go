package naming

import (
	"fmt"
	"math"
	"strings"

	"orthotiles/internal/common"
	"orthotiles/internal/tiles"
)

// GenerateQuadkey returns the quadkey of the tile containing the centre of a bbox
func GenerateQuadkey(south, west, north, east float64, zoom int) string {
	centerLat := tiles.ClampLatitude((south + north) / 2)
	centerLon := (west + east) / 2

	x, y, err := tiles.TileIndexForPoint(centerLat, centerLon, zoom, common.SchemeGoogle)
	if err != nil {
		return ""
	}
	return tiles.Quadkey(x, y, zoom)
}

// GenerateBBoxString creates a human-readable bbox string for filenames
func GenerateBBoxString(south, west, north, east float64) string {
	return fmt.Sprintf("%s-%s_%s-%s",
		SanitizeCoordinate(south, true),
		SanitizeCoordinate(north, true),
		SanitizeCoordinate(west, false),
		SanitizeCoordinate(east, false))
}

// SanitizeCoordinate formats a coordinate for use in filenames (removes minus sign, uses N/S/E/W)
// Replaces decimal point with 'p' for Windows compatibility
func SanitizeCoordinate(coord float64, isLat bool) string {
	var dir string
	switch {
	case isLat && coord < 0:
		dir = "S"
	case isLat:
		dir = "N"
	case coord < 0:
		dir = "W"
	default:
		dir = "E"
	}
	coordStr := fmt.Sprintf("%.4f", math.Abs(coord))
	coordStr = strings.Replace(coordStr, ".", "p", 1)
	return coordStr + dir
}
