package gridsquare

import (
	"fmt"
	"strings"

	"orthotiles/internal/tiles"
)

// GridSquare is a named geographic region that scopes acquisition work.
// Fixed squares were created by the user; derived squares were generated from a
// tile at Level and may be recreated at will.
type GridSquare struct {
	ID       int64   `gorm:"column:GridSquareId;primaryKey;autoIncrement" json:"id"`
	Name     string  `gorm:"column:Name" json:"name"`
	NorthLat float64 `gorm:"column:NorthLatitude" json:"northLat"`
	SouthLat float64 `gorm:"column:SouthLatitude" json:"southLat"`
	EastLon  float64 `gorm:"column:EastLongitude" json:"eastLon"`
	WestLon  float64 `gorm:"column:WestLongitude" json:"westLon"`
	Level    int     `gorm:"column:Level" json:"level"`
	Fixed    bool    `gorm:"column:Fixed" json:"fixed"`
}

func (GridSquare) TableName() string { return "GridSquares" }

// Bounds returns the square's extent
func (g GridSquare) Bounds() tiles.Bounds {
	return tiles.Bounds{North: g.NorthLat, South: g.SouthLat, East: g.EastLon, West: g.WestLon}
}

// Validate checks the name and extent
func (g GridSquare) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("grid square name is required")
	}
	return g.Bounds().Validate()
}

// DerivedName is the name given to a square generated from tile (x, y) at level
func DerivedName(level, x, y int) string {
	return fmt.Sprintf("L%d_%d_%d", level, x, y)
}
