package tiles

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"orthotiles/internal/common"
)

const (
	// MaxLatitude is the Web Mercator latitude limit in degrees
	MaxLatitude = 85.05112878
	MinLatitude = -MaxLatitude

	MinZoom = 0
	MaxZoom = 23

	// Earth's equator in meters (EPSG:3857)
	Equator = 40075016.685578
)

// Bounds is a geographic bounding box in WGS84 degrees
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// FromBound converts an orb bound (Min = south-west, Max = north-east)
func FromBound(b orb.Bound) Bounds {
	return Bounds{North: b.Max.Lat(), South: b.Min.Lat(), East: b.Max.Lon(), West: b.Min.Lon()}
}

// Bound returns the box as an orb.Bound
func (b Bounds) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// Contains reports whether the point lies inside the box, edges included
func (b Bounds) Contains(lat, lon float64) bool {
	return b.Bound().Contains(orb.Point{lon, lat})
}

// Center returns the center point of the box
func (b Bounds) Center() (lat, lon float64) {
	c := b.Bound().Center()
	return c.Lat(), c.Lon()
}

// Validate checks that the box is non-degenerate and inside WGS84 range.
// Boxes crossing the antimeridian (west > east) are rejected.
func (b Bounds) Validate() error {
	if b.South >= b.North {
		return fmt.Errorf("%w: south (%f) must be less than north (%f)", common.ErrInvalidBounds, b.South, b.North)
	}
	if b.West >= b.East {
		return fmt.Errorf("%w: west (%f) must be less than east (%f)", common.ErrInvalidBounds, b.West, b.East)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("%w: latitude out of range [-90, 90]: south=%f, north=%f", common.ErrInvalidBounds, b.South, b.North)
	}
	if b.West < -180 || b.East > 180 {
		return fmt.Errorf("%w: longitude out of range [-180, 180]: west=%f, east=%f", common.ErrInvalidBounds, b.West, b.East)
	}
	return nil
}

// ValidateZoom checks zoom against [MinZoom, maxZoom]
func ValidateZoom(zoom, maxZoom int) error {
	if maxZoom > MaxZoom || maxZoom < MinZoom {
		maxZoom = MaxZoom
	}
	if zoom < MinZoom || zoom > maxZoom {
		return fmt.Errorf("%w: %d out of range [%d, %d]", common.ErrInvalidZoom, zoom, MinZoom, maxZoom)
	}
	return nil
}

func validatePoint(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return fmt.Errorf("%w: NaN coordinate", common.ErrOutOfProjectionRange)
	}
	if lat < MinLatitude || lat > MaxLatitude {
		return fmt.Errorf("%w: latitude %f outside [%f, %f]", common.ErrOutOfProjectionRange, lat, MinLatitude, MaxLatitude)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %f outside [-180, 180]", common.ErrOutOfProjectionRange, lon)
	}
	return nil
}

// fraction returns the fractional north-origin tile position of a point
func fraction(lat, lon float64, zoom int) (fx, fy float64) {
	n := math.Exp2(float64(zoom))
	fx = (lon + 180.0) / 360.0 * n
	latRad := lat * math.Pi / 180.0
	fy = (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n
	return fx, fy
}

// FlipY converts a row index between the north-origin and south-origin schemes.
// The conversion is its own inverse.
func FlipY(y, zoom int) int {
	return (1 << zoom) - 1 - y
}

func toScheme(yNorth, zoom int, scheme common.Scheme) int {
	if scheme == common.SchemeTMS {
		return FlipY(yNorth, zoom)
	}
	return yNorth
}

// TileIndexForPoint returns the tile containing a WGS84 point
func TileIndexForPoint(lat, lon float64, zoom int, scheme common.Scheme) (x, y int, err error) {
	if err := ValidateZoom(zoom, MaxZoom); err != nil {
		return 0, 0, err
	}
	if err := validatePoint(lat, lon); err != nil {
		return 0, 0, err
	}

	fx, fy := fraction(lat, lon, zoom)
	maxTile := (1 << zoom) - 1
	x = clamp(int(math.Floor(fx)), 0, maxTile)
	yNorth := clamp(int(math.Floor(fy)), 0, maxTile)

	return x, toScheme(yNorth, zoom, scheme), nil
}

// BoundsForTileIndex returns the geographic extent of a tile
func BoundsForTileIndex(x, y, zoom int, scheme common.Scheme) (Bounds, error) {
	if err := ValidateZoom(zoom, MaxZoom); err != nil {
		return Bounds{}, err
	}
	maxTile := (1 << zoom) - 1
	if x < 0 || x > maxTile || y < 0 || y > maxTile {
		return Bounds{}, fmt.Errorf("%w: tile %d/%d out of range [0, %d] for zoom %d",
			common.ErrOutOfProjectionRange, x, y, maxTile, zoom)
	}

	yNorth := toScheme(y, zoom, scheme)
	t := maptile.New(uint32(x), uint32(yNorth), maptile.Zoom(zoom))
	return FromBound(t.Bound()), nil
}

// RectForBounds returns the tile rectangle covering a bounding box. Edges beyond
// the Mercator limit are clamped to it. East and south edges are exclusive, so a
// box ending exactly on a tile border does not pull in the neighbouring tile.
// The returned rect has no SourceID; callers fill it in.
func RectForBounds(b Bounds, zoom int, scheme common.Scheme) (common.TileRect, error) {
	if err := ValidateZoom(zoom, MaxZoom); err != nil {
		return common.TileRect{}, err
	}
	if err := b.Validate(); err != nil {
		return common.TileRect{}, err
	}

	north := clampFloat(b.North, MinLatitude, MaxLatitude)
	south := clampFloat(b.South, MinLatitude, MaxLatitude)
	if south >= north {
		return common.TileRect{}, fmt.Errorf("%w: box lies entirely beyond the projection limit", common.ErrOutOfProjectionRange)
	}

	maxTile := (1 << zoom) - 1
	fxW, fyN := fraction(north, b.West, zoom)
	fxE, fyS := fraction(south, b.East, zoom)
	fxW, fyN, fxE, fyS = snap(fxW), snap(fyN), snap(fxE), snap(fyS)

	x0 := clamp(int(math.Floor(fxW)), 0, maxTile)
	y0 := clamp(int(math.Floor(fyN)), 0, maxTile)
	x1 := clamp(int(math.Ceil(fxE))-1, x0, maxTile)
	y1 := clamp(int(math.Ceil(fyS))-1, y0, maxTile)

	rect := common.TileRect{Zoom: zoom, Scheme: scheme, X0: x0, X1: x1, Y0: y0, Y1: y1}
	if scheme == common.SchemeTMS {
		rect.Y0, rect.Y1 = FlipY(y1, zoom), FlipY(y0, zoom)
	}
	return rect, nil
}

// RectBounds returns the geographic extent covered by a tile rectangle
func RectBounds(r common.TileRect) (Bounds, error) {
	yTop, yBottom := r.Y0, r.Y1
	if r.Scheme == common.SchemeTMS {
		yTop, yBottom = r.Y1, r.Y0
	}
	nw, err := BoundsForTileIndex(r.X0, yTop, r.Zoom, r.Scheme)
	if err != nil {
		return Bounds{}, err
	}
	se, err := BoundsForTileIndex(r.X1, yBottom, r.Zoom, r.Scheme)
	if err != nil {
		return Bounds{}, err
	}
	return Bounds{North: nw.North, West: nw.West, South: se.South, East: se.East}, nil
}

// Quadkey returns the Bing-style quadkey for a north-origin tile
func Quadkey(x, yNorth, zoom int) string {
	var quadkey strings.Builder
	for i := zoom; i > 0; i-- {
		digit := 0
		mask := 1 << (i - 1)
		if (x & mask) != 0 {
			digit++
		}
		if (yNorth & mask) != 0 {
			digit += 2
		}
		quadkey.WriteByte(byte('0' + digit))
	}
	return quadkey.String()
}

// ResolutionAtZoom returns approximate meters per pixel at a latitude for 256px tiles
func ResolutionAtZoom(zoom int, lat float64) float64 {
	return Equator * math.Cos(lat*math.Pi/180.0) / float64(int(256)<<zoom)
}

// TileToWebMercator returns the top-left corner of a north-origin tile in EPSG:3857 meters
func TileToWebMercator(col, rowNorth, zoom int) (x, y float64) {
	n := math.Exp2(float64(zoom))
	x = (float64(col)/n - 0.5) * Equator
	y = (0.5 - float64(rowNorth)/n) * Equator
	return x, y
}

func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// snap absorbs round-off when a box edge was itself computed from a tile border
func snap(f float64) float64 {
	const tolerance = 1e-7
	if r := math.Round(f); math.Abs(f-r) < tolerance {
		return r
	}
	return f
}

func clampFloat(val, min, max float64) float64 {
	return math.Max(min, math.Min(max, val))
}

// ClampLatitude limits a latitude to the Web Mercator range
func ClampLatitude(lat float64) float64 {
	return clampFloat(lat, MinLatitude, MaxLatitude)
}
