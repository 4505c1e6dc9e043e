package tiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthotiles/internal/common"
)

const eps = 1e-9

var samplePoints = []struct {
	name     string
	lat, lon float64
}{
	{"wellington", -41.2865, 174.7762},
	{"cairo", 30.0444, 31.2357},
	{"null island", 0.0001, 0.0001},
	{"reykjavik", 64.1466, -21.9426},
	{"near north limit", 85.05, -179.99},
	{"near south limit", -85.05, 179.99},
	{"punta arenas", -53.1638, -70.9171},
}

func containsWithTolerance(b Bounds, lat, lon float64) bool {
	return lat <= b.North+eps && lat >= b.South-eps && lon <= b.East+eps && lon >= b.West-eps
}

func TestTileIndexForPoint_RoundTripContainsPoint(t *testing.T) {
	for _, scheme := range []common.Scheme{common.SchemeGoogle, common.SchemeTMS} {
		for _, p := range samplePoints {
			for zoom := 0; zoom <= MaxZoom; zoom += 3 {
				x, y, err := TileIndexForPoint(p.lat, p.lon, zoom, scheme)
				require.NoError(t, err, "%s z%d", p.name, zoom)

				b, err := BoundsForTileIndex(x, y, zoom, scheme)
				require.NoError(t, err)
				assert.True(t, containsWithTolerance(b, p.lat, p.lon),
					"%s z%d %s: tile %d/%d bounds %+v do not contain point", p.name, zoom, scheme, x, y, b)
			}
		}
	}
}

func TestTileIndexForPoint_SchemesMirror(t *testing.T) {
	for _, p := range samplePoints {
		for zoom := 0; zoom <= 20; zoom++ {
			xg, yg, err := TileIndexForPoint(p.lat, p.lon, zoom, common.SchemeGoogle)
			require.NoError(t, err)
			xt, yt, err := TileIndexForPoint(p.lat, p.lon, zoom, common.SchemeTMS)
			require.NoError(t, err)

			assert.Equal(t, xg, xt)
			assert.Equal(t, (1<<zoom)-1-yg, yt, "%s z%d", p.name, zoom)
		}
	}
}

func TestTileIndexForPoint_KnownTile(t *testing.T) {
	// Wellington at z10 in the slippy map scheme
	x, y, err := TileIndexForPoint(-41.2865, 174.7762, 10, common.SchemeGoogle)
	require.NoError(t, err)
	assert.Equal(t, 1009, x)
	assert.Equal(t, 641, y)
}

func TestTileIndexForPoint_Errors(t *testing.T) {
	_, _, err := TileIndexForPoint(86, 0, 5, common.SchemeGoogle)
	assert.ErrorIs(t, err, common.ErrOutOfProjectionRange)

	_, _, err = TileIndexForPoint(-89.9, 0, 5, common.SchemeGoogle)
	assert.ErrorIs(t, err, common.ErrOutOfProjectionRange)

	_, _, err = TileIndexForPoint(0, 181, 5, common.SchemeGoogle)
	assert.ErrorIs(t, err, common.ErrOutOfProjectionRange)

	_, _, err = TileIndexForPoint(0, 0, -1, common.SchemeGoogle)
	assert.ErrorIs(t, err, common.ErrInvalidZoom)

	_, _, err = TileIndexForPoint(0, 0, MaxZoom+1, common.SchemeGoogle)
	assert.ErrorIs(t, err, common.ErrInvalidZoom)
}

func TestTileIndexForPoint_EastEdgeClamped(t *testing.T) {
	x, _, err := TileIndexForPoint(0, 180, 4, common.SchemeGoogle)
	require.NoError(t, err)
	assert.Equal(t, 15, x)
}

func TestBoundsForTileIndex_OutOfRange(t *testing.T) {
	_, err := BoundsForTileIndex(16, 0, 4, common.SchemeGoogle)
	assert.ErrorIs(t, err, common.ErrOutOfProjectionRange)

	_, err = BoundsForTileIndex(0, 0, 30, common.SchemeGoogle)
	assert.ErrorIs(t, err, common.ErrInvalidZoom)
}

func TestBoundsForTileIndex_ZoomZero(t *testing.T) {
	b, err := BoundsForTileIndex(0, 0, 0, common.SchemeGoogle)
	require.NoError(t, err)
	assert.InDelta(t, -180, b.West, 1e-9)
	assert.InDelta(t, 180, b.East, 1e-9)
	assert.InDelta(t, MaxLatitude, b.North, 1e-6)
	assert.InDelta(t, -MaxLatitude, b.South, 1e-6)
}

func TestRectForBounds_TwoByTwo(t *testing.T) {
	// Centers of four adjacent tiles produce exactly that 2x2 block
	nw, err := BoundsForTileIndex(1009, 641, 10, common.SchemeGoogle)
	require.NoError(t, err)
	se, err := BoundsForTileIndex(1010, 642, 10, common.SchemeGoogle)
	require.NoError(t, err)

	nwLat, nwLon := nw.Center()
	seLat, seLon := se.Center()
	box := Bounds{North: nwLat, West: nwLon, South: seLat, East: seLon}

	rect, err := RectForBounds(box, 10, common.SchemeGoogle)
	require.NoError(t, err)
	assert.Equal(t, 1009, rect.X0)
	assert.Equal(t, 1010, rect.X1)
	assert.Equal(t, 641, rect.Y0)
	assert.Equal(t, 642, rect.Y1)
	assert.Equal(t, 4, rect.Count())

	tms, err := RectForBounds(box, 10, common.SchemeTMS)
	require.NoError(t, err)
	assert.Equal(t, FlipY(642, 10), tms.Y0)
	assert.Equal(t, FlipY(641, 10), tms.Y1)
	assert.LessOrEqual(t, tms.Y0, tms.Y1)
}

func TestRectForBounds_ExclusiveEastAndSouthEdges(t *testing.T) {
	tile, err := BoundsForTileIndex(5, 7, 4, common.SchemeGoogle)
	require.NoError(t, err)

	rect, err := RectForBounds(tile, 4, common.SchemeGoogle)
	require.NoError(t, err)
	assert.Equal(t, 1, rect.Count(), "a box equal to one tile covers exactly that tile, got %s", rect)
}

func TestRectForBounds_Rejections(t *testing.T) {
	_, err := RectForBounds(Bounds{North: 10, South: 20, East: 10, West: 0}, 5, common.SchemeGoogle)
	assert.ErrorIs(t, err, common.ErrInvalidBounds)

	// Crosses the antimeridian
	_, err = RectForBounds(Bounds{North: 10, South: 0, East: -170, West: 170}, 5, common.SchemeGoogle)
	assert.ErrorIs(t, err, common.ErrInvalidBounds)

	_, err = RectForBounds(Bounds{North: 90, South: 86, East: 10, West: 0}, 5, common.SchemeGoogle)
	assert.ErrorIs(t, err, common.ErrOutOfProjectionRange)

	_, err = RectForBounds(Bounds{North: 10, South: 0, East: 10, West: 0}, 99, common.SchemeGoogle)
	assert.ErrorIs(t, err, common.ErrInvalidZoom)
}

func TestRectForBounds_ClampsPolarEdges(t *testing.T) {
	rect, err := RectForBounds(Bounds{North: 89, South: -89, East: 180, West: -180}, 2, common.SchemeGoogle)
	require.NoError(t, err)
	assert.Equal(t, common.TileRect{Zoom: 2, Scheme: common.SchemeGoogle, X0: 0, Y0: 0, X1: 3, Y1: 3}, rect)
}

func TestRectBounds_CoversRect(t *testing.T) {
	rect := common.TileRect{Zoom: 10, Scheme: common.SchemeTMS, X0: 1009, X1: 1010, Y0: 381, Y1: 382}
	b, err := RectBounds(rect)
	require.NoError(t, err)

	back, err := RectForBounds(b, 10, common.SchemeTMS)
	require.NoError(t, err)
	assert.Equal(t, rect, back)
}

func TestQuadkey(t *testing.T) {
	assert.Equal(t, "", Quadkey(0, 0, 0))
	assert.Equal(t, "213", Quadkey(3, 5, 3))
}

func TestResolutionAtZoom(t *testing.T) {
	assert.InDelta(t, 156543.03, ResolutionAtZoom(0, 0), 0.01)
	assert.Less(t, ResolutionAtZoom(10, 60), ResolutionAtZoom(10, 0))
}
