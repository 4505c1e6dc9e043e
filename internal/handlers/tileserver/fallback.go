package tileserver

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"orthotiles/internal/common"
	"orthotiles/internal/source"
	"orthotiles/internal/tiles"
)

// fallbackTile looks for the nearest cached ancestor of key and returns the part
// covering key, scaled up to a full tile. It reports the ancestor's zoom.
func (s *Server) fallbackTile(provider source.Provider, key common.TileKey) ([]byte, int, error) {
	yNorth := key.Y
	if provider.Scheme == common.SchemeTMS {
		yNorth = tiles.FlipY(key.Y, key.Zoom)
	}

	for diff := 1; diff <= s.maxFallbackLevels; diff++ {
		zoom := key.Zoom - diff
		if zoom < provider.MinZoom {
			break
		}
		ancestorX, ancestorYNorth := key.X>>diff, yNorth>>diff
		ancestorY := ancestorYNorth
		if provider.Scheme == common.SchemeTMS {
			ancestorY = tiles.FlipY(ancestorYNorth, zoom)
		}

		data, err := s.tileCache.Read(provider.Key(zoom, ancestorX, ancestorY))
		if err != nil {
			continue
		}

		// position of key inside the ancestor, in tiles of key's size
		relX := key.X - ancestorX<<diff
		relY := yNorth - ancestorYNorth<<diff
		out, err := extractQuadrant(data, relX, relY, 1<<diff, provider.TileWidth, provider.TileHeight)
		if err != nil {
			s.log.Warn("[TileServer] Unusable ancestor tile", map[string]interface{}{"zoom": zoom, "error": err.Error()})
			continue
		}
		return out, zoom, nil
	}
	return nil, 0, fmt.Errorf("%w: no cached ancestor within %d levels", common.ErrTileNotFound, s.maxFallbackLevels)
}

// extractQuadrant cuts cell (relX, relY) of a scale x scale grid out of an encoded
// tile and upsamples it to width x height with nearest-neighbour sampling.
func extractQuadrant(data []byte, relX, relY, scale, width, height int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode ancestor tile: %w", err)
	}

	b := src.Bounds()
	cellW, cellH := b.Dx()/scale, b.Dy()/scale
	if cellW == 0 || cellH == 0 {
		return nil, fmt.Errorf("ancestor tile of %dx%d too small for scale %d", b.Dx(), b.Dy(), scale)
	}
	cell := image.Rect(b.Min.X+relX*cellW, b.Min.Y+relY*cellH, b.Min.X+(relX+1)*cellW, b.Min.Y+(relY+1)*cellH)

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, cell, draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode extracted quadrant: %w", err)
	}
	return buf.Bytes(), nil
}
