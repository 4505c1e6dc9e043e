package imagery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"

	// tile decoders
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"orthotiles/internal/common"
	"orthotiles/internal/logger"
	"orthotiles/internal/source"
)

// DefaultMaxTilesPerAxis is the default per-axis tile budget of one composite
const DefaultMaxTilesPerAxis = 32

// TileReader is the part of the tile cache the stitcher needs
type TileReader interface {
	Read(key common.TileKey) ([]byte, error)
}

// Composite is the result of stitching one sub-rectangle. Exactly one of Image and
// Err is set.
type Composite struct {
	Rect common.TileRect
	// PixelOrigin is the position of the composite's top-left pixel within the
	// full requested rectangle
	PixelOrigin image.Point
	Image       *image.RGBA
	Err         error
}

// Stitcher assembles cached tiles into composite images. It never fetches.
type Stitcher struct {
	tiles           TileReader
	provider        source.Provider
	maxTilesPerAxis int
	log             *logger.Logger
}

// NewStitcher creates a stitcher for one provider
func NewStitcher(tiles TileReader, provider source.Provider, maxTilesPerAxis int, log *logger.Logger) (*Stitcher, error) {
	if maxTilesPerAxis < 1 {
		return nil, fmt.Errorf("max tiles per stitched image must be at least 1, got %d", maxTilesPerAxis)
	}
	if provider.TileWidth <= 0 || provider.TileHeight <= 0 {
		return nil, fmt.Errorf("provider %s has no tile size", provider.SourceID)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Stitcher{
		tiles:           tiles,
		provider:        provider,
		maxTilesPerAxis: maxTilesPerAxis,
		log:             log,
	}, nil
}

// Stitch builds every composite of rect and returns them in Partition order.
// A failed sub-rectangle never affects the others.
func (s *Stitcher) Stitch(ctx context.Context, rect common.TileRect) []Composite {
	var out []Composite
	s.each(ctx, rect, func(c Composite) error {
		out = append(out, c)
		return nil
	})
	return out
}

// each stitches sub-rectangles one at a time, handing each to fn before the next
// is built so only one composite is held in memory.
func (s *Stitcher) each(ctx context.Context, rect common.TileRect, fn func(Composite) error) error {
	parts := Partition(rect, s.maxTilesPerAxis)
	s.log.Info("[Stitcher] Stitching", map[string]interface{}{
		"rect":       rect.String(),
		"composites": len(parts),
	})

	for i, part := range parts {
		c := Composite{Rect: part, PixelOrigin: s.pixelOrigin(rect, part)}
		if err := ctx.Err(); err != nil {
			c.Err = err
		} else {
			c.Image, c.Err = s.compose(part)
		}

		if c.Err != nil {
			s.log.Warn("[Stitcher] Composite failed", map[string]interface{}{
				"index": i,
				"rect":  part.String(),
				"error": c.Err.Error(),
			})
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stitcher) pixelOrigin(full, part common.TileRect) image.Point {
	x := (part.X0 - full.X0) * s.provider.TileWidth
	y := (part.Y0 - full.Y0) * s.provider.TileHeight
	if full.Scheme == common.SchemeTMS {
		y = (full.Y1 - part.Y1) * s.provider.TileHeight
	}
	return image.Pt(x, y)
}

// compose pastes every tile of part into a new image. Any tile that cannot be read
// or decoded fails the whole composite.
func (s *Stitcher) compose(part common.TileRect) (*image.RGBA, error) {
	tw, th := s.provider.TileWidth, s.provider.TileHeight
	out := image.NewRGBA(image.Rect(0, 0, part.Cols()*tw, part.Rows()*th))
	var missing []common.TileKey

	for _, key := range part.Keys() {
		data, err := s.tiles.Read(key)
		if err != nil {
			if !errors.Is(err, common.ErrTileNotFound) {
				s.log.Warn("[Stitcher] Failed to read tile", map[string]interface{}{"tile": key.String(), "error": err.Error()})
			}
			missing = append(missing, key)
			continue
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			s.log.Warn("[Stitcher] Failed to decode tile", map[string]interface{}{"tile": key.String(), "error": err.Error()})
			missing = append(missing, key)
			continue
		}

		xOff := (key.X - part.X0) * tw
		yOff := (key.Y - part.Y0) * th
		if part.Scheme == common.SchemeTMS {
			yOff = (part.Y1 - key.Y) * th
		}
		dst := image.Rect(xOff, yOff, xOff+tw, yOff+th)
		draw.Draw(out, dst, img, img.Bounds().Min, draw.Src)
	}

	if len(missing) > 0 {
		return nil, &common.IncompleteTileSetError{Rect: part, Missing: missing}
	}
	return out, nil
}
