package imagery

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/HugoSmits86/nativewebp"

	"orthotiles/internal/common"
	"orthotiles/internal/tiles"
	"orthotiles/internal/utils/naming"
	"orthotiles/pkg/geotiff"
)

// Sidecar describes one written composite: which tiles it holds and where it sits
// on the ground. It is stored as JSON next to the image.
type Sidecar struct {
	Image       string              `json:"image"`
	Format      common.OutputFormat `json:"format"`
	Rect        common.TileRect     `json:"rect"`
	Bounds      tiles.Bounds        `json:"bounds"`
	Width       int                 `json:"width"`
	Height      int                 `json:"height"`
	PixelOrigin [2]int              `json:"pixelOrigin"`
	TileWidth   int                 `json:"tileWidth"`
	TileHeight  int                 `json:"tileHeight"`
	Attribution string              `json:"attribution,omitempty"`
	CreatedAt   string              `json:"createdAt"`
}

// Output reports what happened to one composite of a StitchTo run
type Output struct {
	Rect        common.TileRect `json:"rect"`
	Path        string          `json:"path,omitempty"`
	SidecarPath string          `json:"sidecarPath,omitempty"`
	Err         error           `json:"-"`
}

// StitchTo stitches rect and writes each composite to dir in the given format,
// together with its sidecar. Each composite is encoded before the next is built.
// Per-composite failures are reported in the returned outputs; the error is only
// set when dir cannot be used.
func (s *Stitcher) StitchTo(ctx context.Context, rect common.TileRect, dir string, format common.OutputFormat) ([]Output, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var outputs []Output
	err := s.each(ctx, rect, func(c Composite) error {
		out := Output{Rect: c.Rect, Err: c.Err}
		if c.Err == nil {
			out.Path, out.SidecarPath, out.Err = s.write(c, dir, format)
			if out.Err != nil {
				s.log.Error("[Stitcher] Failed to write composite", out.Err, map[string]interface{}{"rect": c.Rect.String()})
			} else {
				s.log.Info("[Stitcher] Saved composite", map[string]interface{}{"path": out.Path})
			}
		}
		outputs = append(outputs, out)
		return nil
	})
	return outputs, err
}

func (s *Stitcher) write(c Composite, dir string, format common.OutputFormat) (string, string, error) {
	bounds, err := tiles.RectBounds(c.Rect)
	if err != nil {
		return "", "", err
	}

	name := naming.GenerateCompositeFilename(c.Rect.SourceID, bounds, c.Rect.Zoom, format.Extension())
	path := filepath.Join(dir, name)

	if err := writeFileAtomic(path, func(w io.Writer) error {
		return s.encode(w, c, format)
	}); err != nil {
		return "", "", err
	}

	size := c.Image.Bounds().Size()
	sidecar := Sidecar{
		Image:       name,
		Format:      format,
		Rect:        c.Rect,
		Bounds:      bounds,
		Width:       size.X,
		Height:      size.Y,
		PixelOrigin: [2]int{c.PixelOrigin.X, c.PixelOrigin.Y},
		TileWidth:   s.provider.TileWidth,
		TileHeight:  s.provider.TileHeight,
		Attribution: s.provider.Attribution,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal sidecar: %w", err)
	}
	sidecarPath := filepath.Join(dir, naming.SidecarFilename(name))
	if err := writeFileAtomic(sidecarPath, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return "", "", err
	}
	return path, sidecarPath, nil
}

func (s *Stitcher) encode(w io.Writer, c Composite, format common.OutputFormat) error {
	switch format {
	case common.FormatPNG:
		return png.Encode(w, c.Image)
	case common.FormatJPEG:
		return jpeg.Encode(w, c.Image, &jpeg.Options{Quality: 90})
	case common.FormatWebP:
		return nativewebp.Encode(w, c.Image, nil)
	case common.FormatGeoTIFF:
		georef, err := WebMercatorPlacement(c.Rect, c.Image.Bounds())
		if err != nil {
			return err
		}
		desc := fmt.Sprintf("%s z%d", c.Rect.SourceID, c.Rect.Zoom)
		if s.provider.Attribution != "" {
			desc += " - " + s.provider.Attribution
		}
		return geotiff.EncodeWebMercator(w, c.Image, georef, desc)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// WebMercatorPlacement computes the EPSG:3857 placement of a composite image
func WebMercatorPlacement(rect common.TileRect, img image.Rectangle) (geotiff.WebMercator, error) {
	if img.Dx() == 0 || img.Dy() == 0 {
		return geotiff.WebMercator{}, fmt.Errorf("empty image")
	}
	top, bottom := rect.Y0, rect.Y1
	if rect.Scheme == common.SchemeTMS {
		top, bottom = tiles.FlipY(rect.Y1, rect.Zoom), tiles.FlipY(rect.Y0, rect.Zoom)
	}
	originX, originY := tiles.TileToWebMercator(rect.X0, top, rect.Zoom)
	endX, endY := tiles.TileToWebMercator(rect.X1+1, bottom+1, rect.Zoom)
	return geotiff.WebMercator{
		OriginX:     originX,
		OriginY:     originY,
		PixelWidth:  (endX - originX) / float64(img.Dx()),
		PixelHeight: (originY - endY) / float64(img.Dy()),
	}, nil
}

// LoadSidecars reads every sidecar in dir, ordered by image name
func LoadSidecars(dir string) ([]Sidecar, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	var sidecars []Sidecar
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("failed to read sidecar: %w", err)
		}
		var sc Sidecar
		if err := json.Unmarshal(data, &sc); err != nil {
			return nil, fmt.Errorf("failed to parse sidecar %s: %w", filepath.Base(m), err)
		}
		if sc.Image == "" {
			// some other JSON file, e.g. a job summary
			continue
		}
		sidecars = append(sidecars, sc)
	}
	sort.Slice(sidecars, func(i, j int) bool { return sidecars[i].Image < sidecars[j].Image })
	return sidecars, nil
}

// writeFileAtomic writes through a temp file renamed into place on success
func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
