package source

import (
	"fmt"
	"strconv"
	"strings"

	"orthotiles/internal/common"
	"orthotiles/internal/tiles"
)

// URL template tokens. No other tokens are recognised.
const (
	TokenZoom = "{zoom}"
	TokenX    = "{x}"
	TokenY    = "{y}"
)

// LinzURLTemplate is the default LINZ New Zealand aerial imagery endpoint
const LinzURLTemplate = "http://koordinates-tiles-d.global.ssl.fastly.net/services;key=50721244e42045c58b2bbe2ee5487a9a/tiles/v4/layer=51769,style=auto;layer=88131,style=auto;layer=95497,style=auto/{zoom}/{x}/{y}.png"

// Provider describes one orthophoto tile source. It is plain data: adding a source
// means adding a Provider value, not new code.
type Provider struct {
	SourceID       string        `json:"sourceId" mapstructure:"sourceId"`
	Name           string        `json:"name" mapstructure:"name"`
	URLTemplate    string        `json:"urlTemplate" mapstructure:"urlTemplate"`
	TileWidth      int           `json:"tileWidth" mapstructure:"tileWidth"`
	TileHeight     int           `json:"tileHeight" mapstructure:"tileHeight"`
	ImageExtension string        `json:"imageExtension" mapstructure:"imageExtension"`
	Scheme         common.Scheme `json:"scheme" mapstructure:"scheme"`
	MinZoom        int           `json:"minZoom" mapstructure:"minZoom"`
	MaxZoom        int           `json:"maxZoom" mapstructure:"maxZoom"`
	Attribution    string        `json:"attribution,omitempty" mapstructure:"attribution"`
}

// Linz returns the built-in LINZ provider, optionally with a custom URL template
func Linz(urlTemplate string) Provider {
	if urlTemplate == "" {
		urlTemplate = LinzURLTemplate
	}
	return Provider{
		SourceID:       common.SourceNZLinz,
		Name:           common.DisplayNameNZLinz,
		URLTemplate:    urlTemplate,
		TileWidth:      256,
		TileHeight:     256,
		ImageExtension: "jpg",
		Scheme:         common.SchemeGoogle,
		MinZoom:        0,
		MaxZoom:        20,
		Attribution:    "Sourced from LINZ. CC BY 4.0",
	}
}

// URLFor substitutes the tile index into the URL template verbatim
func (p Provider) URLFor(x, y, zoom int) string {
	r := strings.NewReplacer(
		TokenZoom, strconv.Itoa(zoom),
		TokenX, strconv.Itoa(x),
		TokenY, strconv.Itoa(y),
	)
	return r.Replace(p.URLTemplate)
}

// URLForKey is URLFor for a tile key
func (p Provider) URLForKey(k common.TileKey) string {
	return p.URLFor(k.X, k.Y, k.Zoom)
}

// Key builds a tile key in this provider's namespace
func (p Provider) Key(zoom, x, y int) common.TileKey {
	return common.TileKey{SourceID: p.SourceID, Zoom: zoom, X: x, Y: y}
}

// ValidateZoom checks zoom against the provider's supported range
func (p Provider) ValidateZoom(zoom int) error {
	if zoom < p.MinZoom || zoom > p.MaxZoom {
		return fmt.Errorf("%w: %d outside [%d, %d] for %s", common.ErrInvalidZoom, zoom, p.MinZoom, p.MaxZoom, p.SourceID)
	}
	return tiles.ValidateZoom(zoom, p.MaxZoom)
}

// Validate checks the provider definition
func (p Provider) Validate() error {
	if p.SourceID == "" {
		return fmt.Errorf("source id is required")
	}
	if strings.ContainsAny(p.SourceID, `/\:`) || p.SourceID == "." || p.SourceID == ".." {
		return fmt.Errorf("source id %q must be usable as a directory name", p.SourceID)
	}
	for _, token := range []string{TokenZoom, TokenX, TokenY} {
		if !strings.Contains(p.URLTemplate, token) {
			return fmt.Errorf("url template for %s is missing %s", p.SourceID, token)
		}
	}
	if p.TileWidth <= 0 || p.TileHeight <= 0 {
		return fmt.Errorf("tile size for %s must be positive, got %dx%d", p.SourceID, p.TileWidth, p.TileHeight)
	}
	if p.ImageExtension == "" || strings.ContainsAny(p.ImageExtension, `./\`) {
		return fmt.Errorf("image extension for %s must be a bare extension, got %q", p.SourceID, p.ImageExtension)
	}
	if p.Scheme != common.SchemeGoogle && p.Scheme != common.SchemeTMS {
		return fmt.Errorf("unknown addressing scheme %q for %s", p.Scheme, p.SourceID)
	}
	if p.MinZoom < tiles.MinZoom || p.MaxZoom > tiles.MaxZoom || p.MinZoom > p.MaxZoom {
		return fmt.Errorf("zoom range [%d, %d] for %s must lie within [%d, %d]",
			p.MinZoom, p.MaxZoom, p.SourceID, tiles.MinZoom, tiles.MaxZoom)
	}
	return nil
}
