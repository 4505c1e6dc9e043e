package geotiff

import (
	"fmt"
	"image"
	"io"
)

// GeoKey ids and values used for EPSG:3857
const (
	geoKeyModelType        = 1024
	geoKeyRasterType       = 1025
	geoKeyCitation         = 1026
	geoKeyProjectedCSType  = 3072
	modelTypeProjected     = 1
	rasterPixelIsArea      = 1
	epsgWebMercator        = 3857
	tagLocationAsciiParams = TagType_GeoAsciiParamsTag
	webMercatorCitation    = "WGS 84 / Pseudo-Mercator|"
)

// WebMercator places a raster in EPSG:3857. Origin is the outer corner of the
// top-left pixel; pixel sizes are in metres and positive.
type WebMercator struct {
	OriginX     float64
	OriginY     float64
	PixelWidth  float64
	PixelHeight float64
}

// Tags returns the GeoTIFF tags describing the placement
func (g WebMercator) Tags() map[uint16]interface{} {
	return map[uint16]interface{}{
		TagType_ModelPixelScaleTag: []float64{g.PixelWidth, g.PixelHeight, 0},
		TagType_ModelTiepointTag:   []float64{0, 0, 0, g.OriginX, g.OriginY, 0},
		TagType_GeoKeyDirectoryTag: []uint16{
			1, 1, 0, 4, // version, revision, minor, key count
			geoKeyModelType, 0, 1, modelTypeProjected,
			geoKeyRasterType, 0, 1, rasterPixelIsArea,
			geoKeyCitation, tagLocationAsciiParams, uint16(len(webMercatorCitation)), 0,
			geoKeyProjectedCSType, 0, 1, epsgWebMercator,
		},
		TagType_GeoAsciiParamsTag: webMercatorCitation,
	}
}

// EncodeWebMercator writes m as a GeoTIFF georeferenced in EPSG:3857
func EncodeWebMercator(w io.Writer, m image.Image, g WebMercator, description string) error {
	if g.PixelWidth <= 0 || g.PixelHeight <= 0 {
		return fmt.Errorf("pixel size must be positive, got %gx%g", g.PixelWidth, g.PixelHeight)
	}
	tags := g.Tags()
	tags[TagType_Software] = "orthotiles"
	if description != "" {
		tags[TagType_ImageDescription] = description
	}
	return Encode(w, m, tags)
}
