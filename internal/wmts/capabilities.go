package wmts

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// WMTS XML structures for parsing capabilities
type Capabilities struct {
	XMLName  xml.Name `xml:"Capabilities"`
	Contents Contents `xml:"Contents"`
}

type Contents struct {
	Layers         []Layer         `xml:"Layer"`
	TileMatrixSets []TileMatrixSet `xml:"TileMatrixSet"`
}

type Layer struct {
	Title              string              `xml:"http://www.opengis.net/ows/1.1 Title"`
	Abstract           string              `xml:"http://www.opengis.net/ows/1.1 Abstract"`
	Identifier         string              `xml:"http://www.opengis.net/ows/1.1 Identifier"`
	TileMatrixSetLinks []TileMatrixSetLink `xml:"TileMatrixSetLink"`
	ResourceURL        []ResourceURL       `xml:"ResourceURL"`
}

type TileMatrixSetLink struct {
	TileMatrixSet string `xml:"TileMatrixSet"`
}

type ResourceURL struct {
	Format       string `xml:"format,attr"`
	ResourceType string `xml:"resourceType,attr"`
	Template     string `xml:"template,attr"`
}

type TileMatrixSet struct {
	Identifier   string       `xml:"http://www.opengis.net/ows/1.1 Identifier"`
	SupportedCRS string       `xml:"http://www.opengis.net/ows/1.1 SupportedCRS"`
	TileMatrices []TileMatrix `xml:"TileMatrix"`
}

type TileMatrix struct {
	Identifier string `xml:"http://www.opengis.net/ows/1.1 Identifier"`
	TileWidth  int    `xml:"TileWidth"`
	TileHeight int    `xml:"TileHeight"`
}

// LayerInfo represents parsed WMTS layer information
type LayerInfo struct {
	Name          string `json:"name"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	TileMatrixSet string `json:"tileMatrixSet"`
	TemplateURL   string `json:"templateUrl"`
	Format        string `json:"format"`

	// Set when the layer can be addressed as web mercator z/x/y tiles
	WebMercator bool `json:"webMercator"`
	MinZoom     int  `json:"minZoom"`
	MaxZoom     int  `json:"maxZoom"`
	TileSize    int  `json:"tileSize"`
}

// FetchCapabilities fetches and parses WMTS capabilities from URL
func FetchCapabilities(ctx context.Context, client *http.Client, url string) (*Capabilities, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch capabilities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch capabilities: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return ParseCapabilities(data)
}

// ParseCapabilities parses a capabilities document
func ParseCapabilities(data []byte) (*Capabilities, error) {
	var caps Capabilities
	if err := xml.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	if len(caps.Contents.Layers) == 0 {
		return nil, fmt.Errorf("no layers found in capabilities")
	}
	return &caps, nil
}

// isWebMercatorCRS matches the CRS names used for EPSG:3857
func isWebMercatorCRS(crs string) bool {
	crs = strings.ToUpper(crs)
	return strings.HasSuffix(crs, ":3857") || strings.HasSuffix(crs, "EPSG::3857") ||
		strings.HasSuffix(crs, ":900913") || strings.Contains(crs, "EPSG/0/3857")
}

// zoomRange returns the zoom levels of a matrix set whose matrix identifiers are
// plain consecutive zoom numbers
func zoomRange(set TileMatrixSet) (minZoom, maxZoom, tileSize int, ok bool) {
	if len(set.TileMatrices) == 0 {
		return 0, 0, 0, false
	}
	for i, m := range set.TileMatrices {
		z, err := strconv.Atoi(strings.TrimSpace(m.Identifier))
		if err != nil {
			return 0, 0, 0, false
		}
		if i == 0 {
			minZoom = z
		} else if z != maxZoom+1 {
			return 0, 0, 0, false
		}
		maxZoom = z
		if m.TileWidth != m.TileHeight || (tileSize != 0 && m.TileWidth != tileSize) {
			return 0, 0, 0, false
		}
		tileSize = m.TileWidth
	}
	return minZoom, maxZoom, tileSize, tileSize > 0
}

// GetLayers extracts layer information from capabilities
func GetLayers(caps *Capabilities) []LayerInfo {
	sets := make(map[string]TileMatrixSet, len(caps.Contents.TileMatrixSets))
	for _, s := range caps.Contents.TileMatrixSets {
		sets[s.Identifier] = s
	}

	var layers []LayerInfo
	for _, layer := range caps.Contents.Layers {
		info := LayerInfo{
			Name:        layer.Identifier,
			Title:       layer.Title,
			Description: layer.Abstract,
		}

		// Prefer a web mercator matrix set
		for _, link := range layer.TileMatrixSetLinks {
			set, ok := sets[link.TileMatrixSet]
			if !ok || !isWebMercatorCRS(set.SupportedCRS) {
				continue
			}
			if minZoom, maxZoom, size, ok := zoomRange(set); ok {
				info.TileMatrixSet = link.TileMatrixSet
				info.WebMercator = true
				info.MinZoom, info.MaxZoom, info.TileSize = minZoom, maxZoom, size
				break
			}
		}
		if info.TileMatrixSet == "" && len(layer.TileMatrixSetLinks) > 0 {
			info.TileMatrixSet = layer.TileMatrixSetLinks[0].TileMatrixSet
		}

		// Get resource URL template
		for _, resource := range layer.ResourceURL {
			if resource.ResourceType == "tile" {
				info.TemplateURL = strings.ReplaceAll(resource.Template, "{TileMatrixSet}", info.TileMatrixSet)
				info.Format = resource.Format
				break
			}
		}

		layers = append(layers, info)
	}

	return layers
}

// ConvertTemplateToXYZ converts a WMTS RESTful template to the {zoom}/{x}/{y} form
// Example: .../{TileMatrix}/{TileCol}/{TileRow}.jpg becomes .../{zoom}/{x}/{y}.jpg
func ConvertTemplateToXYZ(template string) string {
	result := strings.ReplaceAll(template, "{TileMatrix}", "{zoom}")
	result = strings.ReplaceAll(result, "{TileCol}", "{x}")
	result = strings.ReplaceAll(result, "{TileRow}", "{y}")
	return result
}

// FormatExtension maps a tile MIME type to a file extension
func FormatExtension(format string) string {
	switch strings.ToLower(format) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}
