package naming

import (
	"fmt"
	"strings"

	"orthotiles/internal/tiles"
)

// GenerateCompositeFilename creates a standardized filename for a stitched image
// Format: {source}_{quadkey}_z{zoom}_{bbox}.{ext}
func GenerateCompositeFilename(source string, b tiles.Bounds, zoom int, ext string) string {
	quadkey := GenerateQuadkey(b.South, b.West, b.North, b.East, zoom)
	return fmt.Sprintf("%s_%s_z%d_%s.%s", source, quadkey, zoom,
		GenerateBBoxString(b.South, b.West, b.North, b.East), ext)
}

// SidecarFilename returns the metadata file that accompanies an image
func SidecarFilename(imageFilename string) string {
	if i := strings.LastIndexByte(imageFilename, '.'); i > 0 {
		imageFilename = imageFilename[:i]
	}
	return imageFilename + ".json"
}

// GenerateOutputDirName creates a standardized job output directory name
// Format: {name}_{source}_z{zoom}
func GenerateOutputDirName(name, source string, zoom int) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
	if name == "" {
		return fmt.Sprintf("%s_z%d", source, zoom)
	}
	return fmt.Sprintf("%s_%s_z%d", name, source, zoom)
}
