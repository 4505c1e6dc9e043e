package common

import "fmt"

// OutputFormat is the encoding used for stitched composite images
type OutputFormat string

const (
	FormatPNG     OutputFormat = "png"
	FormatJPEG    OutputFormat = "jpeg"
	FormatWebP    OutputFormat = "webp"
	FormatGeoTIFF OutputFormat = "geotiff"
)

// ParseOutputFormat converts a format string to an OutputFormat.
// Accepted values: "png", "jpeg"/"jpg", "webp", "geotiff"/"tif"
func ParseOutputFormat(format string) (OutputFormat, error) {
	switch format {
	case "png", "":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	case "geotiff", "tif", "tiff":
		return FormatGeoTIFF, nil
	default:
		return "", fmt.Errorf("invalid format: %s (must be 'png', 'jpeg', 'webp' or 'geotiff')", format)
	}
}

// Extension returns the file extension for the format, without the dot
func (f OutputFormat) Extension() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	case FormatWebP:
		return "webp"
	case FormatGeoTIFF:
		return "tif"
	default:
		return "png"
	}
}
