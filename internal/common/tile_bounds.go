package common

import "fmt"

// TileKey is the primary key of a cached tile. Y is expressed in the source's own
// addressing scheme.
type TileKey struct {
	SourceID string `json:"sourceId"`
	Zoom     int    `json:"zoom"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.SourceID, k.Zoom, k.X, k.Y)
}

// TileRect is an inclusive rectangle of tile indices for one source and zoom.
// Y0 <= Y1 always holds regardless of the addressing scheme.
type TileRect struct {
	SourceID string `json:"sourceId"`
	Zoom     int    `json:"zoom"`
	Scheme   Scheme `json:"scheme"`
	X0       int    `json:"x0"`
	Y0       int    `json:"y0"`
	X1       int    `json:"x1"`
	Y1       int    `json:"y1"`
}

// Cols returns the number of columns in the rectangle
func (r TileRect) Cols() int {
	return r.X1 - r.X0 + 1
}

// Rows returns the number of rows in the rectangle
func (r TileRect) Rows() int {
	return r.Y1 - r.Y0 + 1
}

// Count returns the number of tiles covered
func (r TileRect) Count() int {
	if r.X1 < r.X0 || r.Y1 < r.Y0 {
		return 0
	}
	return r.Cols() * r.Rows()
}

// Contains reports whether the key lies inside the rectangle
func (r TileRect) Contains(k TileKey) bool {
	return k.SourceID == r.SourceID && k.Zoom == r.Zoom &&
		k.X >= r.X0 && k.X <= r.X1 && k.Y >= r.Y0 && k.Y <= r.Y1
}

// Keys enumerates every tile key in row-major order (by index, not geography).
func (r TileRect) Keys() []TileKey {
	keys := make([]TileKey, 0, r.Count())
	for y := r.Y0; y <= r.Y1; y++ {
		for x := r.X0; x <= r.X1; x++ {
			keys = append(keys, TileKey{SourceID: r.SourceID, Zoom: r.Zoom, X: x, Y: y})
		}
	}
	return keys
}

func (r TileRect) String() string {
	return fmt.Sprintf("%s z%d [%d..%d]x[%d..%d]", r.SourceID, r.Zoom, r.X0, r.X1, r.Y0, r.Y1)
}
