package common

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	// Coordinate math, rejected before any I/O
	ErrOutOfProjectionRange = errors.New("coordinate outside web mercator projection range")
	ErrInvalidZoom          = errors.New("invalid zoom level")
	ErrInvalidBounds        = errors.New("invalid bounding box")

	// Tile acquisition
	ErrTransientFetch    = errors.New("transient tile fetch failure")
	ErrTileFetchFailed   = errors.New("tile fetch failed")
	ErrTileNotFound      = errors.New("tile not in cache")
	ErrIncompleteTileSet = errors.New("incomplete tile set")
	ErrUnknownSource     = errors.New("unknown orthophoto source")

	// Persistent store
	ErrDuplicateName   = errors.New("duplicate name")
	ErrNotFound        = errors.New("not found")
	ErrStoreIO         = errors.New("store transaction failed")
	ErrSchemaMigration = errors.New("schema migration failed")
)

// IncompleteTileSetError names the tiles a stitch run could not find in the cache.
type IncompleteTileSetError struct {
	Rect    TileRect
	Missing []TileKey
}

func (e *IncompleteTileSetError) Error() string {
	const maxListed = 8
	names := make([]string, 0, maxListed)
	for i, k := range e.Missing {
		if i == maxListed {
			names = append(names, fmt.Sprintf("... (%d more)", len(e.Missing)-maxListed))
			break
		}
		names = append(names, k.String())
	}
	return fmt.Sprintf("%s: %d tiles missing for %s: %s",
		ErrIncompleteTileSet, len(e.Missing), e.Rect, strings.Join(names, ", "))
}

func (e *IncompleteTileSetError) Unwrap() error { return ErrIncompleteTileSet }

// FetchError describes a failed tile request. Transient failures are retried by the
// scheduler; the rest fail the tile immediately.
type FetchError struct {
	Key        TileKey
	StatusCode int // 0 when no response was received
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.Key, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() []error {
	kind := ErrTileFetchFailed
	if e.Transient {
		kind = ErrTransientFetch
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}
