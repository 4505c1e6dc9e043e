package imagery

import (
	"github.com/samber/lo"

	"orthotiles/internal/common"
)

// Partition splits rect into sub-rectangles of at most maxTilesPerAxis tiles on each
// side. The result is ordered row-major from the geographic north-west corner; the
// pieces are disjoint and together cover rect exactly.
func Partition(rect common.TileRect, maxTilesPerAxis int) []common.TileRect {
	if rect.Count() == 0 {
		return nil
	}
	if maxTilesPerAxis < 1 {
		maxTilesPerAxis = 1
	}

	cols := lo.RangeWithSteps(rect.X0, rect.X1+1, 1)
	// rows ordered north to south
	rows := lo.RangeWithSteps(rect.Y0, rect.Y1+1, 1)
	if rect.Scheme == common.SchemeTMS {
		rows = lo.RangeWithSteps(rect.Y1, rect.Y0-1, -1)
	}

	colChunks := lo.Chunk(cols, maxTilesPerAxis)
	rowChunks := lo.Chunk(rows, maxTilesPerAxis)

	parts := make([]common.TileRect, 0, len(colChunks)*len(rowChunks))
	for _, rc := range rowChunks {
		for _, cc := range colChunks {
			part := rect
			part.X0, part.X1 = cc[0], cc[len(cc)-1]
			part.Y0, part.Y1 = lo.Min(rc), lo.Max(rc)
			parts = append(parts, part)
		}
	}
	return parts
}
