package geo

import (
	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-lifecycle/internal/models"
)

// CellPrecision 5 gives cells of roughly 4.9km x 4.9km.
const CellPrecision = 5

// Cell returns the geohash of c at the given precision.
func Cell(c models.Coord, precision uint) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, precision)
}

// CellAndNeighbors returns the cell containing c plus its eight neighbours.
func CellAndNeighbors(c models.Coord, precision uint) []string {
	cell := Cell(c, precision)
	return append([]string{cell}, geohash.Neighbors(cell)...)
}

// InCells reports whether hash falls inside any of cells. hash may be longer
// than the cells.
func InCells(hash string, cells []string) bool {
	for _, cell := range cells {
		if len(hash) >= len(cell) && hash[:len(cell)] == cell {
			return true
		}
	}
	return false
}
