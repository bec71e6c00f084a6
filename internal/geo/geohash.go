package geo

import (
	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-escrow/internal/models"
)

const (
	// SnapshotPrecision is stored on durable snapshots (~150m cells).
	SnapshotPrecision = 7
	// DispatchPrecision cells are ~156km wide; a cell plus its neighbours
	// covers any search radius up to MaxSearchRadiusKm.
	DispatchPrecision = 3
	MaxSearchRadiusKm = 50.0
)

func Cell(c models.Coord, precision uint) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lng, precision)
}

// SearchCells returns the cell containing c plus its eight neighbours.
func SearchCells(c models.Coord, precision uint) []string {
	center := Cell(c, precision)
	return append(geohash.Neighbors(center), center)
}
