package tilepack

import (
	"github.com/paulmach/orb/maptile"
)

// TileOutputter is the archive side of a run. Contains and TileCount are
// read by the job producer while the run goroutine puts tiles.
type TileOutputter interface {
	Contains(tile maptile.Tile) bool
	TileCount() uint64
	Put(tile maptile.Tile, data []byte) error
	Finalize(opts FinalizeOptions) (*MbtilesMetadata, error)
	Close() error
}

// OutputterOpener opens or resumes the in-progress archive at path for one
// request.
type OutputterOpener func(path string, bounds LngLatBbox, zooms ZoomRange) (TileOutputter, error)

// MbtilesOpener opens MBTiles writers committing every batchSize tiles.
func MbtilesOpener(batchSize int) OutputterOpener {
	return func(path string, bounds LngLatBbox, zooms ZoomRange) (TileOutputter, error) {
		w, err := OpenMbtilesWriter(path, bounds, zooms, WithBatchSize(batchSize))
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

var _ TileOutputter = (*MbtilesWriter)(nil)
