package tilepack

import (
	"time"

	"github.com/paulmach/orb/maptile"
)

// FetchJob asks the pool for one tile. Attempt starts at 1.
type FetchJob struct {
	Tile    maptile.Tile
	Attempt int
}

// FetchResult is the terminal outcome of a job. Err is nil on success.
type FetchResult struct {
	Tile        maptile.Tile
	Data        []byte
	ContentType string
	Attempts    int
	Elapsed     time.Duration
	Err         error
}

func (r *FetchResult) OK() bool {
	return r.Err == nil
}
