package tilepack

import (
	"math"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, bounds LngLatBbox, zooms ZoomRange) []maptile.Tile {
	t.Helper()
	seq, err := Tiles(bounds, zooms)
	require.NoError(t, err)
	var out []maptile.Tile
	for tile := range seq {
		out = append(out, tile)
	}
	return out
}

func TestCountTiles(t *testing.T) {
	tests := []struct {
		name   string
		bounds LngLatBbox
		zooms  ZoomRange
		want   uint64
	}{
		{"whole world z0-2", LngLatBbox{-180, -90, 180, 90}, ZoomRange{0, 2}, 21},
		{"twin cities z0-5", LngLatBbox{-93.5778, 44.6848, -92.7482, 45.202}, ZoomRange{0, 5}, 6},
		{"warsaw z1-5", testBbox, ZoomRange{1, 5}, 5},
		{"warsaw z12-14", testBbox, ZoomRange{12, 14}, 10},
		{"beyond mercator", LngLatBbox{10, 86, 20, 89}, ZoomRange{0, 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CountTiles(tt.bounds, tt.zooms)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, collect(t, tt.bounds, tt.zooms), int(tt.want))
		})
	}
}

func TestTilesPerZoomRectangle(t *testing.T) {
	tiles := collect(t, testBbox, ZoomRange{Min: 1, Max: 5})
	assert.Equal(t, []maptile.Tile{
		maptile.New(1, 0, 1),
		maptile.New(2, 1, 2),
		maptile.New(4, 2, 3),
		maptile.New(8, 5, 4),
		maptile.New(17, 10, 5),
	}, tiles)

	tiles = collect(t, testBbox, ZoomRange{Min: 14, Max: 14})
	assert.Equal(t, []maptile.Tile{
		maptile.New(9134, 5378, 14),
		maptile.New(9134, 5379, 14),
		maptile.New(9134, 5380, 14),
		maptile.New(9135, 5378, 14),
		maptile.New(9135, 5379, 14),
		maptile.New(9135, 5380, 14),
	}, tiles)
}

func TestTilesAreDeterministicAndInRange(t *testing.T) {
	bounds := LngLatBbox{-180, -90, 180, 90}
	first := collect(t, bounds, ZoomRange{Min: 0, Max: 6})
	second := collect(t, bounds, ZoomRange{Min: 0, Max: 6})
	assert.Equal(t, first, second)

	seen := map[maptile.Tile]bool{}
	for _, tile := range first {
		last := uint32(1)<<uint32(tile.Z) - 1
		assert.LessOrEqual(t, tile.X, last)
		assert.LessOrEqual(t, tile.Y, last)
		assert.False(t, seen[tile])
		seen[tile] = true
	}
}

func TestTilesStopEarly(t *testing.T) {
	seq, err := Tiles(LngLatBbox{-180, -90, 180, 90}, ZoomRange{Min: 0, Max: 20})
	require.NoError(t, err)
	n := 0
	for range seq {
		n++
		if n == 10 {
			break
		}
	}
	assert.Equal(t, 10, n)
}

func TestGenerateTileRanges(t *testing.T) {
	var zooms []maptile.Zoom
	err := GenerateTileRanges(&GenerateRangesOptions{
		Bounds: LngLatBbox{-180, -90, 180, 90},
		Zooms:  ZoomRange{Min: 0, Max: 2},
		ConsumerFunc: func(minTile, maxTile maptile.Tile, z maptile.Zoom) {
			zooms = append(zooms, z)
			last := uint32(1)<<uint32(z) - 1
			assert.Equal(t, maptile.New(0, 0, z), minTile)
			assert.Equal(t, maptile.New(last, last, z), maxTile)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []maptile.Zoom{0, 1, 2}, zooms)
}

func TestGenerateTiles(t *testing.T) {
	var got []maptile.Tile
	err := GenerateTiles(&GenerateTilesOptions{
		Bounds:       testBbox,
		Zooms:        ZoomRange{Min: 3, Max: 4},
		ConsumerFunc: func(tile maptile.Tile) { got = append(got, tile) },
	})
	require.NoError(t, err)
	assert.Equal(t, []maptile.Tile{maptile.New(4, 2, 3), maptile.New(8, 5, 4)}, got)
}

func TestBboxValidate(t *testing.T) {
	tests := []struct {
		name   string
		bounds LngLatBbox
		ok     bool
	}{
		{"valid", testBbox, true},
		{"world", LngLatBbox{-180, -90, 180, 90}, true},
		{"west not less than east", LngLatBbox{20, 50, 20, 51}, false},
		{"south above north", LngLatBbox{20, 52, 21, 51}, false},
		{"longitude out of range", LngLatBbox{-181, 0, 10, 10}, false},
		{"latitude out of range", LngLatBbox{0, -91, 10, 10}, false},
		{"nan", LngLatBbox{math.NaN(), 0, 10, 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bounds.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidBoundingBox)

			_, err = Tiles(tt.bounds, ZoomRange{Min: 0, Max: 1})
			assert.ErrorIs(t, err, ErrInvalidBoundingBox)
		})
	}
}

func TestZoomRangeValidate(t *testing.T) {
	assert.NoError(t, ZoomRange{Min: 0, Max: 0}.Validate())
	assert.ErrorIs(t, ZoomRange{Min: 5, Max: 1}.Validate(), ErrInvalidZoomRange)
	assert.ErrorIs(t, ZoomRange{Min: 0, Max: MaxSupportedZoom + 1}.Validate(), ErrInvalidZoomRange)

	_, err := CountTiles(testBbox, ZoomRange{Min: 3, Max: 2})
	assert.ErrorIs(t, err, ErrInvalidZoomRange)
}

func TestParseBbox(t *testing.T) {
	b, err := ParseBbox("20.70, 52.42,20.74,52.45")
	require.NoError(t, err)
	assert.Equal(t, testBbox, b)
	assert.Equal(t, "20.7,52.42,20.74,52.45", b.String())

	_, err = ParseBbox("1,2,3")
	assert.ErrorIs(t, err, ErrInvalidBoundingBox)
	_, err = ParseBbox("a,2,3,4")
	assert.ErrorIs(t, err, ErrInvalidBoundingBox)
	_, err = ParseBbox("3,2,1,4")
	assert.ErrorIs(t, err, ErrInvalidBoundingBox)
}

func TestParseZoomRange(t *testing.T) {
	zr, err := ParseZoomRange("1-5")
	require.NoError(t, err)
	assert.Equal(t, ZoomRange{Min: 1, Max: 5}, zr)
	assert.Equal(t, "1-5", zr.String())

	zr, err = ParseZoomRange("7")
	require.NoError(t, err)
	assert.Equal(t, ZoomRange{Min: 7, Max: 7}, zr)

	_, err = ParseZoomRange("5-1")
	assert.ErrorIs(t, err, ErrInvalidZoomRange)
	_, err = ParseZoomRange("x")
	assert.ErrorIs(t, err, ErrInvalidZoomRange)
}

func TestClampIndex(t *testing.T) {
	assert.Equal(t, uint32(0), clampIndex(-0.5, 7))
	assert.Equal(t, uint32(3), clampIndex(3.99, 7))
	assert.Equal(t, uint32(7), clampIndex(8, 7))
	assert.Equal(t, uint32(0), clampIndex(math.NaN(), 7))
}
