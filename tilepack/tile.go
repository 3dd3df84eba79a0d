package tilepack

import (
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	webMercatorLatLimit float64 = 85.05112877980659
	webMercatorLonLimit float64 = 180.0 - 0.00000001

	// MaxSupportedZoom is the deepest zoom a request may ask for.
	MaxSupportedZoom maptile.Zoom = 22
)

// LngLatBbox is a geographic rectangle in WGS84 degrees.
type LngLatBbox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// ParseBbox parses "west,south,east,north".
func ParseBbox(s string) (LngLatBbox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return LngLatBbox{}, fmt.Errorf("%w: expected west,south,east,north, got %q", ErrInvalidBoundingBox, s)
	}

	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return LngLatBbox{}, fmt.Errorf("%w: %q: %v", ErrInvalidBoundingBox, s, err)
		}
		vals[i] = v
	}

	b := LngLatBbox{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}
	return b, b.Validate()
}

func (b LngLatBbox) Validate() error {
	for _, v := range []float64{b.West, b.South, b.East, b.North} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidBoundingBox, b)
		}
	}
	if b.West < -180 || b.East > 180 {
		return fmt.Errorf("%w: longitude outside [-180, 180] in %s", ErrInvalidBoundingBox, b)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("%w: latitude outside [-90, 90] in %s", ErrInvalidBoundingBox, b)
	}
	if b.West >= b.East {
		return fmt.Errorf("%w: west must be less than east in %s", ErrInvalidBoundingBox, b)
	}
	if b.South >= b.North {
		return fmt.Errorf("%w: south must be less than north in %s", ErrInvalidBoundingBox, b)
	}
	return nil
}

func (b LngLatBbox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// Clamped returns the box limited to the web mercator extent. The result may
// be empty (South >= North) when the box lies entirely beyond the latitude limit.
func (b LngLatBbox) Clamped() LngLatBbox {
	return LngLatBbox{
		West:  math.Max(-180.0, b.West),
		South: math.Max(-webMercatorLatLimit, b.South),
		East:  math.Min(webMercatorLonLimit, b.East),
		North: math.Min(webMercatorLatLimit, b.North),
	}
}

func (b LngLatBbox) String() string {
	return formatBounds(b.Bound())
}

func formatBounds(bound orb.Bound) string {
	vals := []float64{bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// ZoomRange is an inclusive range of zoom levels.
type ZoomRange struct {
	Min maptile.Zoom `json:"min"`
	Max maptile.Zoom `json:"max"`
}

// ParseZoomRange accepts "5" or "1-5".
func ParseZoomRange(s string) (ZoomRange, error) {
	lo, hi, found := strings.Cut(strings.TrimSpace(s), "-")
	if !found {
		hi = lo
	}

	minZoom, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 8)
	if err != nil {
		return ZoomRange{}, fmt.Errorf("%w: %q", ErrInvalidZoomRange, s)
	}
	maxZoom, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 8)
	if err != nil {
		return ZoomRange{}, fmt.Errorf("%w: %q", ErrInvalidZoomRange, s)
	}

	zr := ZoomRange{Min: maptile.Zoom(minZoom), Max: maptile.Zoom(maxZoom)}
	return zr, zr.Validate()
}

func (zr ZoomRange) Validate() error {
	if zr.Min > zr.Max {
		return fmt.Errorf("%w: min zoom %d is greater than max zoom %d", ErrInvalidZoomRange, zr.Min, zr.Max)
	}
	if zr.Max > MaxSupportedZoom {
		return fmt.Errorf("%w: max zoom %d exceeds %d", ErrInvalidZoomRange, zr.Max, MaxSupportedZoom)
	}
	return nil
}

func (zr ZoomRange) Zooms() []maptile.Zoom {
	zooms := make([]maptile.Zoom, 0, int(zr.Max)-int(zr.Min)+1)
	for z := int(zr.Min); z <= int(zr.Max); z++ {
		zooms = append(zooms, maptile.Zoom(z))
	}
	return zooms
}

func (zr ZoomRange) String() string {
	return fmt.Sprintf("%d-%d", zr.Min, zr.Max)
}

// FlipY converts between XYZ rows (origin north) and TMS rows (origin south).
// The conversion is its own inverse.
func FlipY(z maptile.Zoom, y uint32) uint32 {
	return uint32(1)<<uint32(z) - 1 - y
}

type GenerateBoxesConsumerFunc func(minTile maptile.Tile, maxTile maptile.Tile, z maptile.Zoom)

type GenerateRangesOptions struct {
	Bounds       LngLatBbox
	Zooms        ZoomRange
	ConsumerFunc GenerateBoxesConsumerFunc
}

// GenerateTileRanges hands the consumer the inclusive corner tiles covering
// the bounds at each zoom. Zooms where the clamped bounds are empty are skipped.
func GenerateTileRanges(opts *GenerateRangesOptions) error {
	if err := opts.Bounds.Validate(); err != nil {
		return err
	}
	if err := opts.Zooms.Validate(); err != nil {
		return err
	}

	for _, z := range opts.Zooms.Zooms() {
		minTile, maxTile, ok := tileRange(opts.Bounds, z)
		if !ok {
			continue
		}
		opts.ConsumerFunc(minTile, maxTile, z)
	}
	return nil
}

func tileRange(b LngLatBbox, z maptile.Zoom) (maptile.Tile, maptile.Tile, bool) {
	c := b.Clamped()
	if c.South >= c.North || c.West >= c.East {
		return maptile.Tile{}, maptile.Tile{}, false
	}

	last := uint32(1)<<uint32(z) - 1
	// Rows grow southward, so the north-west corner holds the minimum indices.
	nw := maptile.Fraction(orb.Point{c.West, c.North}, z)
	se := maptile.Fraction(orb.Point{c.East, c.South}, z)

	minTile := maptile.New(clampIndex(nw.X(), last), clampIndex(nw.Y(), last), z)
	maxTile := maptile.New(clampIndex(se.X(), last), clampIndex(se.Y(), last), z)
	return minTile, maxTile, true
}

func clampIndex(f float64, last uint32) uint32 {
	if f <= 0 || math.IsNaN(f) {
		return 0
	}
	i := math.Floor(f)
	if i >= float64(last) {
		return last
	}
	return uint32(i)
}

type GenerateTilesConsumerFunc func(tile maptile.Tile)

type GenerateTilesOptions struct {
	Bounds       LngLatBbox
	Zooms        ZoomRange
	ConsumerFunc GenerateTilesConsumerFunc
}

// GenerateTiles calls the consumer for every tile of the request, zoom by zoom,
// columns ascending and rows ascending within a column.
func GenerateTiles(opts *GenerateTilesOptions) error {
	seq, err := Tiles(opts.Bounds, opts.Zooms)
	if err != nil {
		return err
	}
	for tile := range seq {
		opts.ConsumerFunc(tile)
	}
	return nil
}

// Tiles returns a lazy, restartable sequence over the tiles of the request.
func Tiles(bounds LngLatBbox, zooms ZoomRange) (iter.Seq[maptile.Tile], error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if err := zooms.Validate(); err != nil {
		return nil, err
	}

	return func(yield func(maptile.Tile) bool) {
		for _, z := range zooms.Zooms() {
			minTile, maxTile, ok := tileRange(bounds, z)
			if !ok {
				continue
			}
			for x := minTile.X; x <= maxTile.X; x++ {
				for y := minTile.Y; y <= maxTile.Y; y++ {
					if !yield(maptile.New(x, y, z)) {
						return
					}
				}
			}
		}
	}, nil
}

// CountTiles returns how many tiles Tiles would yield without enumerating them.
func CountTiles(bounds LngLatBbox, zooms ZoomRange) (uint64, error) {
	var total uint64
	err := GenerateTileRanges(&GenerateRangesOptions{
		Bounds: bounds,
		Zooms:  zooms,
		ConsumerFunc: func(minTile, maxTile maptile.Tile, _ maptile.Zoom) {
			total += uint64(maxTile.X-minTile.X+1) * uint64(maxTile.Y-minTile.Y+1)
		},
	})
	return total, err
}

func tileKey(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}
