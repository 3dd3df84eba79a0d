package tilepack

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Metadata keys written by go-tilegrab in addition to the MBTiles 1.2 ones.
const (
	MetadataState     = "tilegrab:state"
	MetadataRequest   = "tilegrab:request"
	MetadataGenerated = "generated"

	StateInProgress = "in_progress"
	StateComplete   = "complete"
)

type MbtilesMetadata struct {
	metadata map[string]string
}

func NewMbtilesMetadata(metadata map[string]string) *MbtilesMetadata {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &MbtilesMetadata{metadata: metadata}
}

func (m *MbtilesMetadata) Get(k string) (string, bool) {
	v, exists := m.metadata[k]
	return v, exists
}

func (m *MbtilesMetadata) Set(key string, value string) {
	m.metadata[key] = value
}

// Keys returns the metadata names in sorted order.
func (m *MbtilesMetadata) Keys() []string {
	keys := make([]string, 0, len(m.metadata))
	for k := range m.metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Map returns a copy of the raw key/value pairs.
func (m *MbtilesMetadata) Map() map[string]string {
	out := make(map[string]string, len(m.metadata))
	for k, v := range m.metadata {
		out[k] = v
	}
	return out
}

func (m *MbtilesMetadata) Bounds() (orb.Bound, error) {
	str, exists := m.Get("bounds")
	if !exists {
		return orb.Bound{}, fmt.Errorf("metadata is missing bounds")
	}

	vals, err := parseFloats(str, 4)
	if err != nil {
		return orb.Bound{}, fmt.Errorf("invalid bounds metadata: %w", err)
	}
	return orb.Bound{Min: orb.Point{vals[0], vals[1]}, Max: orb.Point{vals[2], vals[3]}}, nil
}

// Center returns the center point and, when present, the suggested zoom.
func (m *MbtilesMetadata) Center() (orb.Point, maptile.Zoom, error) {
	str, exists := m.Get("center")
	if !exists {
		return orb.Point{}, 0, fmt.Errorf("metadata is missing center")
	}

	parts := strings.Split(str, ",")
	if len(parts) != 2 && len(parts) != 3 {
		return orb.Point{}, 0, fmt.Errorf("invalid center metadata %q", str)
	}
	vals, err := parseFloats(strings.Join(parts[:2], ","), 2)
	if err != nil {
		return orb.Point{}, 0, fmt.Errorf("invalid center metadata: %w", err)
	}

	var zoom maptile.Zoom
	if len(parts) == 3 {
		z, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 8)
		if err != nil {
			return orb.Point{}, 0, fmt.Errorf("invalid center zoom: %w", err)
		}
		zoom = maptile.Zoom(z)
	}
	return orb.Point{vals[0], vals[1]}, zoom, nil
}

func (m *MbtilesMetadata) MinZoom() (maptile.Zoom, error) {
	return m.zoom("minzoom")
}

func (m *MbtilesMetadata) MaxZoom() (maptile.Zoom, error) {
	return m.zoom("maxzoom")
}

func (m *MbtilesMetadata) zoom(key string) (maptile.Zoom, error) {
	str, exists := m.Get(key)
	if !exists {
		return 0, fmt.Errorf("metadata is missing %s", key)
	}
	z, err := strconv.ParseUint(strings.TrimSpace(str), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s value: %w", key, err)
	}
	return maptile.Zoom(z), nil
}

func (m *MbtilesMetadata) Format() string {
	return m.metadata["format"]
}

func (m *MbtilesMetadata) Name() string {
	return m.metadata["name"]
}

func (m *MbtilesMetadata) Attribution() string {
	return m.metadata["attribution"]
}

// IsComplete reports whether the archive was finalized. Readers must not
// serve archives that are still being written.
func (m *MbtilesMetadata) IsComplete() bool {
	return m.metadata[MetadataState] == StateComplete
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(parts))
	}
	vals := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}
