// Package http serves tiles out of a finalized archive.
package http

import (
	"encoding/json"
	"fmt"
	gohttp "net/http"
	"regexp"
	"strconv"

	"github.com/paulmach/orb/maptile"

	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/metrics"
	"github.com/geotiles/go-tilegrab/tilepack"
)

var tileRegex = regexp.MustCompile(`^/(\d+)/(\d+)/(\d+)\.(png|jpg|jpeg|webp)$`)

const metadataPath = "/metadata.json"

// MbtilesHandler serves /{z}/{x}/{y}.{png,jpg,jpeg,webp} in XYZ addressing
// and /metadata.json. Archives that were never finalized answer 503.
type MbtilesHandler struct {
	reader   tilepack.MbtilesReader
	metadata *tilepack.MbtilesMetadata
	logger   logger.Logger
	metrics  *metrics.Metrics
}

// NewMbtilesHandler reads the archive metadata once. m may be nil.
func NewMbtilesHandler(reader tilepack.MbtilesReader, log logger.Logger, m *metrics.Metrics) (*MbtilesHandler, error) {
	meta, err := reader.Metadata()
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	if !meta.IsComplete() {
		log.Warn("Archive is not finalized, tiles will not be served")
	}
	return &MbtilesHandler{reader: reader, metadata: meta, logger: log, metrics: m}, nil
}

func (h *MbtilesHandler) ServeHTTP(w gohttp.ResponseWriter, r *gohttp.Request) {
	if r.Method != gohttp.MethodGet && r.Method != gohttp.MethodHead {
		gohttp.Error(w, "method not allowed", gohttp.StatusMethodNotAllowed)
		return
	}
	if !h.metadata.IsComplete() {
		gohttp.Error(w, "archive is not finalized", gohttp.StatusServiceUnavailable)
		return
	}

	if r.URL.Path == metadataPath {
		h.serveMetadata(w)
		return
	}

	tile, err := parseTileFromPath(r.URL.Path)
	if err != nil {
		h.metrics.ObserveServed(metrics.ServedMiss)
		gohttp.NotFound(w, r)
		return
	}

	result, err := h.reader.GetTile(tile)
	if err != nil {
		h.logger.Error("Error getting tile", logger.String("tile", fmt.Sprintf("%d/%d/%d", tile.Z, tile.X, tile.Y)), logger.Error(err))
		h.metrics.ObserveServed(metrics.ServedError)
		gohttp.Error(w, "internal error", gohttp.StatusInternalServerError)
		return
	}
	if result.Data == nil {
		h.metrics.ObserveServed(metrics.ServedMiss)
		gohttp.NotFound(w, r)
		return
	}
	h.metrics.ObserveServed(metrics.ServedHit)

	contentType := tilepack.SniffImageType(result.Data)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if r.Method == gohttp.MethodHead {
		return
	}
	w.Write(result.Data)
}

func (h *MbtilesHandler) serveMetadata(w gohttp.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.metadata.Map()); err != nil {
		h.logger.Error("Error encoding metadata", logger.Error(err))
	}
}

func parseTileFromPath(url string) (maptile.Tile, error) {
	match := tileRegex.FindStringSubmatch(url)
	if match == nil {
		return maptile.Tile{}, fmt.Errorf("invalid tile path")
	}

	z, err1 := strconv.ParseUint(match[1], 10, 8)
	x, err2 := strconv.ParseUint(match[2], 10, 32)
	y, err3 := strconv.ParseUint(match[3], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil || z > uint64(tilepack.MaxSupportedZoom) {
		return maptile.Tile{}, fmt.Errorf("invalid tile path")
	}

	tile := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))
	if !tile.Valid() {
		return maptile.Tile{}, fmt.Errorf("tile outside the grid")
	}
	return tile, nil
}
