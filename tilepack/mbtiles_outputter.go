package tilepack

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	_ "github.com/mattn/go-sqlite3" // Register sqlite3 database driver
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/protomaps/go-pmtiles/pmtiles"
)

const (
	defaultBatchSize = 200

	mbtilesVersion = "1.2"
	mbtilesType    = "overlay"
)

const createTilesSQL = `
	BEGIN TRANSACTION;
	CREATE TABLE IF NOT EXISTS map (
		zoom_level INTEGER NOT NULL,
		tile_column INTEGER NOT NULL,
		tile_row INTEGER NOT NULL,
		tile_id TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS map_index ON map (zoom_level, tile_column, tile_row);
	CREATE TABLE IF NOT EXISTS images (
		tile_data BLOB NOT NULL,
		tile_id TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS images_id ON images (tile_id);
	CREATE TABLE IF NOT EXISTS metadata (
		name TEXT,
		value TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS name ON metadata (name);
	CREATE VIEW IF NOT EXISTS tiles AS
	SELECT
		map.zoom_level AS zoom_level,
		map.tile_column AS tile_column,
		map.tile_row AS tile_row,
		images.tile_data AS tile_data
	FROM map
	JOIN images ON images.tile_id = map.tile_id;
	COMMIT;
`

func mbtilesDSN(path string, readOnly bool) string {
	if readOnly {
		return "file:" + path + "?mode=ro&_busy_timeout=5000"
	}
	return "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

// TileSet is a set of tiles keyed by PMTiles tile id. Iteration follows the
// Hilbert curve order of those ids.
type TileSet struct {
	ids *roaring64.Bitmap
}

func NewTileSet() *TileSet {
	return &TileSet{ids: roaring64.New()}
}

func tileID(tile maptile.Tile) uint64 {
	return pmtiles.ZxyToID(uint8(tile.Z), tile.X, tile.Y)
}

func (s *TileSet) Add(tile maptile.Tile) {
	s.ids.Add(tileID(tile))
}

func (s *TileSet) Contains(tile maptile.Tile) bool {
	return s.ids.Contains(tileID(tile))
}

func (s *TileSet) Len() uint64 {
	return s.ids.GetCardinality()
}

func (s *TileSet) Clone() *TileSet {
	return &TileSet{ids: s.ids.Clone()}
}

// All yields the tiles of the set in ascending tile id order.
func (s *TileSet) All() iter.Seq[maptile.Tile] {
	return func(yield func(maptile.Tile) bool) {
		it := s.ids.Iterator()
		for it.HasNext() {
			z, x, y := pmtiles.IDToZxy(it.Next())
			if !yield(maptile.New(x, y, maptile.Zoom(z))) {
				return
			}
		}
	}
}

// Bound is the union of the extents of every tile in the set. ok is false for
// an empty set.
func (s *TileSet) Bound() (bound orb.Bound, ok bool) {
	for tile := range s.All() {
		if !ok {
			bound, ok = tile.Bound(), true
			continue
		}
		bound = bound.Union(tile.Bound())
	}
	return bound, ok
}

type WriterOption func(*MbtilesWriter)

// WithBatchSize sets how many puts share one transaction.
func WithBatchSize(n int) WriterOption {
	return func(w *MbtilesWriter) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// FinalizeOptions carries the descriptive metadata of a finished archive.
type FinalizeOptions struct {
	Name        string
	Description string
	Attribution string
	// Format is the tile encoding, "png" or "jpg".
	Format    string
	Generated time.Time
}

// MbtilesWriter persists tiles into an MBTiles archive. Rows are stored in the
// TMS convention. Puts come from a single goroutine; Contains, Snapshot and
// TileCount may be called alongside them.
type MbtilesWriter struct {
	path       string
	bounds     LngLatBbox
	zooms      ZoomRange
	db         *sql.DB
	txn        *sql.Tx
	batchSize  int
	batchCount int
	mu         sync.RWMutex
	present    *TileSet
	written    int
	finalized  bool
	broken     error
	closed     bool
}

// OpenMbtilesWriter creates the archive at path or attaches to an in-progress
// one started for the same request.
func OpenMbtilesWriter(path string, bounds LngLatBbox, zooms ZoomRange, opts ...WriterOption) (*MbtilesWriter, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if err := zooms.Validate(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr("mkdir", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", mbtilesDSN(path, false))
	if err != nil {
		return nil, storageErr("open", path, err)
	}
	db.SetMaxOpenConns(1)

	w := &MbtilesWriter{
		path:      path,
		bounds:    bounds,
		zooms:     zooms,
		db:        db,
		batchSize: defaultBatchSize,
		present:   NewTileSet(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *MbtilesWriter) prepare() error {
	if _, err := w.db.Exec(createTilesSQL); err != nil {
		return storageErr("create schema", w.path, err)
	}

	meta, err := readMetadata(w.db)
	if err != nil {
		return storageErr("read metadata", w.path, err)
	}

	if meta[MetadataState] == StateComplete {
		return fmt.Errorf("%w: %s", ErrArchiveFinalized, w.path)
	}
	request := requestKey(w.bounds, w.zooms)
	if existing, ok := meta[MetadataRequest]; ok && existing != request {
		return fmt.Errorf("%w: %s holds %q, want %q", ErrArchiveMismatch, w.path, existing, request)
	}

	if _, err := w.db.Exec(
		"INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?), (?, ?);",
		MetadataState, StateInProgress, MetadataRequest, request,
	); err != nil {
		return storageErr("write metadata", w.path, err)
	}

	return w.loadPresent()
}

func requestKey(bounds LngLatBbox, zooms ZoomRange) string {
	return bounds.String() + ";" + zooms.String()
}

func (w *MbtilesWriter) loadPresent() error {
	rows, err := w.db.Query("SELECT zoom_level, tile_column, tile_row FROM map")
	if err != nil {
		return storageErr("scan tiles", w.path, err)
	}
	defer rows.Close()

	var x, row uint32
	var z maptile.Zoom
	for rows.Next() {
		if err := rows.Scan(&z, &x, &row); err != nil {
			return storageErr("scan tiles", w.path, err)
		}
		w.present.Add(maptile.New(x, FlipY(z, row), z))
	}
	if err := rows.Err(); err != nil {
		return storageErr("scan tiles", w.path, err)
	}
	return nil
}

func readMetadata(db interface {
	Query(query string, args ...any) (*sql.Rows, error)
}) (map[string]string, error) {
	rows, err := db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meta := map[string]string{}
	for rows.Next() {
		var name, value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		meta[name.String] = value.String
	}
	return meta, rows.Err()
}

func (w *MbtilesWriter) Path() string {
	return w.path
}

// Contains reports whether the tile is already in the archive.
func (w *MbtilesWriter) Contains(tile maptile.Tile) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.present.Contains(tile)
}

// Snapshot returns a copy of the presence set that is safe to read while the
// writer keeps accepting puts.
func (w *MbtilesWriter) Snapshot() *TileSet {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.present.Clone()
}

// TileCount is the number of tiles in the archive, including resumed ones.
func (w *MbtilesWriter) TileCount() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.present.Len()
}

// Written is the number of tiles stored through this writer.
func (w *MbtilesWriter) Written() int {
	return w.written
}

func (w *MbtilesWriter) begin() error {
	if w.txn != nil {
		return nil
	}
	tx, err := w.db.Begin()
	if err != nil {
		return w.fail(storageErr("begin", w.path, err))
	}
	w.txn = tx
	return nil
}

func (w *MbtilesWriter) commit() error {
	if w.txn == nil {
		return nil
	}
	err := w.txn.Commit()
	w.txn = nil
	w.batchCount = 0
	if err != nil {
		return w.fail(storageErr("commit", w.path, err))
	}
	return nil
}

// fail marks the writer unusable. Uncommitted puts are rolled back on Close
// so the file only holds complete batches.
func (w *MbtilesWriter) fail(err error) error {
	if w.broken == nil {
		w.broken = err
	}
	return err
}

// Put stores a tile given in XYZ coordinates. Putting identical bytes for a
// stored tile is a no-op; different bytes yield a *ConflictError.
func (w *MbtilesWriter) Put(tile maptile.Tile, data []byte) error {
	switch {
	case w.broken != nil:
		return w.broken
	case w.finalized:
		return fmt.Errorf("%w: %s", ErrArchiveFinalized, w.path)
	case len(data) == 0:
		return fmt.Errorf("%w: empty tile %s", ErrMalformedTile, tileKey(tile))
	}

	hash := md5.Sum(data)
	contentID := hex.EncodeToString(hash[:])
	row := FlipY(tile.Z, tile.Y)

	if err := w.begin(); err != nil {
		return err
	}

	if w.Contains(tile) {
		var existing string
		err := w.txn.QueryRow(
			"SELECT tile_id FROM map WHERE zoom_level=? AND tile_column=? AND tile_row=?",
			tile.Z, tile.X, row,
		).Scan(&existing)
		if err != nil {
			return w.fail(storageErr("read tile", w.path, err))
		}
		if existing == contentID {
			return nil
		}
		return &ConflictError{Tile: tile, Existing: existing, Incoming: contentID}
	}

	if _, err := w.txn.Exec("INSERT OR IGNORE INTO images (tile_id, tile_data) VALUES (?, ?);", contentID, data); err != nil {
		return w.fail(storageErr("insert image", w.path, err))
	}
	if _, err := w.txn.Exec("INSERT INTO map (zoom_level, tile_column, tile_row, tile_id) VALUES (?, ?, ?, ?);", tile.Z, tile.X, row, contentID); err != nil {
		return w.fail(storageErr("insert tile", w.path, err))
	}

	w.mu.Lock()
	w.present.Add(tile)
	w.mu.Unlock()
	w.written++
	w.batchCount++

	if w.batchCount >= w.batchSize {
		return w.commit()
	}
	return nil
}

// Finalize writes the descriptive metadata and marks the archive complete.
// The bounds cover the tiles actually stored, or the requested box when the
// archive is empty.
func (w *MbtilesWriter) Finalize(opts FinalizeOptions) (*MbtilesMetadata, error) {
	if w.broken != nil {
		return nil, w.broken
	}
	if w.finalized {
		return nil, fmt.Errorf("%w: %s", ErrArchiveFinalized, w.path)
	}

	bound, ok := w.present.Bound()
	if !ok {
		clamped := w.bounds.Clamped()
		if clamped.South >= clamped.North {
			clamped = w.bounds
		}
		bound = clamped.Bound()
	}

	generated := opts.Generated
	if generated.IsZero() {
		generated = time.Now()
	}
	description := opts.Description
	if description == "" {
		description = fmt.Sprintf("Layer: %s, Zoom: %s", opts.Name, w.zooms)
	}

	meta := NewMbtilesMetadata(map[string]string{
		"name":            opts.Name,
		"type":            mbtilesType,
		"version":         mbtilesVersion,
		"description":     description,
		"format":          opts.Format,
		"bounds":          formatBounds(bound),
		"center":          formatCenter(bound.Center(), w.zooms.Min),
		"minzoom":         strconv.Itoa(int(w.zooms.Min)),
		"maxzoom":         strconv.Itoa(int(w.zooms.Max)),
		MetadataGenerated: generated.UTC().Format(time.RFC3339),
		MetadataState:     StateComplete,
		MetadataRequest:   requestKey(w.bounds, w.zooms),
	})
	if opts.Attribution != "" {
		meta.Set("attribution", opts.Attribution)
	}

	if err := w.writeMetadata(meta); err != nil {
		return nil, err
	}
	w.finalized = true
	return meta, nil
}

func (w *MbtilesWriter) writeMetadata(meta *MbtilesMetadata) error {
	if err := w.begin(); err != nil {
		return err
	}
	for _, k := range meta.Keys() {
		v, _ := meta.Get(k)
		if _, err := w.txn.Exec("INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?);", k, v); err != nil {
			return w.fail(storageErr("write metadata", w.path, err))
		}
	}
	return w.commit()
}

func formatCenter(pt orb.Point, z maptile.Zoom) string {
	return strconv.FormatFloat(pt.X(), 'f', -1, 64) + "," +
		strconv.FormatFloat(pt.Y(), 'f', -1, 64) + "," +
		strconv.Itoa(int(z))
}

// Close commits pending puts and closes the database. After a storage failure
// the pending batch is rolled back instead.
func (w *MbtilesWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if w.txn != nil {
		if w.broken != nil {
			_ = w.txn.Rollback()
			w.txn = nil
		} else {
			err = w.commit()
		}
	}
	if cerr := w.db.Close(); cerr != nil && err == nil {
		err = storageErr("close", w.path, cerr)
	}
	return err
}

// AssignSpatialMetadata recomputes bounds, center and zoom range of an
// existing archive from the tiles it holds.
func AssignSpatialMetadata(path string) (*MbtilesMetadata, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, storageErr("stat", path, err)
	}

	db, err := sql.Open("sqlite3", mbtilesDSN(path, false))
	if err != nil {
		return nil, storageErr("open", path, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	rows, err := db.Query(`SELECT zoom_level, MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row)
		FROM map GROUP BY zoom_level ORDER BY zoom_level`)
	if err != nil {
		return nil, storageErr("scan tiles", path, err)
	}

	var (
		bound            orb.Bound
		minZoom, maxZoom maptile.Zoom
		found            bool
	)
	for rows.Next() {
		var z maptile.Zoom
		var minX, maxX, minRow, maxRow uint32
		if err := rows.Scan(&z, &minX, &maxX, &minRow, &maxRow); err != nil {
			rows.Close()
			return nil, storageErr("scan tiles", path, err)
		}
		// The highest TMS row is the northernmost tile.
		zb := maptile.New(minX, FlipY(z, maxRow), z).Bound().Union(maptile.New(maxX, FlipY(z, minRow), z).Bound())
		if !found {
			bound, minZoom, found = zb, z, true
		} else {
			bound = bound.Union(zb)
		}
		maxZoom = z
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("scan tiles", path, err)
	}
	rows.Close()

	if !found {
		return nil, errors.New("archive holds no tiles")
	}

	meta, err := readMetadata(db)
	if err != nil {
		return nil, storageErr("read metadata", path, err)
	}
	m := NewMbtilesMetadata(meta)
	m.Set("bounds", formatBounds(bound))
	m.Set("center", formatCenter(bound.Center(), minZoom))
	m.Set("minzoom", strconv.Itoa(int(minZoom)))
	m.Set("maxzoom", strconv.Itoa(int(maxZoom)))

	tx, err := db.Begin()
	if err != nil {
		return nil, storageErr("begin", path, err)
	}
	for _, k := range []string{"bounds", "center", "minzoom", "maxzoom"} {
		v, _ := m.Get(k)
		if _, err := tx.Exec("INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?);", k, v); err != nil {
			_ = tx.Rollback()
			return nil, storageErr("write metadata", path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit", path, err)
	}
	return m, nil
}
