package tilepack

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Register sqlite3 database driver
	"github.com/paulmach/orb/maptile"
)

type TileData struct {
	Tile maptile.Tile
	// Data is nil when the archive has no such tile.
	Data []byte
}

// MbtilesReader reads an archive using XYZ tile coordinates; the TMS row
// flip is handled internally.
type MbtilesReader interface {
	Close() error
	GetTile(tile maptile.Tile) (*TileData, error)
	Metadata() (*MbtilesMetadata, error)
	Tiles() (*TileSet, error)
	VisitAllTiles(visitor func(maptile.Tile, []byte)) error
}

// NewMbtilesReader opens the archive at path read-only.
func NewMbtilesReader(path string) (MbtilesReader, error) {
	db, err := sql.Open("sqlite3", mbtilesDSN(path, true))
	if err != nil {
		return nil, storageErr("open", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storageErr("open", path, err)
	}
	return NewMbtilesReaderWithDatabase(db)
}

func NewMbtilesReaderWithDatabase(db *sql.DB) (MbtilesReader, error) {
	return &mbtilesReader{db: db}, nil
}

type mbtilesReader struct {
	db *sql.DB
}

// Close gracefully tears down the mbtiles connection.
func (o *mbtilesReader) Close() error {
	if o.db == nil {
		return nil
	}
	return o.db.Close()
}

// GetTile returns data for the given tile.
func (o *mbtilesReader) GetTile(tile maptile.Tile) (*TileData, error) {
	var data []byte

	result := o.db.QueryRow("SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=? LIMIT 1", tile.Z, tile.X, FlipY(tile.Z, tile.Y))
	if err := result.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &TileData{Tile: tile}, nil
		}
		return nil, fmt.Errorf("read tile %s: %w", tileKey(tile), err)
	}

	return &TileData{Tile: tile, Data: data}, nil
}

func (o *mbtilesReader) Metadata() (*MbtilesMetadata, error) {
	meta, err := readMetadata(o.db)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	return NewMbtilesMetadata(meta), nil
}

// Tiles returns the set of tiles stored in the archive.
func (o *mbtilesReader) Tiles() (*TileSet, error) {
	rows, err := o.db.Query("SELECT zoom_level, tile_column, tile_row FROM map")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := NewTileSet()
	var x, row uint32
	var z maptile.Zoom
	for rows.Next() {
		if err := rows.Scan(&z, &x, &row); err != nil {
			return nil, err
		}
		set.Add(maptile.New(x, FlipY(z, row), z))
	}
	return set, rows.Err()
}

// VisitAllTiles runs the given function on all tiles in this mbtiles archive.
func (o *mbtilesReader) VisitAllTiles(visitor func(maptile.Tile, []byte)) error {
	rows, err := o.db.Query("SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles")
	if err != nil {
		return err
	}
	defer rows.Close()

	var x, row uint32
	var z maptile.Zoom
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&z, &x, &row, &data); err != nil {
			return fmt.Errorf("scan tile row: %w", err)
		}
		visitor(maptile.New(x, FlipY(z, row), z), data)
	}
	return rows.Err()
}
