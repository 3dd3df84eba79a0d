package tilepack

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb/maptile"
)

var (
	ErrInvalidBoundingBox = errors.New("invalid bounding box")
	ErrInvalidZoomRange   = errors.New("invalid zoom range")

	// ErrArchiveConflict means a tile already in the archive has different bytes.
	ErrArchiveConflict = errors.New("archive conflict")
	// ErrStorageFailure covers every disk, permission or database error of an archive.
	ErrStorageFailure   = errors.New("archive storage failure")
	ErrArchiveFinalized = errors.New("archive is already finalized")
	ErrArchiveMismatch  = errors.New("archive was started for a different request")
	ErrGenerationExists = errors.New("generation already exists")
	// ErrStaleArchive means an in-progress archive could not be resumed and
	// was moved aside. A fresh generation has to be started.
	ErrStaleArchive = errors.New("in-progress archive cannot be resumed")

	// ErrNotFound is a 404 from upstream.
	ErrNotFound = errors.New("tile not found upstream")
	// ErrMalformedTile is a 2xx response that does not carry tile image bytes.
	ErrMalformedTile = errors.New("malformed tile response")
	ErrUpstream      = errors.New("upstream request failed")
)

// FetchError describes a failed upstream request for one tile.
type FetchError struct {
	Tile       maptile.Tile
	StatusCode int
	Retriable  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Retriable {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %d/%d/%d: %s error: status %d: %v", e.Tile.Z, e.Tile.X, e.Tile.Y, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %d/%d/%d: %s error: %v", e.Tile.Z, e.Tile.X, e.Tile.Y, kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsRetriable reports whether err is a transient fetch failure.
func IsRetriable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retriable
}

// ConflictError is returned by Put when a stored tile differs from the new bytes.
type ConflictError struct {
	Tile     maptile.Tile
	Existing string
	Incoming string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: tile %d/%d/%d stored as %s, got %s", ErrArchiveConflict, e.Tile.Z, e.Tile.X, e.Tile.Y, e.Existing, e.Incoming)
}

func (e *ConflictError) Unwrap() error {
	return ErrArchiveConflict
}

// StorageError wraps an archive I/O failure. It matches ErrStorageFailure and
// the underlying error.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", ErrStorageFailure, e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.Err}
}

func storageErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Path: path, Err: err}
}
