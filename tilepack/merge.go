package tilepack

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/geotiles/go-tilegrab/logger"
)

// MergeResult summarizes a merge.
type MergeResult struct {
	Metadata *MbtilesMetadata
	Tiles    int
	// Conflicts counts tiles present in several sources with different
	// bytes. The first source wins.
	Conflicts int
}

// MergeArchives combines finalized archives, typically the regions of one
// generation, into a new finalized archive at dst. Bounds and zoom range of
// the result cover all sources. Empty fields of opts are taken from the
// first source.
func MergeArchives(dst string, srcs []string, opts FinalizeOptions, log logger.Logger) (*MergeResult, error) {
	if len(srcs) == 0 {
		return nil, errors.New("no archives to merge")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrGenerationExists, dst)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, storageErr("stat", dst, err)
	}

	bounds, zooms, err := mergeExtent(srcs, &opts)
	if err != nil {
		return nil, err
	}

	workPath := InProgressPath(dst)
	writer, err := OpenMbtilesWriter(workPath, bounds, zooms)
	if err != nil {
		return nil, err
	}

	result := &MergeResult{}
	if err := mergeInto(writer, srcs, result, log); err != nil {
		writer.Close()
		return nil, err
	}

	result.Tiles = writer.Written()

	meta, err := writer.Finalize(opts)
	if err != nil {
		writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(workPath, dst); err != nil {
		return nil, storageErr("rename", dst, err)
	}

	result.Metadata = meta
	log.Info("Merged archives",
		logger.String("output", dst),
		logger.Int("sources", len(srcs)),
		logger.Int("tiles", result.Tiles),
		logger.Int("conflicts", result.Conflicts),
	)
	return result, nil
}

// mergeExtent reads the bounds and zoom range covering every source and
// fills empty descriptive options from the first one.
func mergeExtent(srcs []string, opts *FinalizeOptions) (LngLatBbox, ZoomRange, error) {
	var (
		bound orb.Bound
		zooms ZoomRange
	)
	for i, src := range srcs {
		reader, err := NewMbtilesReader(src)
		if err != nil {
			return LngLatBbox{}, ZoomRange{}, err
		}
		meta, err := reader.Metadata()
		reader.Close()
		if err != nil {
			return LngLatBbox{}, ZoomRange{}, err
		}
		if !meta.IsComplete() {
			return LngLatBbox{}, ZoomRange{}, fmt.Errorf("%s is not finalized", src)
		}

		b, err := meta.Bounds()
		if err != nil {
			return LngLatBbox{}, ZoomRange{}, fmt.Errorf("%s: %w", src, err)
		}
		minZoom, err := meta.MinZoom()
		if err != nil {
			return LngLatBbox{}, ZoomRange{}, fmt.Errorf("%s: %w", src, err)
		}
		maxZoom, err := meta.MaxZoom()
		if err != nil {
			return LngLatBbox{}, ZoomRange{}, fmt.Errorf("%s: %w", src, err)
		}

		if i == 0 {
			bound = b
			zooms = ZoomRange{Min: minZoom, Max: maxZoom}
			if opts.Name == "" {
				opts.Name = meta.Name()
			}
			if opts.Format == "" {
				opts.Format = meta.Format()
			}
			if opts.Attribution == "" {
				opts.Attribution = meta.Attribution()
			}
			continue
		}
		bound = bound.Union(b)
		zooms.Min = min(zooms.Min, minZoom)
		zooms.Max = max(zooms.Max, maxZoom)
	}

	bbox := LngLatBbox{West: bound.Min.Lon(), South: bound.Min.Lat(), East: bound.Max.Lon(), North: bound.Max.Lat()}
	return bbox, zooms, nil
}

func mergeInto(writer *MbtilesWriter, srcs []string, result *MergeResult, log logger.Logger) error {
	for _, src := range srcs {
		reader, err := NewMbtilesReader(src)
		if err != nil {
			return err
		}

		var putErr error
		err = reader.VisitAllTiles(func(t maptile.Tile, data []byte) {
			if putErr != nil {
				return
			}
			err := writer.Put(t, data)
			var conflict *ConflictError
			switch {
			case errors.As(err, &conflict):
				result.Conflicts++
				log.Debug("Keeping first copy of conflicting tile", logger.String("tile", tileKey(t)), logger.String("source", src))
			case err != nil:
				putErr = err
			}
		})
		reader.Close()
		if err == nil {
			err = putErr
		}
		if err != nil {
			return fmt.Errorf("merge %s: %w", src, err)
		}
	}
	return nil
}
