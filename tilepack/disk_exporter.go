package tilepack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/paulmach/orb/maptile"

	"github.com/geotiles/go-tilegrab/logger"
)

var imageExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// ExportDirectory writes every tile of a finalized archive to
// root/{z}/{x}/{y}.{ext} in XYZ addressing and returns the number of files
// written. The extension follows the image bytes, not the archive format.
func ExportDirectory(src, root string, log logger.Logger) (int, error) {
	if log == nil {
		log = logger.NewNop()
	}

	reader, err := NewMbtilesReader(src)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	meta, err := reader.Metadata()
	if err != nil {
		return 0, err
	}
	if !meta.IsComplete() {
		return 0, fmt.Errorf("%s is not finalized", src)
	}

	root, err = filepath.Abs(root)
	if err != nil {
		return 0, err
	}
	if info, err := os.Stat(root); err == nil && !info.IsDir() {
		return 0, errors.New("root is already a file")
	}

	var (
		written  int
		firstErr error
		made     = make(map[string]bool)
	)
	err = reader.VisitAllTiles(func(t maptile.Tile, data []byte) {
		if firstErr != nil {
			return
		}
		dir := filepath.Join(root, strconv.Itoa(int(t.Z)), strconv.FormatUint(uint64(t.X), 10))
		if !made[dir] {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				firstErr = storageErr("mkdir", dir, err)
				return
			}
			made[dir] = true
		}

		ext, ok := imageExtensions[SniffImageType(data)]
		if !ok {
			ext = "bin"
		}
		path := filepath.Join(dir, fmt.Sprintf("%d.%s", t.Y, ext))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			firstErr = storageErr("write tile", path, err)
			return
		}
		written++
	})
	if err == nil {
		err = firstErr
	}
	if err != nil {
		return written, err
	}

	log.Info("Exported tiles to directory", logger.String("src", src), logger.String("root", root), logger.Int("tiles", written))
	return written, nil
}
