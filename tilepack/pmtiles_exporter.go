package tilepack

import (
	"fmt"
	"hash"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/protomaps/go-pmtiles/pmtiles"

	"github.com/geotiles/go-tilegrab/logger"
)

type offsetLen struct {
	offset uint64
	length uint32
}

// pmtilesExporter lays out tile data in tile id order, deduplicating
// identical images and run-length encoding consecutive repeats.
type pmtilesExporter struct {
	hashFunc  hash.Hash
	offsetMap map[string]offsetLen
	tileData  *os.File
	dataLen   uint64
	entries   []pmtiles.EntryV3
	addressed uint64
}

// PmtilesPath is the PMTiles sibling of an MBTiles archive path.
func PmtilesPath(mbtilesPath string) string {
	return strings.TrimSuffix(mbtilesPath, ArchiveExt) + ".pmtiles"
}

// ExportPmtiles converts a finalized MBTiles archive into a clustered
// PMTiles v3 file at dst.
func ExportPmtiles(src, dst string, log logger.Logger) error {
	if log == nil {
		log = logger.NewNop()
	}

	reader, err := NewMbtilesReader(src)
	if err != nil {
		return err
	}
	defer reader.Close()

	meta, err := reader.Metadata()
	if err != nil {
		return err
	}
	if !meta.IsComplete() {
		return fmt.Errorf("refusing to export unfinished archive %s", src)
	}

	set, err := reader.Tiles()
	if err != nil {
		return fmt.Errorf("list tiles of %s: %w", src, err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".pmtiles-tiledata-*")
	if err != nil {
		return storageErr("create temp", dst, err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	e := &pmtilesExporter{
		hashFunc:  fnv.New128a(),
		offsetMap: make(map[string]offsetLen),
		tileData:  tmpFile,
	}
	for tile := range set.All() {
		td, err := reader.GetTile(tile)
		if err != nil {
			return err
		}
		if td.Data == nil {
			continue
		}
		if err := e.add(tileID(tile), td.Data); err != nil {
			return storageErr("write tile data", tmpFile.Name(), err)
		}
	}

	header, err := headerFromMetadata(meta)
	if err != nil {
		return err
	}

	part := InProgressPath(dst)
	if err := e.write(part, header, meta); err != nil {
		os.Remove(part)
		return err
	}
	if err := os.Rename(part, dst); err != nil {
		return storageErr("rename", part, err)
	}

	log.Info("Exported pmtiles",
		logger.String("path", dst),
		logger.Uint64("addressed", e.addressed),
		logger.Int("entries", len(e.entries)),
		logger.Int("contents", len(e.offsetMap)),
	)
	return nil
}

// add must be called in ascending tile id order.
func (e *pmtilesExporter) add(id uint64, data []byte) error {
	e.addressed++

	e.hashFunc.Reset()
	e.hashFunc.Write(data)
	sum := string(e.hashFunc.Sum(nil))

	found, ok := e.offsetMap[sum]
	if !ok {
		n, err := e.tileData.Write(data)
		if err != nil {
			return err
		}
		found = offsetLen{offset: e.dataLen, length: uint32(n)}
		e.dataLen += uint64(n)
		e.offsetMap[sum] = found
	}

	if last := len(e.entries) - 1; last >= 0 {
		prev := &e.entries[last]
		if prev.Offset == found.offset && prev.TileID+uint64(prev.RunLength) == id {
			prev.RunLength++
			return nil
		}
	}

	e.entries = append(e.entries, pmtiles.EntryV3{
		TileID:    id,
		Offset:    found.offset,
		Length:    found.length,
		RunLength: 1,
	})
	return nil
}

func headerFromMetadata(meta *MbtilesMetadata) (pmtiles.HeaderV3, error) {
	header := pmtiles.HeaderV3{
		SpecVersion:         3,
		Clustered:           true,
		InternalCompression: pmtiles.Gzip,
		TileCompression:     pmtiles.NoCompression,
	}

	switch strings.ToLower(meta.Format()) {
	case "png":
		header.TileType = pmtiles.Png
	case "jpg", "jpeg":
		header.TileType = pmtiles.Jpeg
	case "webp":
		header.TileType = pmtiles.Webp
	default:
		header.TileType = pmtiles.UnknownTileType
	}

	minZoom, err := meta.MinZoom()
	if err != nil {
		return header, err
	}
	maxZoom, err := meta.MaxZoom()
	if err != nil {
		return header, err
	}
	bounds, err := meta.Bounds()
	if err != nil {
		return header, err
	}
	center := bounds.Center()

	header.MinZoom = uint8(minZoom)
	header.MaxZoom = uint8(maxZoom)
	header.MinLonE7 = int32(bounds.Min.X() * 10000000)
	header.MinLatE7 = int32(bounds.Min.Y() * 10000000)
	header.MaxLonE7 = int32(bounds.Max.X() * 10000000)
	header.MaxLatE7 = int32(bounds.Max.Y() * 10000000)
	header.CenterZoom = uint8(minZoom)
	header.CenterLonE7 = int32(center.X() * 10000000)
	header.CenterLatE7 = int32(center.Y() * 10000000)
	return header, nil
}

func (e *pmtilesExporter) write(path string, header pmtiles.HeaderV3, meta *MbtilesMetadata) error {
	rootBytes, leavesBytes, _ := optimizeDirectories(e.entries, 16384-pmtiles.HeaderV3LenBytes, pmtiles.Gzip)

	jsonMetadata := make(map[string]interface{})
	for _, k := range meta.Keys() {
		if k == MetadataState || k == MetadataRequest {
			continue
		}
		v, _ := meta.Get(k)
		jsonMetadata[k] = v
	}
	metadataBytes, err := pmtiles.SerializeMetadata(jsonMetadata, pmtiles.Gzip)
	if err != nil {
		return fmt.Errorf("error serializing pmtiles metadata: %w", err)
	}

	header.AddressedTilesCount = e.addressed
	header.TileEntriesCount = uint64(len(e.entries))
	header.TileContentsCount = uint64(len(e.offsetMap))
	header.RootOffset = pmtiles.HeaderV3LenBytes
	header.RootLength = uint64(len(rootBytes))
	header.MetadataOffset = header.RootOffset + header.RootLength
	header.MetadataLength = uint64(len(metadataBytes))
	header.LeafDirectoryOffset = header.MetadataOffset + header.MetadataLength
	header.LeafDirectoryLength = uint64(len(leavesBytes))
	header.TileDataOffset = header.LeafDirectoryOffset + header.LeafDirectoryLength
	header.TileDataLength = e.dataLen

	outFile, err := os.Create(path)
	if err != nil {
		return storageErr("create", path, err)
	}
	defer outFile.Close()

	for _, section := range [][]byte{pmtiles.SerializeHeader(header), rootBytes, metadataBytes, leavesBytes} {
		if _, err := outFile.Write(section); err != nil {
			return storageErr("write", path, err)
		}
	}

	if _, err := e.tileData.Seek(0, io.SeekStart); err != nil {
		return storageErr("seek", e.tileData.Name(), err)
	}
	if _, err := io.Copy(outFile, e.tileData); err != nil {
		return storageErr("copy tile data", path, err)
	}
	return outFile.Close()
}

func optimizeDirectories(entries []pmtiles.EntryV3, targetRootLen int, compression pmtiles.Compression) ([]byte, []byte, int) {
	if len(entries) < 16384 {
		testRootBytes := pmtiles.SerializeEntries(entries, compression)
		if len(testRootBytes) <= targetRootLen {
			return testRootBytes, make([]byte, 0), 0
		}
	}

	// Root holds leaf pointers only; grow the leaves until the root fits.
	leafSize := float32(len(entries)) / 3500
	if leafSize < 4096 {
		leafSize = 4096
	}

	for {
		rootBytes, leavesBytes, numLeaves := buildRootsLeaves(entries, int(leafSize), compression)
		if len(rootBytes) <= targetRootLen {
			return rootBytes, leavesBytes, numLeaves
		}
		leafSize *= 1.2
	}
}

func buildRootsLeaves(entries []pmtiles.EntryV3, leafSize int, compression pmtiles.Compression) ([]byte, []byte, int) {
	rootEntries := make([]pmtiles.EntryV3, 0)
	leavesBytes := make([]byte, 0)
	numLeaves := 0

	for i := 0; i < len(entries); i += leafSize {
		numLeaves++
		end := min(i+leafSize, len(entries))
		serialized := pmtiles.SerializeEntries(entries[i:end], compression)

		rootEntries = append(rootEntries, pmtiles.EntryV3{
			TileID:    entries[i].TileID,
			Offset:    uint64(len(leavesBytes)),
			Length:    uint32(len(serialized)),
			RunLength: 0,
		})
		leavesBytes = append(leavesBytes, serialized...)
	}

	return pmtiles.SerializeEntries(rootEntries, compression), leavesBytes, numLeaves
}
