package tilepack

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/paulmach/orb/maptile"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	ArchiveExt    = ".mbtiles"
	InProgressExt = ".part"
	StaleExt      = ".stale"

	generationTimeLayout = "20060102T150405Z"
)

// ErrNoGeneration is returned when a directory holds no finalized archive.
var ErrNoGeneration = errors.New("no finalized generation found")

var generationPattern = regexp.MustCompile(`^(.+)_z(\d+)-(\d+)_(\d{8}T\d{6}Z)\.mbtiles(\.part)?$`)

// Generation is one timestamped archive of a target.
type Generation struct {
	Prefix     string
	Zooms      ZoomRange
	Timestamp  time.Time
	Path       string
	InProgress bool
}

// FinalPath is where the archive lives once finalized.
func (g Generation) FinalPath() string {
	return strings.TrimSuffix(g.Path, InProgressExt)
}

// InProgressPath is the sibling path an archive is written to before it is
// finalized and renamed.
func InProgressPath(path string) string {
	return path + InProgressExt
}

// Letters that do not decompose under NFD.
var slugReplacer = strings.NewReplacer("ł", "l", "Ł", "L", "đ", "d", "Đ", "D", "ø", "o", "Ø", "O")

// Slug turns a display name such as "Warmińsko-Mazurskie" into a file name
// component ("warminsko-mazurskie").
func Slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, slugReplacer.Replace(s))
	if err != nil {
		folded = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// GenerationPrefix names the archives of a layer, optionally scoped to a region.
func GenerationPrefix(region, layer string) string {
	if region == "" {
		return Slug(layer)
	}
	return Slug(region) + "-" + Slug(layer)
}

func GenerationFileName(prefix string, zooms ZoomRange, ts time.Time) string {
	return fmt.Sprintf("%s_z%d-%d_%s%s", prefix, zooms.Min, zooms.Max, ts.UTC().Format(generationTimeLayout), ArchiveExt)
}

// ParseGenerationName is the inverse of GenerationFileName. It also accepts
// the in-progress name.
func ParseGenerationName(name string) (Generation, bool) {
	m := generationPattern.FindStringSubmatch(name)
	if m == nil {
		return Generation{}, false
	}

	minZoom, err1 := strconv.ParseUint(m[2], 10, 8)
	maxZoom, err2 := strconv.ParseUint(m[3], 10, 8)
	ts, err3 := time.Parse(generationTimeLayout, m[4])
	if err1 != nil || err2 != nil || err3 != nil {
		return Generation{}, false
	}

	zr := ZoomRange{Min: maptile.Zoom(minZoom), Max: maptile.Zoom(maxZoom)}
	return Generation{
		Prefix:     m[1],
		Zooms:      zr,
		Timestamp:  ts,
		Path:       name,
		InProgress: m[5] != "",
	}, true
}

// ListGenerations returns the generations in dir whose prefix matches, oldest
// first. An empty prefix matches every generation.
func ListGenerations(dir, prefix string) ([]Generation, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var gens []Generation
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		g, ok := ParseGenerationName(e.Name())
		if !ok || (prefix != "" && g.Prefix != prefix) {
			continue
		}
		g.Path = filepath.Join(dir, e.Name())
		gens = append(gens, g)
	}

	slices.SortStableFunc(gens, func(a, b Generation) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return gens, nil
}

// LatestGeneration returns the path of the newest finalized archive.
func LatestGeneration(dir, prefix string) (string, error) {
	gens, err := ListGenerations(dir, prefix)
	if err != nil {
		return "", err
	}
	for i := len(gens) - 1; i >= 0; i-- {
		if !gens[i].InProgress {
			return gens[i].Path, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoGeneration, dir)
}

// PendingGeneration finds the newest unfinished archive of prefix over zooms,
// so an interrupted run can be resumed. It returns the final path.
func PendingGeneration(dir, prefix string, zooms ZoomRange) (string, bool, error) {
	gens, err := ListGenerations(dir, prefix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	for i := len(gens) - 1; i >= 0; i-- {
		g := gens[i]
		if !g.InProgress || g.Zooms != zooms {
			continue
		}
		if _, err := os.Stat(g.FinalPath()); err == nil {
			continue
		}
		return g.FinalPath(), true, nil
	}
	return "", false, nil
}

// NewGenerationPath picks an unused archive path in dir for now, moving the
// timestamp forward a second at a time on collision.
func NewGenerationPath(dir, prefix string, zooms ZoomRange, now time.Time) string {
	ts := now.UTC().Truncate(time.Second)
	for {
		path := filepath.Join(dir, GenerationFileName(prefix, zooms, ts))
		part := InProgressPath(path)
		if !exists(path) && !exists(part) && !exists(part+StaleExt) {
			return path
		}
		ts = ts.Add(time.Second)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
