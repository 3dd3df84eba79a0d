package main

import (
	"fmt"
	"io"
	gohttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geotiles/go-tilegrab/tilepack"
)

func tileServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var requests atomic.Int64
	srv := httptest.NewServer(gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprintf(w, "\x89PNG\r\n\x1a\n%s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func writeTestConfig(t *testing.T, tileURL, outputDir string) string {
	t.Helper()
	body := fmt.Sprintf(`
log:
  level: error
layer: LOCAL
layers:
  LOCAL:
    name: Local test layer
    url: %s/{z}/{x}/{y}.png
    format: image/png
bbox: 20.70,52.42,20.74,52.45
zooms: 1-5
output_dir: %s
fetch:
  backoff: 1ms
  max_backoff: 2ms
`, tileURL, outputDir)
	path := filepath.Join(t.TempDir(), "tilegrab.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.Execute()
}

func TestOnceCommand(t *testing.T) {
	srv, requests := tileServer(t)
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, srv.URL, dir)
	output := filepath.Join(dir, "custom.mbtiles")

	require.NoError(t, execute(t, "--config", cfgPath, "once", "--output", output, "--progress=false"))
	assert.Equal(t, int64(5), requests.Load())

	reader, err := tilepack.NewMbtilesReader(output)
	require.NoError(t, err)
	defer reader.Close()
	meta, err := reader.Metadata()
	require.NoError(t, err)
	assert.True(t, meta.IsComplete())
	assert.Equal(t, "Local test layer", meta.Name())

	// The archive is finalized, so a second run refuses to overwrite it.
	assert.ErrorIs(t, execute(t, "--config", cfgPath, "once", "--output", output, "--progress=false"), tilepack.ErrGenerationExists)
}

func TestRunOnceCommand(t *testing.T) {
	srv, requests := tileServer(t)
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, srv.URL, dir)

	require.NoError(t, execute(t, "--config", cfgPath, "run", "--once"))
	assert.Equal(t, int64(5), requests.Load())

	latest, err := tilepack.LatestGeneration(dir, "local")
	require.NoError(t, err)

	gen, ok := tilepack.ParseGenerationName(filepath.Base(latest))
	require.True(t, ok)
	assert.Equal(t, tilepack.ZoomRange{Min: 1, Max: 5}, gen.Zooms)

	// ensure-metadata rewrites bounds of the stored tiles.
	require.NoError(t, execute(t, "--config", cfgPath, "ensure-metadata", latest))

	require.NoError(t, execute(t, "--config", cfgPath, "export-pmtiles", latest))
	_, err = os.Stat(tilepack.PmtilesPath(latest))
	assert.NoError(t, err)

	merged := filepath.Join(t.TempDir(), "merged.mbtiles")
	require.NoError(t, execute(t, "--config", cfgPath, "merge", "--output", merged, latest))
	assert.Error(t, execute(t, "--config", cfgPath, "merge", latest))

	tilesDir := filepath.Join(t.TempDir(), "tiles")
	require.NoError(t, execute(t, "--config", cfgPath, "export-dir", merged, tilesDir))
	_, err = os.Stat(filepath.Join(tilesDir, "1", "1", "0.png"))
	assert.NoError(t, err)
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("zooms: 9-3\n"), 0o644))
	assert.ErrorIs(t, execute(t, "--config", path, "run", "--once"), tilepack.ErrInvalidZoomRange)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "20.0 KiB", formatBytes(estimatedTileBytes))
	assert.Equal(t, "1.5 MiB", formatBytes(1536*1024))
}

func TestSummarize(t *testing.T) {
	assert.NoError(t, summarize([]*tilepack.RunRecord{{Status: tilepack.RunSuccess}, {Status: tilepack.RunPartialFailure}}))
	err := summarize([]*tilepack.RunRecord{{Target: "a", Status: tilepack.RunFatal, Err: tilepack.ErrStorageFailure}})
	assert.ErrorIs(t, err, tilepack.ErrStorageFailure)
}
