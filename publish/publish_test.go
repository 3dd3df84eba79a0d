package publish

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/tilepack"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	p := New(bucket, "/daily/", logger.NewNop())
	local := writeFile(t, t.TempDir(), "orto_z1-5_20261018T030000Z.mbtiles", "sqlite bytes")

	require.NoError(t, p.Publish(ctx, local))
	assert.Equal(t, "daily/orto_z1-5_20261018T030000Z.mbtiles", p.Key(local))

	data, err := bucket.ReadAll(ctx, p.Key(local))
	require.NoError(t, err)
	assert.Equal(t, "sqlite bytes", string(data))

	attrs, err := bucket.Attributes(ctx, p.Key(local))
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.sqlite3", attrs.ContentType)

	// Publishing again is a no-op.
	require.NoError(t, p.Publish(ctx, local))
}

func TestPublishRejectsUnfinished(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	p := New(bucket, "", nil)

	local := writeFile(t, t.TempDir(), "orto_z1-5_20261018T030000Z.mbtiles"+tilepack.InProgressExt, "x")
	assert.Error(t, p.Publish(context.Background(), local))

	assert.Error(t, p.Publish(context.Background(), filepath.Join(t.TempDir(), "missing.mbtiles")))
}

func TestPublishRecord(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	p := New(bucket, "tiles", nil)

	dir := t.TempDir()
	archive := writeFile(t, dir, "orto_z1-5_20261018T030000Z.mbtiles", "mbtiles")
	writeFile(t, dir, "orto_z1-5_20261018T030000Z.pmtiles", "pmtiles")

	require.NoError(t, p.PublishRecord(ctx, &tilepack.RunRecord{Status: tilepack.RunFatal, OutputPath: archive}))
	exists, err := bucket.Exists(ctx, "tiles/orto_z1-5_20261018T030000Z.mbtiles")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, p.PublishRecord(ctx, &tilepack.RunRecord{Status: tilepack.RunPartialFailure, OutputPath: archive}))

	var keys []string
	iter := bucket.List(&blob.ListOptions{Prefix: "tiles/"})
	for {
		obj, err := iter.Next(ctx)
		if err != nil {
			break
		}
		keys = append(keys, obj.Key)
	}
	assert.ElementsMatch(t, []string{
		"tiles/orto_z1-5_20261018T030000Z.mbtiles",
		"tiles/orto_z1-5_20261018T030000Z.pmtiles",
	}, keys)
}

func TestOpenFileBucket(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	p, err := Open(ctx, "file://"+filepath.ToSlash(dir), "out", nil)
	require.NoError(t, err)

	local := writeFile(t, t.TempDir(), "orto_z1-5_20261018T030000Z.mbtiles", "data")
	require.NoError(t, p.Publish(ctx, local))
	require.NoError(t, p.Close())

	got, err := os.ReadFile(filepath.Join(dir, "out", "orto_z1-5_20261018T030000Z.mbtiles"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	_, err = Open(ctx, "nope://bucket", "", nil)
	assert.Error(t, err)
}
