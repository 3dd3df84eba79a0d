// Package publish copies finalized archives into a blob bucket.
package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/tilepack"
)

var contentTypes = map[string]string{
	".mbtiles": "application/vnd.sqlite3",
	".pmtiles": "application/vnd.pmtiles",
}

// Publisher uploads archive files under a key prefix.
type Publisher struct {
	bucket *blob.Bucket
	prefix string
	owned  bool
	logger logger.Logger
}

// Open opens the bucket at url, e.g. "s3://tiles?region=eu-central-1",
// "gs://tiles" or "file:///srv/tiles".
func Open(ctx context.Context, url, prefix string, log logger.Logger) (*Publisher, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	p := New(bucket, prefix, log)
	p.owned = true
	return p, nil
}

// New wraps an already opened bucket. Close leaves the bucket open.
func New(bucket *blob.Bucket, prefix string, log logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Publisher{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: log,
	}
}

// Key is the object key a local file is published under.
func (p *Publisher) Key(localPath string) string {
	return path.Join(p.prefix, filepath.Base(localPath))
}

// Publish uploads the file at localPath. An object that already exists with
// the same size is left alone.
func (p *Publisher) Publish(ctx context.Context, localPath string) error {
	if strings.HasSuffix(localPath, tilepack.InProgressExt) {
		return fmt.Errorf("refusing to publish unfinished archive %s", localPath)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	key := p.Key(localPath)
	if attrs, err := p.bucket.Attributes(ctx, key); err == nil && attrs.Size == info.Size() {
		p.logger.Info("Archive already published", logger.String("key", key))
		return nil
	}

	// Cancelling the writer's context before Close discards a partial upload.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := &blob.WriterOptions{ContentType: contentTypes[filepath.Ext(localPath)]}
	w, err := p.bucket.NewWriter(wctx, key, opts)
	if err != nil {
		return fmt.Errorf("create object %s: %w", key, err)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	p.logger.Info("Published archive", logger.String("key", key), logger.Int64("bytes", n))
	return nil
}

// PublishRecord uploads a finalized run's archive and its PMTiles sibling
// when one exists. It has the signature of a scheduler hook.
func (p *Publisher) PublishRecord(ctx context.Context, rec *tilepack.RunRecord) error {
	if !rec.Finalized() {
		return nil
	}
	if err := p.Publish(ctx, rec.OutputPath); err != nil {
		return err
	}
	pm := tilepack.PmtilesPath(rec.OutputPath)
	if _, err := os.Stat(pm); err == nil {
		return p.Publish(ctx, pm)
	}
	return nil
}

func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.bucket.Close()
}
