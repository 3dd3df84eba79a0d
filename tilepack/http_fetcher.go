package tilepack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
)

const (
	httpUserAgent = "go-tilegrab/1.0"

	// maxTileBytes guards against an upstream streaming something that is not a tile.
	maxTileBytes = 32 << 20
)

// Fetcher retrieves the encoded image of one tile.
type Fetcher interface {
	Fetch(ctx context.Context, tile maptile.Tile) ([]byte, string, error)
}

type HTTPFetcherOptions struct {
	// URLTemplate accepts {z} {x} {y}, {-y} for TMS rows and {layer}.
	URLTemplate string
	// Servers are alternative templates; one is picked at random per request.
	Servers   []string
	Layer     string
	Timeout   time.Duration
	UserAgent string
	// Accept is sent as the Accept header, e.g. "image/png".
	Accept  string
	Headers map[string]string
}

// HTTPFetcher requests tiles from an XYZ/WMTS style URL template.
type HTTPFetcher struct {
	httpClient *http.Client
	templates  []string
	layer      string
	userAgent  string
	accept     string
	headers    map[string]string
}

func NewHTTPFetcher(opts HTTPFetcherOptions) (*HTTPFetcher, error) {
	templates := make([]string, 0, 1+len(opts.Servers))
	if opts.URLTemplate != "" {
		templates = append(templates, opts.URLTemplate)
	}
	templates = append(templates, opts.Servers...)
	if len(templates) == 0 {
		return nil, errors.New("no url template configured")
	}
	for _, tmpl := range templates {
		if err := validateTemplate(tmpl); err != nil {
			return nil, err
		}
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = httpUserAgent
	}

	httpClient := &http.Client{}
	httpClient.Timeout = opts.Timeout
	httpClient.Transport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 500,
		IdleConnTimeout:     90 * time.Second,
	}

	return &HTTPFetcher{
		httpClient: httpClient,
		templates:  templates,
		layer:      opts.Layer,
		userAgent:  opts.UserAgent,
		accept:     opts.Accept,
		headers:    opts.Headers,
	}, nil
}

func validateTemplate(tmpl string) error {
	hasRow := strings.Contains(tmpl, "{y}") || strings.Contains(tmpl, "{-y}") || strings.Contains(tmpl, "{row}")
	hasCol := strings.Contains(tmpl, "{x}") || strings.Contains(tmpl, "{column}")
	hasZoom := strings.Contains(tmpl, "{z}") || strings.Contains(tmpl, "{zoom}")
	if !hasRow || !hasCol || !hasZoom {
		return fmt.Errorf("url template %q must reference zoom, column and row", tmpl)
	}
	return nil
}

// URL expands a template for tile.
func (f *HTTPFetcher) URL(tile maptile.Tile) string {
	tmpl := f.templates[0]
	if len(f.templates) > 1 {
		tmpl = f.templates[rand.IntN(len(f.templates))]
	}
	return expandTemplate(tmpl, tile, f.layer)
}

func expandTemplate(tmpl string, tile maptile.Tile, layer string) string {
	x := strconv.FormatUint(uint64(tile.X), 10)
	y := strconv.FormatUint(uint64(tile.Y), 10)
	z := strconv.FormatUint(uint64(tile.Z), 10)
	return strings.NewReplacer(
		"{x}", x,
		"{y}", y,
		"{z}", z,
		"{column}", x,
		"{row}", y,
		"{zoom}", z,
		"{-y}", strconv.FormatUint(uint64(FlipY(tile.Z, tile.Y)), 10),
		"{layer}", layer,
	).Replace(tmpl)
}

// Fetch performs one attempt. Errors are *FetchError unless ctx was cancelled.
func (f *HTTPFetcher) Fetch(ctx context.Context, tile maptile.Tile) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(tile), nil)
	if err != nil {
		return nil, "", &FetchError{Tile: tile, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	if f.accept != "" {
		req.Header.Set("Accept", f.accept)
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &FetchError{Tile: tile, Retriable: isTransientNetErr(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, "", statusError(tile, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &FetchError{Tile: tile, StatusCode: resp.StatusCode, Retriable: true, Err: err}
	}
	if len(body) > maxTileBytes {
		return nil, "", &FetchError{Tile: tile, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedTile, maxTileBytes)}
	}

	contentType, err := imageContentType(resp.Header.Get("Content-Type"), body, f.accept)
	if err != nil {
		return nil, "", &FetchError{Tile: tile, StatusCode: resp.StatusCode, Err: err}
	}
	return body, contentType, nil
}

func statusError(tile maptile.Tile, code int) error {
	fe := &FetchError{Tile: tile, StatusCode: code, Err: ErrUpstream}
	switch {
	case code == http.StatusNotFound:
		fe.Err = ErrNotFound
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		fe.Retriable = true
	}
	return fe
}

func isTransientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Resets and unexpected EOFs surface as plain errors from the transport.
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "connection refused")
}

var htmlPrefixes = [][]byte{[]byte("<html"), []byte("<!doctype"), []byte("<?xml")}

// imageContentType decides whether a 2xx body is tile imagery of a type the
// request accepts.
func imageContentType(header string, body []byte, accept string) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrMalformedTile)
	}
	if bytes.Contains(body, []byte("ServiceException")) {
		return "", fmt.Errorf("%w: service exception", ErrMalformedTile)
	}
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 64)]))
	for _, p := range htmlPrefixes {
		if bytes.HasPrefix(head, p) {
			return "", fmt.Errorf("%w: markup instead of image", ErrMalformedTile)
		}
	}

	contentType := SniffImageType(body)
	if contentType == "" {
		mediaType, _, err := mime.ParseMediaType(header)
		if err != nil || !strings.HasPrefix(mediaType, "image/") {
			return "", fmt.Errorf("%w: content type %q is not an image", ErrMalformedTile, header)
		}
		contentType = mediaType
	}
	if !accepts(accept, contentType) {
		return "", fmt.Errorf("%w: got %s, want %s", ErrMalformedTile, contentType, accept)
	}
	return contentType, nil
}

// accepts matches a media type against an Accept header value. An empty
// header accepts anything.
func accepts(accept, mediaType string) bool {
	if strings.TrimSpace(accept) == "" {
		return true
	}
	mediaType = normalizeImageType(mediaType)
	for _, part := range strings.Split(accept, ",") {
		want, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		want = normalizeImageType(want)
		switch {
		case want == "*/*", want == mediaType:
			return true
		case strings.HasSuffix(want, "/*") && strings.HasPrefix(mediaType, strings.TrimSuffix(want, "*")):
			return true
		}
	}
	return false
}

func normalizeImageType(mediaType string) string {
	if mediaType == "image/jpg" {
		return "image/jpeg"
	}
	return mediaType
}

// SniffImageType recognises the raster formats tile servers return by their
// magic bytes. It returns "" for anything else.
func SniffImageType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return "image/jpeg"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	}
	return ""
}
