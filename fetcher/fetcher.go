// Package fetcher performs a single streaming GET against http(s):// or
// file:// URLs, classifying failures as retryable or not. HTTP
// classification follows github.com/hashicorp/go-retryablehttp's
// DefaultRetryPolicy shape (retry on 429/5xx/connection errors, not on
// other 4xx). The engine (not this package) owns attempt counting
// and backoff delay, so the Fetcher performs exactly one attempt per
// call and leaves looping to its caller.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/runwork/shell/internal/bundleerr"
)

// Result is a streaming byte source plus its declared length, when known.
type Result struct {
	Body          io.ReadCloser
	ContentLength int64
}

// Fetcher issues single-attempt streaming GETs. Its HTTP client is shared
// across calls and must be closed via Close when the engine shuts down.
type Fetcher struct {
	http *http.Client
}

// New returns a Fetcher with the given per-request timeout. A timeout of
// zero means no timeout, matching http.Client's zero value semantics.
func New(timeout time.Duration) *Fetcher {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0 // the engine owns retry/backoff, not this client
	rc.Logger = nil

	std := rc.StandardClient()
	std.Timeout = timeout
	return &Fetcher{http: std}
}

// Close releases the Fetcher's idle connections.
func (f *Fetcher) Close() error {
	f.http.CloseIdleConnections()
	return nil
}

// Get issues a single streaming GET against rawURL, which must be
// http(s):// or file://. The caller must close Result.Body.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, bundleerr.New(bundleerr.KindParse, "malformed url", err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.getHTTP(ctx, rawURL)
	case "file":
		return f.getFile(u)
	default:
		return nil, bundleerr.New(bundleerr.KindParse, fmt.Sprintf("unsupported url scheme %q", u.Scheme), nil)
	}
}

func (f *Fetcher) getHTTP(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, bundleerr.New(bundleerr.KindParse, "building request", err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, bundleerr.New(bundleerr.KindCancelled, "request cancelled", ctx.Err())
		}
		// Connection refused, DNS failure, TLS handshake failure, etc:
		// always retryable.
		return nil, bundleerr.New(bundleerr.KindNetwork, "request failed", err)
	}

	// net/http already follows 3xx redirects transparently before
	// returning, satisfying "3xx is followed transparently."
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Result{Body: resp.Body, ContentLength: resp.ContentLength}, nil
	}

	defer resp.Body.Close()
	retry := retryableStatus(resp.StatusCode)
	return nil, bundleerr.NewWithRetry(bundleerr.KindNetwork,
		fmt.Sprintf("unexpected status %d", resp.StatusCode), nil, retry)
}

// retryableStatus classifies a response status code, the same shape as
// retryablehttp.DefaultRetryPolicy's status-code branch (429 and 5xx
// retryable; everything else in the 4xx range is not), plus 408.
func retryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500
}

func (f *Fetcher) getFile(u *url.URL) (*Result, error) {
	path := u.Path
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bundleerr.NewWithRetry(bundleerr.KindNetwork, "file not found", err, false)
		}
		return nil, bundleerr.New(bundleerr.KindNetwork, "reading file", err)
	}

	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, bundleerr.New(bundleerr.KindNetwork, "stat-ing file", err)
	}
	if info.IsDir() {
		fh.Close()
		return nil, bundleerr.NewWithRetry(bundleerr.KindNetwork, "path is a directory, not a file", nil, false)
	}

	return &Result{Body: fh, ContentLength: info.Size()}, nil
}
