package fetcher

import (
	"fmt"
	"net/url"
	"strings"
)

// URLBuilder resolves the three well-known update-server routes relative
// to one baseUrl: the manifest, an individual file blob, and a full
// platform archive, each a plain relative join.
type URLBuilder struct {
	base *url.URL
}

// NewURLBuilder parses baseURL (http(s):// or file://) once, so repeated
// route construction never re-parses it.
func NewURLBuilder(baseURL string) (*URLBuilder, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("fetcher: invalid base url %q: %w", baseURL, err)
	}
	return &URLBuilder{base: u}, nil
}

func (b *URLBuilder) join(rel string) string {
	base := strings.TrimSuffix(b.base.String(), "/")
	return base + "/" + strings.TrimPrefix(rel, "/")
}

// Manifest returns "{baseUrl}/manifest.json".
func (b *URLBuilder) Manifest() string { return b.join("manifest.json") }

// Blob returns "{baseUrl}/files/<hex>" for the incremental path.
func (b *URLBuilder) Blob(hex string) string {
	return b.join("files/" + strings.TrimPrefix(hex, "/"))
}

// Zip returns "{baseUrl}/{zipPath}" for the full-archive path.
func (b *URLBuilder) Zip(zipPath string) string { return b.join(zipPath) }
