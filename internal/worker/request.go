package worker

import (
	"context"
	"net/http"
	"net/url"

	"github.com/shiftcalc/shiftcache/internal/cache"
)

// Mode mirrors the fetch mode of an intercepted request.
type Mode string

const (
	// ModeNavigate marks a full page load or reload.
	ModeNavigate Mode = "navigate"
	// ModeSubresource covers everything else: images, scripts, data files.
	ModeSubresource Mode = "subresource"
)

// Class is the dispatch bucket a request falls into.
type Class string

const (
	ClassNavigation Class = "navigation"
	ClassAsset      Class = "asset"
)

// Request is an intercepted request. URL carries only path and query; the
// origin is resolved by the Fetcher.
type Request struct {
	Method string
	URL    *url.URL
	Mode   Mode
	Header http.Header
	Body   []byte
}

// NewRequest builds a GET request for a cache key such as "/index.html?v=2".
func NewRequest(key string, mode Mode) *Request {
	u, err := url.Parse(cache.NormalizeKey(key))
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	return &Request{
		Method: http.MethodGet,
		URL:    u,
		Mode:   mode,
		Header: http.Header{},
	}
}

// Key returns the normalized cache key of the request.
func (r *Request) Key() string {
	return cache.KeyFromURL(r.URL)
}

// Class reports whether the request is a navigation or an asset fetch.
func (r *Request) Class() Class {
	if r.Mode == ModeNavigate {
		return ClassNavigation
	}
	return ClassAsset
}

// forNetwork strips validators so a background refresh always gets a full
// body back instead of a 304.
func (r *Request) forNetwork() *Request {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("If-None-Match")
	header.Del("If-Modified-Since")
	header.Del("Range")
	return &Request{
		Method: http.MethodGet,
		URL:    r.URL,
		Mode:   r.Mode,
		Header: header,
	}
}

// Fetcher performs network requests against the app's origin. A non-nil error
// means the network was unreachable; any HTTP status is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}
