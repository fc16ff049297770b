// Package source fetches encoded audio bytes by locator. Locators are URLs
// (http, https, s3, minio, file) or bare filesystem paths.
package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
)

// Fetcher opens the encoded bytes behind a locator. The returned size is -1
// when unknown.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (io.ReadCloser, int64, error)
}

// ProgressFunc receives bytes read so far and the total (-1 if unknown).
type ProgressFunc func(read, total int64)

// Router dispatches locators to fetchers by URL scheme. Locators without a
// scheme go to the fallback fetcher.
type Router struct {
	mu       sync.RWMutex
	schemes  map[string]Fetcher
	fallback Fetcher
}

// NewRouter creates a router with fallback handling bare paths.
func NewRouter(fallback Fetcher) *Router {
	return &Router{schemes: make(map[string]Fetcher), fallback: fallback}
}

// Handle registers f for the given schemes.
func (r *Router) Handle(f Fetcher, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.schemes[strings.ToLower(s)] = f
	}
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, locator string) (io.ReadCloser, int64, error) {
	f, err := r.fetcherFor(locator)
	if err != nil {
		return nil, 0, err
	}
	return f.Fetch(ctx, locator)
}

func (r *Router) fetcherFor(locator string) (Fetcher, error) {
	scheme := Scheme(locator)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if scheme == "" {
		if r.fallback == nil {
			return nil, fmt.Errorf("no fetcher for bare locator %q", locator)
		}
		return r.fallback, nil
	}
	f, ok := r.schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("no fetcher for scheme %q", scheme)
	}
	return f, nil
}

// Scheme returns the lower-cased URL scheme of locator, or "" for paths.
// Single-letter schemes are treated as Windows drive letters.
func Scheme(locator string) string {
	u, err := url.Parse(locator)
	if err != nil || len(u.Scheme) < 2 {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// ReadAll reads the whole stream behind locator, reporting progress after
// every chunk.
func ReadAll(ctx context.Context, f Fetcher, locator string, progress ProgressFunc) ([]byte, error) {
	rc, size, err := f.Fetch(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if progress != nil {
		r = &progressReader{r: rc, total: size, fn: progress}
	}

	buf := make([]byte, 0, max(size, 0))
	chunk := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

type progressReader struct {
	r     io.Reader
	read  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.fn(p.read, p.total)
	}
	return n, err
}
