package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultHTTPTimeout bounds a whole HTTP fetch.
const DefaultHTTPTimeout = 15 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// HTTP fetches http and https locators.
type HTTP struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTP creates an HTTP fetcher whose requests give up after timeout.
func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTP{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "ambient",
	}
}

// Fetch implements Fetcher.
func (h *HTTP) Fetch(ctx context.Context, locator string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, &StatusError{URL: locator, Code: resp.StatusCode}
	}
	return resp.Body, resp.ContentLength, nil
}
