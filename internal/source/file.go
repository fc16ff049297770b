package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
)

// File fetches file:// locators and bare paths. Relative paths resolve
// against Root.
type File struct {
	Root string
}

// Fetch implements Fetcher.
func (f *File) Fetch(_ context.Context, locator string) (io.ReadCloser, int64, error) {
	path, err := f.resolve(locator)
	if err != nil {
		return nil, 0, err
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		fh.Close()
		return nil, 0, fmt.Errorf("%s is a directory", path)
	}
	return fh, info.Size(), nil
}

func (f *File) resolve(locator string) (string, error) {
	path := locator
	if Scheme(locator) == "file" {
		u, err := url.Parse(locator)
		if err != nil {
			return "", fmt.Errorf("parse %q: %w", locator, err)
		}
		path = u.Path
	}
	if !filepath.IsAbs(path) && f.Root != "" {
		path = filepath.Join(f.Root, path)
	}
	return path, nil
}
