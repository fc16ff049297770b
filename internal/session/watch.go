package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the bursts of events editors produce on save.
const reloadDelay = 100 * time.Millisecond

// Watch calls fn with the re-read document every time the file at path is
// written or replaced, until ctx is done. Documents that fail to load are
// passed to fn as errors. The parent directory is watched so editors that
// save by rename are seen.
func Watch(ctx context.Context, path string, logger *log.Logger, fn func(*Document, error)) error {
	if logger == nil {
		logger = log.Default()
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve session path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Debug("fsnotify watching dir", "dir", dir)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			logger.Debug("fsnotify event", "file", event.Name, "event", event.Op)
			timer.Reset(reloadDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Debug("fsnotify error", "dir", dir, "error", err)

		case <-timer.C:
			doc, err := Load(path)
			fn(doc, err)
		}
	}
}
