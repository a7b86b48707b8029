package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 300 * time.Millisecond

// Watch re-reads the policy file whenever it changes and hands valid documents to apply.
// The parent directory is watched so editors that replace the file by rename are seen.
// Invalid documents are logged and skipped; the previous version stays active.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply func(context.Context, Document) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return err
	}
	go func() {
		defer func() { _ = watcher.Close() }()
		var debounce *time.Timer
		reload := func() {
			doc, err := FromFile(abs)
			if err != nil {
				logger.Warn("policy reload skipped", "path", abs, "err", err)
				return
			}
			if err := apply(ctx, doc); err != nil {
				logger.Error("policy reload failed", "path", abs, "err", err)
			}
		}
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("policy watcher error", "err", err)
			}
		}
	}()
	return nil
}
