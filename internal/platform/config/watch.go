package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDebounce collapses bursts of writes from editors into one reload.
var ReloadDebounce = 500 * time.Millisecond

// WatchStreams blocks until ctx is done, calling onChange with every valid
// revision of the streams file at path. Invalid revisions are logged and
// skipped so the previous list stays in effect.
//
// The parent directory is watched rather than the file so that editors which
// replace the file by rename are still seen.
func WatchStreams(ctx context.Context, path string, log *slog.Logger, onChange func(StreamsFile)) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve streams file: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch streams file: %w", err)
	}
	log.Info("watching streams file", slog.String("path", abs))

	debounce := time.NewTimer(ReloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("streams watcher stopped")
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				log.Debug("streams file changed", slog.String("op", ev.Op.String()))
				debounce.Reset(ReloadDebounce)
			}
		case <-debounce.C:
			f, err := LoadStreams(abs)
			if err != nil {
				log.Error("streams reload failed", slog.Any("error", err))
				continue
			}
			log.Info("streams reloaded", slog.Int("count", len(f.Streams)))
			onChange(f)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error("streams watcher error", slog.Any("error", err))
		}
	}
}
