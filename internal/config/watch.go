package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces editor write bursts into one reload.
const debounce = 250 * time.Millisecond

// Watch reloads the config file on change and invokes onChange with
// the fresh config. Used to hot-reload tool whitelists without a
// restart. Blocks until ctx ends.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)

		case <-reload:
			cfg, err := Load(path)
			if err != nil {
				slog.Error("config reload failed, keeping previous", "path", path, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", path)
			onChange(cfg)
		}
	}
}
