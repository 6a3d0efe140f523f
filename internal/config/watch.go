package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events one editor save produces.
const watchDebounce = 150 * time.Millisecond

// Watch reloads path over defaults whenever the file changes and hands the
// result to fn. Load failures are passed as err with a zero Config; the
// previous configuration stays in effect for the caller. Watch blocks until
// ctx ends.
//
// The parent directory is watched so atomic-rename saves are observed.
func Watch(ctx context.Context, path string, defaults Config, fn func(Config, error)) error {
	if fn == nil {
		return fmt.Errorf("watch callback is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fn(Config{}, fmt.Errorf("watch config: %w", err))
		case <-timer.C:
			cfg, err := Load(abs, defaults)
			fn(cfg, err)
		}
	}
}
