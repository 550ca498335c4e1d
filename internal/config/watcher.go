package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"marlin/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config file when it changes and invokes onChange with
// the freshly parsed config. Parse failures keep the previous config and
// are logged; the watcher keeps running until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	var lastReload time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Clean(event.Name), abs) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors fire several events per save; debounce.
			if time.Since(lastReload) < 500*time.Millisecond {
				continue
			}
			lastReload = time.Now()
			cfg, err := Load(abs)
			if err != nil {
				logger.Warnf("config reload skipped: %v", err)
				continue
			}
			logger.Infof("config reloaded from %s", abs)
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}
