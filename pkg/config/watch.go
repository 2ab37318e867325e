package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchHealthRules reloads the health file whenever it changes and hands the
// new rules to apply. A file that fails to parse is logged and ignored, so
// the previous rules stay in force. Blocks until ctx is done.
func WatchHealthRules(ctx context.Context, path string, apply func(HealthRules), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			rules, err := LoadHealthRules(target)
			if err != nil {
				logger.Warn("health file reload failed, keeping previous rules", "path", target, "error", err)
				continue
			}
			logger.Info("health file reloaded", "path", target, "lanes", len(rules.Lanes))
			apply(rules)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("health file watcher error", "error", err)
		}
	}
}
