package config

import (
	"context"
	"fmt"
	"path/filepath"
	"os"
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/kitpool/internal/logger"
)

// Watch reloads path whenever it changes and calls onChange with each
// configuration that differs from the previous one, starting from current.
// The parent directory is watched so editors that replace the file are
// noticed. Files that fail to load are logged and skipped. Watch returns
// when ctx is done.
func Watch(ctx context.Context, path string, current *Config, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	last := current
	var lastSum uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors often fire several writes for one save.
			sum, err := fileSum(absPath)
			if err == nil && sum == lastSum {
				continue
			}
			next, err := Load(absPath)
			if err != nil {
				logger.Warn("ignoring configuration change: %v", err)
				continue
			}
			lastSum = sum
			if last != nil && reflect.DeepEqual(last, next) {
				continue
			}
			logger.Info("configuration %s reloaded", absPath)
			last = next
			onChange(next)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error: %v", err)
		}
	}
}

func fileSum(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}
