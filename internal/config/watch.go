package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 100 * time.Millisecond

// Watch reloads filePath whenever it changes and calls onChange with the
// new configuration. Invalid files are logged and skipped. Watch blocks until
// ctx is done.
//
// The parent directory is watched rather than the file so that editors which
// replace the file by rename keep being observed.
func Watch(ctx context.Context, filePath string, logger *zap.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(filePath)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			trigger = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", zap.Error(err))
		case <-trigger:
			trigger = nil
			cfg, err := LoadConfig(abs)
			if err != nil {
				logger.Warn("Ignoring invalid config change", zap.String("path", abs), zap.Error(err))
				continue
			}
			logger.Info("Config reloaded", zap.String("path", abs))
			onChange(cfg)
		}
	}
}
