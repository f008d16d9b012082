package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the configuration whenever the file at opts.ConfigPath is
// written, created or renamed into place, and hands every valid result to
// onChange. Invalid reloads are logged and skipped. Watch blocks until ctx is
// done.
func Watch(ctx context.Context, opts Options, logger *zap.Logger, onChange func(Config)) error {
	if opts.ConfigPath == "" {
		return fmt.Errorf("watch requires a config file path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch its directory instead.
	target := filepath.Clean(opts.ConfigPath)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	logger.Debug("watching config file", zap.String("path", target))

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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			cfg, err := Load(opts)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				logger.Warn("ignoring invalid config reload", zap.String("path", target), zap.Error(err))
				continue
			}

			logger.Info("config reloaded",
				zap.String("path", target),
				zap.String("base_url", cfg.BaseURL),
				zap.String("flow_id", cfg.FlowID),
			)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
