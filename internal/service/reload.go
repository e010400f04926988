package service

import (
	"context"
	"path/filepath"
	"time"

	"github.com/danmuck/affinity/internal/config"
	"github.com/danmuck/affinity/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 100 * time.Millisecond

// watchConfig re-applies log_level whenever path changes. The parent
// directory is watched so editors that replace the file are still seen.
func (s *Service) watchConfig(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warn().Str("path", path).Err(err).Msg("service.Service.watchConfig disabled")
		<-ctx.Done()
		return nil
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() { reloadLogLevel(path) })
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("service.Service.watchConfig watcher error")
		}
	}
}

func reloadLogLevel(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		log.Warn().Str("path", path).Err(err).Msg("service.reload config rejected")
		return
	}
	if cfg.LogLevel == "" {
		return
	}
	if logging.ApplyConfiguredLevel(cfg.LogLevel) {
		log.Info().Str("path", path).Str("log_level", cfg.LogLevel).Msg("service.reload log level applied")
	}
}
