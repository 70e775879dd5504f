package config

import (
	"io"
	"log/slog"
	"time"

	"github.com/dshills/macroreplay/internal/config/watcher"
	"github.com/dshills/macroreplay/internal/logging"
)

// LogConfig returns the logging settings for output w.
func (l LoggingConfig) LogConfig(w io.Writer) logging.Config {
	return logging.Config{
		Level:  l.Level,
		Format: logging.Format(l.Format),
		Output: w,
	}
}

// ReloadFunc receives a configuration that loaded and validated after the
// file changed.
type ReloadFunc func(cfg *Config)

// Watch reloads the file at path whenever it changes and passes each valid
// result to fn. Invalid edits are logged and skipped, leaving the previous
// configuration in effect. The caller stops the returned watcher.
func Watch(path string, logger *slog.Logger, debounce time.Duration, fn ReloadFunc) (*watcher.Watcher, error) {
	logger = logging.Component(logger, "config")

	w, err := watcher.New(watcher.WithDebounce(debounce), watcher.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := w.Watch(path); err != nil {
		_ = w.Stop()
		return nil, err
	}

	w.OnChange(func(ev watcher.Event) {
		if ev.Op == watcher.OpRemove || ev.Op == watcher.OpRename {
			logger.Info("config file removed, keeping current settings", "path", ev.Path)
			return
		}
		cfg, err := Load(path)
		if err != nil {
			logger.Warn("config reload failed", "path", ev.Path, "error", err)
			return
		}
		logger.Info("config reloaded", "path", ev.Path, "op", ev.Op.String())
		fn(cfg)
	})

	if err := w.Start(); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w, nil
}
