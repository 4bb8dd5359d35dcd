package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a config file on write and hands the new value to
// onReload. Only fields safe to change at runtime should be consumed
// from the reloaded config by callers; server addresses and the data
// directory take effect on next restart regardless.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	logger  *zap.Logger
	done    chan struct{}
}

// Watch starts watching path's containing directory (editors often
// replace a file rather than write it in place, which only a directory
// watch reliably catches) and invokes onReload whenever it changes.
func Watch(path string, logger *zap.Logger, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	w := &Watcher{watcher: fw, path: path, logger: logger, done: make(chan struct{})}
	go w.loop(onReload)
	return w, nil
}

func (w *Watcher) loop(onReload func(*Config)) {
	defer close(w.done)
	target := filepath.Clean(w.path)
	for event := range w.watcher.Events {
		if filepath.Clean(event.Name) != target {
			continue
		}
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Warn("config reload failed, keeping previous config", zap.Error(err))
			continue
		}
		w.logger.Info("config reloaded", zap.String("path", w.path))
		onReload(cfg)
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
