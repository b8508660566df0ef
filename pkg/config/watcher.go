// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads configuration when its source changes on disk. The source
// is either a config directory (LoadDir) or a single YAML file (Load); in the
// file case the parent directory is watched so editors that replace the file
// are still seen.
type Watcher struct {
	path     string
	isDir    bool
	onChange func(*Config, string)
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}
	stopped sync.Once
}

// NewWatcher creates a watcher for a config file or directory.
// onChange is called with the freshly loaded config and the name of the
// file that triggered the reload.
func NewWatcher(path string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	isDir := false
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		isDir = true
	}
	return &Watcher{
		path:     path,
		isDir:    isDir,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	target := w.path
	if !w.isDir {
		target = filepath.Dir(w.path)
	}
	if err := fsw.Add(target); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("path", w.path), zap.Bool("dir", w.isDir))
	return nil
}

// Stop shuts down the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

// relevant reports whether an event on name should trigger a reload.
func (w *Watcher) relevant(name string) bool {
	if !w.isDir {
		return filepath.Clean(name) == filepath.Clean(w.path)
	}
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer *time.Timer
	var lastFile string

	stopTimer := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			lastFile = filepath.Base(event.Name)
			w.logger.Debug("config file changed", zap.String("file", lastFile))

			stopTimer()
			file := lastFile
			debounceTimer = time.AfterFunc(reloadDebounce, func() {
				w.reload(file)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			stopTimer()
			return

		case <-w.stopCh:
			stopTimer()
			return
		}
	}
}

func (w *Watcher) reload(changedFile string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		cfg *Config
		err error
	)
	if w.isDir {
		cfg, err = LoadDir(w.path)
	} else {
		cfg, err = Load(w.path)
	}
	if err != nil {
		w.logger.Error("config reload failed", zap.String("file", changedFile), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("trigger", changedFile))
	w.onChange(cfg, changedFile)
}
