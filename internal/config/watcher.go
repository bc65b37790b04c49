package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// AllowlistWatcher hot-reloads the exec allowlist from a standalone YAML
// file so rules can be tightened without restarting the gateway.
type AllowlistWatcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	rules []AllowRule

	stopOnce sync.Once
	stop     chan struct{}
}

// NewAllowlistWatcher loads the file once and begins watching it. seed is
// used when path is empty (static config-only allowlist).
func NewAllowlistWatcher(path string, seed []AllowRule, logger *slog.Logger) (*AllowlistWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &AllowlistWatcher{
		path:   path,
		logger: logger.With("component", "allowlist"),
		rules:  seed,
		stop:   make(chan struct{}),
	}
	if path == "" {
		return w, nil
	}

	if err := w.reload(); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	w.watcher = fsw
	go w.loop()
	return w, nil
}

// Rules returns the current rule set.
func (w *AllowlistWatcher) Rules() []AllowRule {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rules
}

// Close stops watching.
func (w *AllowlistWatcher) Close() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *AllowlistWatcher) loop() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				// Keep serving the last good rule set.
				w.logger.Warn("allowlist reload failed", "error", err)
				continue
			}
			w.logger.Info("allowlist reloaded", "rules", len(w.Rules()))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("allowlist watcher error", "error", err)
		}
	}
}

func (w *AllowlistWatcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read allowlist: %w", err)
	}
	var rules []AllowRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse allowlist: %w", err)
	}
	for _, r := range rules {
		if err := validateRule(r); err != nil {
			return err
		}
	}
	w.mu.Lock()
	w.rules = rules
	w.mu.Unlock()
	return nil
}
