package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the config file and delivers a freshly loaded Config to
// the callback on change. Only hot-reloadable policy (notifier thresholds,
// benign patterns, ignore lists) is expected to change at runtime; drivers
// pick the rest up on restart.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(*Config)

	mu       sync.Mutex
	stopChan chan struct{}
	stopped  bool
}

// NewWatcher creates a watcher for the given config file path. An empty path
// disables watching; Start becomes a no-op.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		onReload: onReload,
		stopChan: make(chan struct{}),
	}
	if path == "" {
		return w, nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.watcher = fsw
	return w, nil
}

// Start begins watching the config file's directory. Editors replace files
// on save, so the directory is watched rather than the file itself.
func (w *Watcher) Start() {
	if w.watcher == nil {
		return
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory")
		return
	}
	go w.loop()
	log.Info().Str("path", w.path).Msg("Watching config file for changes")
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopChan)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) loop() {
	// Debounce: editors emit several events per save.
	var pending *time.Timer
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(500*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous configuration")
		return
	}
	log.Info().Str("path", w.path).Msg("Configuration reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
