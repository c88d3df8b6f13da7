package plugin

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDebounce coalesces bursts of writes (editors save in steps).
const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher watches plugin directories and reports changed ones after a
// quiet period.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func(dir string)
	debounce time.Duration

	mu     sync.Mutex
	dirs   map[string]bool
	timers map[string]*time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher calling onChange with the plugin directory
func NewWatcher(logger zerolog.Logger, debounce time.Duration, onChange func(dir string)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	w := &Watcher{
		watcher:  watcher,
		logger:   logger.With().Str("component", "plugin-watcher").Logger(),
		onChange: onChange,
		debounce: debounce,
		dirs:     make(map[string]bool),
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Watch starts watching a plugin directory
func (w *Watcher) Watch(dir string) error {
	dir = filepath.Clean(dir)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	w.mu.Lock()
	w.dirs[dir] = true
	w.mu.Unlock()

	w.logger.Debug().Str("dir", dir).Msg("Watching plugin directory")
	return nil
}

// Stop stops the watcher and pending reloads
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()

		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.mu.Unlock()
	})
	return err
}

// run processes file system events
func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			dir := filepath.Dir(event.Name)
			w.mu.Lock()
			watched := w.dirs[dir]
			w.mu.Unlock()
			if !watched {
				continue
			}

			w.logger.Debug().
				Str("file", filepath.Base(event.Name)).
				Str("op", event.Op.String()).
				Msg("Plugin file change detected")

			w.schedule(dir)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Plugin watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// schedule debounces changes per directory
func (w *Watcher) schedule(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[dir]; ok {
		t.Stop()
	}

	w.timers[dir] = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.onChange(dir)
	})
}

// ReloadDir re-reads a plugin directory and reloads the plugin
func (m *Manager) ReloadDir(ctx context.Context, dir string) error {
	manifest, src, err := ReadPluginDir(dir)
	if err != nil {
		m.logger.Error().Err(err).Str("dir", dir).Msg("Failed to read changed plugin")
		return err
	}

	m.logger.Info().Str("plugin", manifest.ID).Str("dir", dir).Msg("Reloading plugin")
	return m.ReloadPlugin(ctx, *manifest, src)
}
