package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"atlas/internal/logging"
)

// Watcher watches the plugin directory and hot-reloads plugins on change.
// Rapid editor save bursts are debounced per path.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	manager     *Manager
	dir         string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity for debugging.
type WatcherStats struct {
	Reloads       int
	Unloads       int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
	LastEventOp   string
}

// NewWatcher creates a watcher for the manager's plugin directory.
func NewWatcher(manager *Manager) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     fsw,
		manager:     manager,
		dir:         manager.cfg.Dir,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // Already running
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	// Watch existing plugin subdirectories too; fsnotify is not recursive.
	for _, info := range w.manager.List() {
		dir := filepath.Dir(info.Path)
		if dir != w.dir {
			if err := w.watcher.Add(dir); err != nil {
				logging.PluginsWarn("watcher: cannot watch %s: %v", dir, err)
			}
		}
	}

	logging.Plugins("watcher: watching %s", w.dir)
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

// Stats returns a copy of the watcher stats.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			logging.PluginsWarn("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// A new subdirectory may be a plugin being dropped in; start watching it
	// so its plugin.yaml and entry file events are delivered.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				logging.PluginsWarn("watcher: cannot watch new dir %s: %v", event.Name, err)
			}
			return
		}
	}

	if !w.relevant(event.Name) {
		return
	}

	w.mu.Lock()
	now := time.Now()
	if last, seen := w.debounceMap[event.Name]; seen && now.Sub(last) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	// Expired entries can never suppress an event again; drop them so the
	// map stays bounded by the set of recently touched paths.
	for path, last := range w.debounceMap {
		if now.Sub(last) >= w.debounceDur {
			delete(w.debounceMap, path)
		}
	}
	w.debounceMap[event.Name] = now
	w.stats.LastEventTime = now
	w.stats.LastEventPath = event.Name
	w.stats.LastEventOp = event.Op.String()
	w.mu.Unlock()

	name := w.pluginNameFor(event.Name)

	switch {
	case event.Op&fsnotify.Remove != 0 || event.Op&fsnotify.Rename != 0:
		if err := w.manager.Unload(name); err == nil {
			w.mu.Lock()
			w.stats.Unloads++
			w.mu.Unlock()
			logging.Plugins("watcher: unloaded %s (%s removed)", name, event.Name)
		}

	case event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0:
		if err := w.reload(name, event.Name); err != nil {
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			logging.PluginsWarn("watcher: reload of %s failed: %v", name, err)
			return
		}
		w.mu.Lock()
		w.stats.Reloads++
		w.mu.Unlock()
		logging.Plugins("watcher: reloaded %s", name)
	}
}

// relevant filters events down to plugin sources and manifests.
func (w *Watcher) relevant(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".go") || base == ManifestFilename
}

// pluginNameFor maps a changed file to its plugin name.
// Files directly in the plugin dir are bare plugins named by stem;
// files in subdirectories belong to the directory's plugin.
func (w *Watcher) pluginNameFor(path string) string {
	dir := filepath.Dir(path)
	if dir == w.dir {
		base := filepath.Base(path)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return filepath.Base(dir)
}

func (w *Watcher) reload(name, path string) error {
	// Known plugin: reload in place.
	if _, err := w.manager.Get(name); err == nil {
		return w.manager.Reload(name)
	}

	// New plugin appeared.
	dir := filepath.Dir(path)
	if dir == w.dir {
		return w.manager.LoadFile(path)
	}
	if err := w.manager.LoadDir(dir); err != nil {
		return err
	}
	// Watch the new subdirectory for subsequent edits.
	if err := w.watcher.Add(dir); err != nil {
		logging.PluginsWarn("watcher: cannot watch %s: %v", dir, err)
	}
	return nil
}
