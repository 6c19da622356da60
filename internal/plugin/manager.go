package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"atlas/internal/logging"
	"atlas/internal/types"
)

// loadedPlugin is the manager's internal record for one plugin.
type loadedPlugin struct {
	manifest *Manifest
	path     string // entry file path
	handle   HandleFunc
	status   types.PluginStatus
	loadErr  string
	errRun   int // consecutive invocation failures
	loadedAt time.Time
}

// ManagerConfig configures the plugin manager.
type ManagerConfig struct {
	Dir                  string
	ExecutionTimeout     time.Duration
	MaxConsecutiveErrors int
	AllowedImports       []string
}

// Manager discovers, loads, and invokes plugins. It is thread-safe.
type Manager struct {
	cfg      ManagerConfig
	executor *Executor

	mu      sync.RWMutex
	plugins map[string]*loadedPlugin

	// event name -> subscribed plugin names
	subscribers map[string][]string
}

// NewManager creates a plugin manager rooted at cfg.Dir.
// The directory is created if missing.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 30 * time.Second
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 3
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plugins directory: %w", err)
	}

	return &Manager{
		cfg:         cfg,
		executor:    NewExecutor(cfg.AllowedImports),
		plugins:     make(map[string]*loadedPlugin),
		subscribers: make(map[string][]string),
	}, nil
}

// LoadAll discovers and loads every plugin under the plugin directory.
// One broken plugin never fails the scan; it is recorded as errored.
// Returns the number of successfully loaded plugins.
func (m *Manager) LoadAll() (int, error) {
	timer := logging.StartTimer(logging.CategoryPlugins, "LoadAll")
	defer timer.Stop()

	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		path := filepath.Join(m.cfg.Dir, entry.Name())

		switch {
		case entry.IsDir():
			if _, err := os.Stat(filepath.Join(path, ManifestFilename)); err != nil {
				continue // not a plugin directory
			}
			if err := m.LoadDir(path); err != nil {
				logging.PluginsWarn("skipping plugin dir %s: %v", entry.Name(), err)
				continue
			}
			loaded++

		case strings.HasSuffix(entry.Name(), ".go"):
			if err := m.LoadFile(path); err != nil {
				logging.PluginsWarn("skipping plugin file %s: %v", entry.Name(), err)
				continue
			}
			loaded++
		}
	}

	logging.Plugins("loaded %d plugin(s) from %s", loaded, m.cfg.Dir)
	return loaded, nil
}

// LoadDir loads a plugin directory containing plugin.yaml and an entry file.
func (m *Manager) LoadDir(dir string) error {
	manifest, err := LoadManifest(filepath.Join(dir, ManifestFilename))
	if err != nil {
		m.recordErrored(filepath.Base(dir), dir, err)
		return err
	}
	return m.load(manifest, filepath.Join(dir, manifest.Entry))
}

// LoadFile loads a bare .go plugin file with an implicit manifest.
func (m *Manager) LoadFile(path string) error {
	return m.load(ImplicitManifest(path), path)
}

// load compiles the entry file and registers the plugin.
func (m *Manager) load(manifest *Manifest, entryPath string) error {
	m.mu.RLock()
	existing, dup := m.plugins[manifest.Name]
	m.mu.RUnlock()
	if dup && existing.status == types.PluginLoaded {
		return fmt.Errorf("%w: %s", ErrPluginAlreadyLoaded, manifest.Name)
	}

	source, err := os.ReadFile(entryPath)
	if err != nil {
		err = fmt.Errorf("failed to read entry %s: %w", entryPath, err)
		m.recordErrored(manifest.Name, entryPath, err)
		return err
	}

	handle, err := m.executor.Compile(string(source), manifest)
	if err != nil {
		m.recordErrored(manifest.Name, entryPath, err)
		return err
	}

	m.mu.Lock()
	m.plugins[manifest.Name] = &loadedPlugin{
		manifest: manifest,
		path:     entryPath,
		handle:   handle,
		status:   types.PluginLoaded,
		loadedAt: time.Now(),
	}
	m.rebuildSubscribersLocked()
	m.mu.Unlock()

	logging.Plugins("loaded plugin %s v%s (%s)", manifest.Name, manifest.Version, entryPath)
	return nil
}

// recordErrored registers a plugin in errored state so List shows it.
func (m *Manager) recordErrored(name, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins[name] = &loadedPlugin{
		manifest: &Manifest{Name: name},
		path:     path,
		status:   types.PluginErrored,
		loadErr:  err.Error(),
	}
	m.rebuildSubscribersLocked()
}

// Unload removes a plugin entirely.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plugins[name]; !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	delete(m.plugins, name)
	m.rebuildSubscribersLocked()

	logging.Plugins("unloaded plugin %s", name)
	return nil
}

// Reload re-reads a plugin's source from disk.
// The plugin keeps its registration on compile failure but turns errored.
func (m *Manager) Reload(name string) error {
	m.mu.RLock()
	p, ok := m.plugins[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}

	entryPath := p.path
	manifest := p.manifest

	// Directory plugins may have changed their manifest too.
	dir := filepath.Dir(entryPath)
	if fresh, err := LoadManifest(filepath.Join(dir, ManifestFilename)); err == nil && fresh.Name == name {
		manifest = fresh
		entryPath = filepath.Join(dir, fresh.Entry)
	}

	m.mu.Lock()
	delete(m.plugins, name)
	m.mu.Unlock()

	return m.load(manifest, entryPath)
}

// Enable re-enables a disabled plugin and resets its error streak.
func (m *Manager) Enable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plugins[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if p.handle == nil {
		return fmt.Errorf("%w: %s failed to load (%s)", ErrPluginDisabled, name, p.loadErr)
	}
	p.status = types.PluginLoaded
	p.errRun = 0
	return nil
}

// Disable marks a plugin disabled; Invoke and events skip it.
func (m *Manager) Disable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plugins[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	p.status = types.PluginDisabled
	return nil
}

// Get returns the info record for one plugin.
func (m *Manager) Get(name string) (types.PluginInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plugins[name]
	if !ok {
		return types.PluginInfo{}, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return p.info(), nil
}

// List returns info for all plugins, sorted by name.
func (m *Manager) List() []types.PluginInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]types.PluginInfo, 0, len(m.plugins))
	for _, p := range m.plugins {
		infos = append(infos, p.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Count returns the number of registered plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plugins)
}

// Invoke calls a plugin's Handle with the execution timeout applied.
// A plugin failing MaxConsecutiveErrors invocations in a row is auto-disabled;
// one success resets the streak.
func (m *Manager) Invoke(ctx context.Context, name, action string, payload map[string]any) (map[string]any, error) {
	m.mu.RLock()
	p, ok := m.plugins[name]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if p.status != types.PluginLoaded {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s (status=%s)", ErrPluginDisabled, name, p.status)
	}
	handle := p.handle
	m.mu.RUnlock()

	invokeCtx, cancel := context.WithTimeout(ctx, m.cfg.ExecutionTimeout)
	defer cancel()

	start := time.Now()
	result, err := m.executor.Invoke(invokeCtx, name, handle, action, payload)
	logging.PluginsDebug("plugin %s handled %s in %v (success=%v)", name, action, time.Since(start), err == nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	// Plugin may have been unloaded mid-invocation.
	if p, ok = m.plugins[name]; !ok {
		return result, err
	}

	if err != nil {
		p.errRun++
		if p.errRun >= m.cfg.MaxConsecutiveErrors && p.status == types.PluginLoaded {
			p.status = types.PluginDisabled
			logging.PluginsError("plugin %s auto-disabled after %d consecutive errors", name, p.errRun)
		}
		return result, err
	}

	p.errRun = 0
	return result, nil
}

// DispatchEvent invokes every enabled subscriber of the named event.
// Best-effort: subscriber errors are logged and counted, never propagated.
// Returns the number of subscribers invoked.
func (m *Manager) DispatchEvent(ctx context.Context, event string, payload map[string]any) int {
	m.mu.RLock()
	names := append([]string(nil), m.subscribers[event]...)
	m.mu.RUnlock()

	invoked := 0
	for _, name := range names {
		if _, err := m.Invoke(ctx, name, event, payload); err != nil {
			logging.PluginsWarn("event %s: subscriber %s failed: %v", event, name, err)
			continue
		}
		invoked++
	}
	return invoked
}

// rebuildSubscribersLocked recomputes the event index. Caller holds mu.
func (m *Manager) rebuildSubscribersLocked() {
	m.subscribers = make(map[string][]string)
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic dispatch order
	for _, name := range names {
		p := m.plugins[name]
		for _, ev := range p.manifest.Events {
			m.subscribers[ev] = append(m.subscribers[ev], name)
		}
	}
}

func (p *loadedPlugin) info() types.PluginInfo {
	info := types.PluginInfo{
		Name:              p.manifest.Name,
		Version:           p.manifest.Version,
		Description:       p.manifest.Description,
		Path:              p.path,
		Status:            p.status,
		Error:             p.loadErr,
		ConsecutiveErrors: p.errRun,
	}
	if !p.loadedAt.IsZero() {
		loadedAt := p.loadedAt
		info.LoadedAt = &loadedAt
	}
	return info
}
