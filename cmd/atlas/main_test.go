package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"atlas/internal/config"
	"atlas/internal/plugin"
)

func TestMain(m *testing.M) {
	logger = zap.NewNop()
	os.Exit(m.Run())
}

const countPluginSource = `
package main

func Handle(action string, payload map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}
`

// dropPlugin writes a plugin to a temp file and renames it into the plugin
// dir, so the watcher sees one event with complete content.
func dropPlugin(t *testing.T, dir, name string) {
	t.Helper()
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, []byte(countPluginSource), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		t.Fatal(err)
	}
}

func watcherTestSetup(t *testing.T, autoReload bool) (*config.Config, *plugin.Manager) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Plugins.Dir = t.TempDir()
	cfg.Plugins.AutoReload = autoReload

	mgr, err := plugin.NewManager(plugin.ManagerConfig{
		Dir:              cfg.Plugins.Dir,
		ExecutionTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return cfg, mgr
}

func TestMaybeStartWatcherEnabled(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg, mgr := watcherTestSetup(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop, err := maybeStartWatcher(ctx, cfg, mgr)
	if err != nil {
		t.Fatalf("maybeStartWatcher failed: %v", err)
	}
	defer stop()

	// A plugin dropped into the dir gets picked up without a rescan.
	dropPlugin(t, cfg.Plugins.Dir, "greeter.go")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := mgr.Invoke(context.Background(), "greeter", "hi", nil); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher never loaded the new plugin")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestMaybeStartWatcherDisabled(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg, mgr := watcherTestSetup(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop, err := maybeStartWatcher(ctx, cfg, mgr)
	if err != nil {
		t.Fatalf("maybeStartWatcher failed: %v", err)
	}
	defer stop()

	// Without auto reload, a dropped plugin stays unseen.
	dropPlugin(t, cfg.Plugins.Dir, "greeter.go")
	time.Sleep(700 * time.Millisecond)

	if mgr.Count() != 0 {
		t.Fatalf("plugin loaded with auto reload disabled (count=%d)", mgr.Count())
	}
}
