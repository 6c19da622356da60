package main

import (
	"atlas/internal/collab"
	"atlas/internal/config"
	"atlas/internal/logging"
	"atlas/internal/memory"
	"atlas/internal/plugin"
	"atlas/internal/task"
	"atlas/internal/types"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "atlas",
	Short: "Atlas - plugin-driven task assistant",
	Long: `Atlas runs goal-oriented tasks through sandboxed plugins, keeps
task-scoped memory in SQLite, and relays collaboration traffic between
connected clients over websockets.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}
		if err := logging.Initialize(workspace); err != nil {
			return fmt.Errorf("failed to initialize category logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// =============================================================================
// ENVIRONMENT WIRING
// =============================================================================

// loadConfig resolves the config file (flag, then workspace default) and
// loads it with env overrides applied.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(workspace, ".atlas", "atlas.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// resolvePath anchors relative config paths at the workspace root.
func resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

func newPluginManager(cfg *config.Config) (*plugin.Manager, error) {
	return plugin.NewManager(plugin.ManagerConfig{
		Dir:                  resolvePath(cfg.Plugins.Dir),
		ExecutionTimeout:     cfg.GetExecutionTimeout(),
		MaxConsecutiveErrors: cfg.Plugins.MaxConsecutiveErrors,
		AllowedImports:       cfg.Plugins.AllowedImports,
	})
}

// maybeStartWatcher starts hot reload of the plugin dir when the config
// enables it. The returned stop func is always safe to call.
func maybeStartWatcher(ctx context.Context, cfg *config.Config, mgr *plugin.Manager) (func(), error) {
	if !cfg.Plugins.AutoReload {
		return func() {}, nil
	}
	w, err := plugin.NewWatcher(mgr)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start plugin watcher: %w", err)
	}
	logger.Info("Plugin hot reload enabled", zap.String("dir", cfg.Plugins.Dir))
	return w.Stop, nil
}

func newMemoryStore(cfg *config.Config) (*memory.Store, error) {
	return memory.NewStore(resolvePath(cfg.Memory.DatabasePath), memory.Options{
		DefaultTTL:      cfg.GetDefaultTTL(),
		CleanupInterval: cfg.GetCleanupInterval(),
	})
}

// scopeProvider adapts the memory store to the task manager's scope
// interface.
type scopeProvider struct {
	store *memory.Store
}

func (p *scopeProvider) Scope(id string) task.MemoryScope { return p.store.Scope(id) }
func (p *scopeProvider) DropScope(id string) error        { return p.store.DropScope(id) }

func newTaskManager(cfg *config.Config, store *memory.Store) *task.Manager {
	return task.NewManager(task.Config{
		MaxConcurrent: cfg.Tasks.MaxConcurrent,
		QueueCapacity: cfg.Tasks.QueueCapacity,
		MaxRetries:    cfg.Tasks.MaxRetries,
		BaseBackoff:   cfg.GetBaseBackoff(),
		MaxBackoff:    cfg.GetMaxBackoff(),
	}, task.WithScopes(&scopeProvider{store: store}))
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// =============================================================================
// SERVE
// =============================================================================

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration relay server",
	Long: `Starts the websocket relay. Connected clients exchange JSON envelopes;
edits carry resource versions and stale edits earn a conflict notice.
Health and stats are served at /healthz and /stats.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addr := cfg.Collab.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}

	srv := collab.NewServer(collab.ServerConfig{
		Addr:            addr,
		AllowedOrigins:  cfg.Collab.AllowedOrigins,
		WriteTimeout:    cfg.GetWriteTimeout(),
		PingInterval:    cfg.GetPingInterval(),
		MaxMessageBytes: cfg.Collab.MaxMessageBytes,
		HistoryLimit:    cfg.Collab.HistoryLimit,
	})

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("Starting collaboration relay", zap.String("addr", addr))
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("relay server failed: %w", err)
	}
	logger.Info("Collaboration relay stopped")
	return nil
}

// =============================================================================
// PLUGINS
// =============================================================================

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect and exercise the plugin manager",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered plugins and their status",
	RunE:  runPluginsList,
}

var pluginsLoadCmd = &cobra.Command{
	Use:   "load [path]",
	Short: "Load a single plugin file or directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsLoad,
}

var pluginsInvokeCmd = &cobra.Command{
	Use:   "invoke [plugin] [action] [json-payload]",
	Short: "Invoke a plugin action with an optional JSON payload",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runPluginsInvoke,
}

var pluginsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the plugin manager with hot reload until interrupted",
	Long: `Loads all plugins and keeps watching the plugin directory, reloading
plugins as their files change. Runs until SIGINT/SIGTERM.`,
	RunE: runPluginsWatch,
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := newPluginManager(cfg)
	if err != nil {
		return err
	}

	if _, err := mgr.LoadAll(); err != nil {
		return fmt.Errorf("failed to scan plugins: %w", err)
	}

	infos := mgr.List()
	if len(infos) == 0 {
		fmt.Println("No plugins found.")
		return nil
	}
	for _, info := range infos {
		line := fmt.Sprintf("%-20s %-10s %s", info.Name, info.Status, info.Version)
		if info.Error != "" {
			line += "  (" + info.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func runPluginsLoad(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := newPluginManager(cfg)
	if err != nil {
		return err
	}

	path := args[0]
	info, statErr := os.Stat(path)
	if statErr != nil {
		return fmt.Errorf("cannot load %s: %w", path, statErr)
	}
	if info.IsDir() {
		err = mgr.LoadDir(path)
	} else {
		err = mgr.LoadFile(path)
	}
	if err != nil {
		return fmt.Errorf("load failed: %w", err)
	}
	fmt.Printf("Loaded %s\n", path)
	return nil
}

func runPluginsInvoke(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := newPluginManager(cfg)
	if err != nil {
		return err
	}
	if _, err := mgr.LoadAll(); err != nil {
		return fmt.Errorf("failed to scan plugins: %w", err)
	}

	payload := map[string]any{}
	if len(args) == 3 {
		if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := mgr.Invoke(ctx, args[0], args[1], payload)
	if err != nil {
		return fmt.Errorf("invoke failed: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runPluginsWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := newPluginManager(cfg)
	if err != nil {
		return err
	}
	if _, err := mgr.LoadAll(); err != nil {
		return fmt.Errorf("failed to scan plugins: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	w, err := plugin.NewWatcher(mgr)
	if err != nil {
		return fmt.Errorf("failed to create plugin watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start plugin watcher: %w", err)
	}
	defer w.Stop()

	logger.Info("Watching plugins", zap.String("dir", cfg.Plugins.Dir),
		zap.Int("loaded", mgr.Count()))
	<-ctx.Done()

	stats := w.Stats()
	fmt.Printf("Stopped: %d reload(s), %d unload(s), %d error(s)\n",
		stats.Reloads, stats.Unloads, stats.Errors)
	return nil
}

// =============================================================================
// TASKS
// =============================================================================

var taskPriority string

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskRunCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Submit a task and wait for it to finish",
	Long: `Submits the goal to the task manager and blocks until it reaches a
terminal state. The task's goal is dispatched to plugins subscribed to
the "task.run" event; the result reports how many plugins handled it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskRun,
}

func runTaskRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := newMemoryStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer store.Close()

	mgr, err := newPluginManager(cfg)
	if err != nil {
		return err
	}
	if _, err := mgr.LoadAll(); err != nil {
		return fmt.Errorf("failed to scan plugins: %w", err)
	}

	tm := newTaskManager(cfg, store)

	ctx, cancel := signalContext()
	defer cancel()

	stopWatcher, err := maybeStartWatcher(ctx, cfg, mgr)
	if err != nil {
		return err
	}
	defer stopWatcher()

	goal := joinArgs(args)
	handler := func(ctx context.Context, tk *types.Task, mem task.MemoryScope) (string, error) {
		if err := mem.Set("goal", tk.Goal); err != nil {
			return "", err
		}
		handled := mgr.DispatchEvent(ctx, "task.run", map[string]any{
			"task_id": tk.ID,
			"goal":    tk.Goal,
		})
		return fmt.Sprintf("dispatched to %d plugin(s)", handled), nil
	}

	id, err := tm.Submit(goal, types.ParsePriority(taskPriority), handler)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}
	logger.Info("Task submitted", zap.String("id", id), zap.String("goal", goal))

	done, err := tm.WaitFor(ctx, id)
	if err != nil {
		return fmt.Errorf("waiting for task: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := tm.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Task manager shutdown", zap.Error(err))
	}

	fmt.Printf("Task %s: %s\n", done.ID, done.Status)
	if done.Result != "" {
		fmt.Printf("Result: %s\n", done.Result)
	}
	if done.LastError != "" {
		fmt.Printf("Error: %s\n", done.LastError)
	}
	if done.Status != types.TaskCompleted {
		return fmt.Errorf("task finished %s", done.Status)
	}
	return nil
}

// =============================================================================
// MEMORY
// =============================================================================

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect the task-scoped memory store",
}

var memoryScopesCmd = &cobra.Command{
	Use:   "scopes",
	Short: "List scopes holding entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *memory.Store) error {
			scopes, err := store.Scopes()
			if err != nil {
				return err
			}
			for _, s := range scopes {
				fmt.Println(s)
			}
			return nil
		})
	},
}

var memoryKeysCmd = &cobra.Command{
	Use:   "keys [scope]",
	Short: "List keys in a scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *memory.Store) error {
			keys, err := store.Scope(args[0]).Keys()
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		})
	},
}

var memoryGetCmd = &cobra.Command{
	Use:   "get [scope] [key]",
	Short: "Read a value from a scope",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *memory.Store) error {
			value, ok, err := store.Scope(args[0]).Get(args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no entry %s/%s", args[0], args[1])
			}
			fmt.Println(value)
			return nil
		})
	},
}

var memorySetCmd = &cobra.Command{
	Use:   "set [scope] [key] [value]",
	Short: "Write a value into a scope",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *memory.Store) error {
			return store.Scope(args[0]).Set(args[1], args[2])
		})
	},
}

// withStore opens the configured store for a one-shot command.
func withStore(fn func(*memory.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := newMemoryStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

// =============================================================================
// VERSION
// =============================================================================

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the Atlas version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("atlas %s\n", version)
	},
}

// =============================================================================
// WIRING
// =============================================================================

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.atlas/atlas.yaml)")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")

	taskRunCmd.Flags().StringVar(&taskPriority, "priority", "medium", "Task priority: low, medium, high, critical")

	pluginsCmd.AddCommand(pluginsListCmd)
	pluginsCmd.AddCommand(pluginsLoadCmd)
	pluginsCmd.AddCommand(pluginsInvokeCmd)
	pluginsCmd.AddCommand(pluginsWatchCmd)
	taskCmd.AddCommand(taskRunCmd)
	memoryCmd.AddCommand(memoryScopesCmd)
	memoryCmd.AddCommand(memoryKeysCmd)
	memoryCmd.AddCommand(memoryGetCmd)
	memoryCmd.AddCommand(memorySetCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
