// Package host is the composition root of the terminal chat client. It
// owns the stores, the notification center and the plugin manager, and
// runs the chat flows through the plugin hooks.
package host

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/harun/nouschat/internal/config"
	"github.com/harun/nouschat/internal/metrics"
	"github.com/harun/nouschat/pkg/chat"
	"github.com/harun/nouschat/pkg/hoststore"
	"github.com/harun/nouschat/pkg/notify"
	"github.com/harun/nouschat/pkg/plugin"
	"github.com/harun/nouschat/pkg/plugin/lua"
	"github.com/harun/nouschat/pkg/plugin/rpc"
	"github.com/rs/zerolog"
)

// notificationHistory bounds the notification center.
const notificationHistory = 200

// Host wires the plugin manager to the chat client state.
type Host struct {
	config  *config.Config
	logger  zerolog.Logger
	store   *hoststore.Store
	chats   *chat.Store
	notices *notify.Center
	manager *plugin.Manager
	builtin *plugin.BuiltinRuntime
	metrics *metrics.Metrics
	watcher *plugin.Watcher

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the host store and builds the plugin manager. Plugins are not
// loaded until Start.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Host, error) {
	h := &Host{
		config: cfg,
		logger: logger.With().Str("component", "host").Logger(),
	}

	if err := h.initializeStores(ctx, logger); err != nil {
		return nil, err
	}
	h.initializePlugins(logger)

	h.logger.Info().
		Str("store", cfg.Storage.Path).
		Strs("plugin_dirs", cfg.Plugins.Dirs).
		Str("policy", cfg.Plugins.Policy).
		Msg("Host initialized")
	return h, nil
}

func (h *Host) initializeStores(ctx context.Context, logger zerolog.Logger) error {
	store, err := hoststore.Open(hoststore.Config{Path: h.config.Storage.Path, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open host store: %w", err)
	}
	h.store = store

	chats, err := chat.NewStore(ctx, store, logger)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to load chat state: %w", err)
	}
	h.chats = chats
	h.notices = notify.NewCenter(notificationHistory, logger)
	return nil
}

func (h *Host) initializePlugins(logger zerolog.Logger) {
	cfg := h.config

	h.metrics = metrics.NewMetrics()
	h.builtin = plugin.NewBuiltinRuntime()
	registerBuiltins(h.builtin)

	h.manager = plugin.NewManager(plugin.ManagerConfig{
		Chats:    h.chats,
		Notifier: h.notices,
		Store:    h.store,
		Fetcher: plugin.NewFetcher(plugin.FetcherConfig{
			Timeout:      time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
			AllowedHosts: cfg.Fetch.AllowedHosts,
		}, logger),
		Policy: cfg.PermissionPolicy(),
		Runtimes: map[string]plugin.Evaluator{
			plugin.RuntimeBuiltin: h.builtin,
			plugin.RuntimeLua: lua.NewRuntime(lua.Config{
				EvalTimeout:     millis(cfg.Plugins.Lua.EvalTimeoutMs),
				CallbackTimeout: millis(cfg.Plugins.Lua.CallbackTimeoutMs),
				CallStackSize:   cfg.Plugins.Lua.CallStackSize,
				RegistryMaxSize: cfg.Plugins.Lua.RegistryMaxSize,
			}, logger),
			plugin.RuntimeRPC: rpc.NewRuntime(millis(cfg.Plugins.RPC.StartTimeoutMs), millis(cfg.Plugins.RPC.CommandTimeoutMs), logger),
		},
		HookTimeout:   cfg.HookTimeout(),
		PluginConfigs: cfg.Plugins.Configs,
		Disabled:      cfg.Plugins.Disabled,
		Metrics:       h.metrics,
	}, logger)

	h.metrics.TrackPlugins(func() int { return len(h.manager.ListPlugins()) })
}

// Start loads plugins from the configured directories and from host
// storage, then starts the watcher and metrics endpoint when enabled.
func (h *Host) Start(ctx context.Context) *plugin.LoadResult {
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	result := h.manager.LoadAll(ctx, h.config.Plugins.Dirs)
	h.loadStored(ctx, result)

	if h.config.Plugins.Watch {
		if err := h.startWatcher(runCtx); err != nil {
			h.logger.Warn().Err(err).Msg("Plugin watcher unavailable, continuing without hot reload")
		}
	}

	if h.config.Metrics.Enabled {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := h.metrics.Serve(runCtx, h.config.Metrics.Addr, h.logger); err != nil {
				h.logger.Error().Err(err).Str("addr", h.config.Metrics.Addr).Msg("Metrics endpoint stopped")
			}
		}()
	}

	return result
}

// loadStored loads plugins installed into host storage that no directory
// already provided.
func (h *Host) loadStored(ctx context.Context, result *plugin.LoadResult) {
	paths, err := h.manager.StoredPlugins(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list stored plugins")
		return
	}

	for _, p := range paths {
		id := path.Dir(p)
		if _, loaded := h.manager.Plugin(id); loaded {
			continue
		}
		if err := h.manager.LoadFromStore(ctx, p); err != nil {
			result.Failed = append(result.Failed, id)
			result.Errors[id] = err
			continue
		}
		result.Loaded = append(result.Loaded, id)
	}
}

func (h *Host) startWatcher(ctx context.Context) error {
	w, err := plugin.NewWatcher(h.logger, millis(h.config.Plugins.WatchDebounceMs), func(dir string) {
		if err := h.manager.ReloadDir(ctx, dir); err != nil {
			h.notices.ShowFrom("plugins", "Plugin reload failed", err.Error())
		}
	})
	if err != nil {
		return err
	}

	for _, dp := range plugin.NewPluginDiscovery(h.logger).DiscoverPlugins(h.config.Plugins.Dirs) {
		if err := w.Watch(dp.Path); err != nil {
			h.logger.Warn().Err(err).Str("dir", dp.Path).Msg("Failed to watch plugin directory")
		}
	}
	h.watcher = w
	return nil
}

// Close unloads every plugin and releases the store. It is safe to call
// more than once.
func (h *Host) Close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		if h.watcher != nil {
			if werr := h.watcher.Stop(); werr != nil {
				h.logger.Warn().Err(werr).Msg("Failed to stop plugin watcher")
			}
		}
		h.manager.Shutdown(ctx)
		if h.cancel != nil {
			h.cancel()
		}
		h.wg.Wait()
		err = h.store.Close()
		h.logger.Info().Msg("Host closed")
	})
	return err
}

// Manager returns the plugin manager
func (h *Host) Manager() *plugin.Manager {
	return h.manager
}

// Chats returns the chat store
func (h *Host) Chats() *chat.Store {
	return h.chats
}

// Notifications returns the notification center
func (h *Host) Notifications() *notify.Center {
	return h.notices
}

// Metrics returns the metrics collectors
func (h *Host) Metrics() *metrics.Metrics {
	return h.metrics
}

// RegisterBuiltin adds a compiled-in plugin module under name
func (h *Host) RegisterBuiltin(name string, factory plugin.Factory) {
	h.builtin.Register(name, factory)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
