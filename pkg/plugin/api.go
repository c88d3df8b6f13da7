package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/harun/nouschat/pkg/chat"
	"github.com/harun/nouschat/pkg/hoststore"
	"github.com/rs/zerolog"
)

// configKey holds persisted plugin config inside the plugin's storage namespace.
const configKey = "__config"

var errHostUnavailable = errors.New("host service unavailable")

// pluginAPI implements API for a single plugin.
type pluginAPI struct {
	pluginID string
	sandbox  *SandboxContext
	manager  *Manager
	storage  hoststore.KV
	logger   zerolog.Logger

	mu     sync.RWMutex
	config map[string]any
}

var _ API = (*pluginAPI)(nil)

func newPluginAPI(m *Manager, manifest *Manifest, sandbox *SandboxContext, config map[string]any) *pluginAPI {
	api := &pluginAPI{
		pluginID: manifest.ID,
		sandbox:  sandbox,
		manager:  m,
		config:   config,
		logger:   m.logger.With().Str("plugin", manifest.ID).Logger(),
	}
	if m.store != nil {
		api.storage = hoststore.PluginData(m.store, manifest.ID)
	}
	return api
}

func (api *pluginAPI) PluginID() string { return api.pluginID }

func (api *pluginAPI) GetChats(ctx context.Context) ([]chat.Chat, error) {
	if err := api.sandbox.RequirePermission(PermissionChatsRead); err != nil {
		return nil, err
	}
	if api.manager.chats == nil {
		return nil, errHostUnavailable
	}
	return api.manager.chats.Chats(ctx)
}

func (api *pluginAPI) GetCurrentChat(ctx context.Context) (*chat.Chat, error) {
	if err := api.sandbox.RequirePermission(PermissionChatsRead); err != nil {
		return nil, err
	}
	if api.manager.chats == nil {
		return nil, errHostUnavailable
	}
	return api.manager.chats.CurrentChat(ctx)
}

func (api *pluginAPI) AddMessage(ctx context.Context, chatID string, msg chat.Message) (chat.Message, error) {
	if err := api.sandbox.RequirePermission(PermissionMessagesWrite); err != nil {
		return chat.Message{}, err
	}
	if api.manager.chats == nil {
		return chat.Message{}, errHostUnavailable
	}
	return api.manager.chats.AddMessage(ctx, chatID, msg)
}

func (api *pluginAPI) ShowNotification(ctx context.Context, title, message string) {
	if api.manager.notifier == nil {
		api.logger.Info().Str("title", title).Msg(message)
		return
	}
	api.manager.notifier.ShowFrom(api.pluginID, title, message)
}

func (api *pluginAPI) RegisterCommand(ctx context.Context, name string, handler CommandFunc) error {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("invalid command name %q", name)
	}
	if handler == nil {
		return fmt.Errorf("command %s: handler cannot be nil", name)
	}

	if err := api.manager.commands.Register(api.pluginID, name, handler); err != nil {
		return fmt.Errorf("command %s: %w", name, err)
	}

	api.logger.Debug().Str("command", name).Msg("Registered command")
	return nil
}

func (api *pluginAPI) GetSettings(ctx context.Context) (map[string]any, error) {
	if err := api.sandbox.RequirePermission(PermissionSettingsRead); err != nil {
		return nil, err
	}
	if api.manager.chats == nil {
		return nil, errHostUnavailable
	}
	return api.manager.chats.Settings(ctx)
}

func (api *pluginAPI) UpdateSettings(ctx context.Context, patch map[string]any) (map[string]any, error) {
	if err := api.sandbox.RequirePermission(PermissionSettingsWrite); err != nil {
		return nil, err
	}
	if api.manager.chats == nil {
		return nil, errHostUnavailable
	}
	return api.manager.chats.UpdateSettings(ctx, patch)
}

func (api *pluginAPI) StorageGet(ctx context.Context, key string) (any, bool, error) {
	if err := api.sandbox.RequirePermission(PermissionStorageRead); err != nil {
		return nil, false, err
	}
	if err := checkStorageKey(key); err != nil {
		return nil, false, err
	}
	if api.storage == nil {
		return nil, false, errHostUnavailable
	}

	raw, ok, err := api.storage.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("failed to decode stored value %q: %w", key, err)
	}
	return value, true, nil
}

func (api *pluginAPI) StorageSet(ctx context.Context, key string, value any) error {
	if err := api.sandbox.RequirePermission(PermissionStorageWrite); err != nil {
		return err
	}
	if err := checkStorageKey(key); err != nil {
		return err
	}
	if api.storage == nil {
		return errHostUnavailable
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %q: %w", key, err)
	}
	return api.storage.Set(ctx, key, raw)
}

func (api *pluginAPI) StorageRemove(ctx context.Context, key string) error {
	if err := api.sandbox.RequirePermission(PermissionStorageWrite); err != nil {
		return err
	}
	if err := checkStorageKey(key); err != nil {
		return err
	}
	if api.storage == nil {
		return errHostUnavailable
	}
	return api.storage.Delete(ctx, key)
}

func checkStorageKey(key string) error {
	if key == "" {
		return errors.New("storage key cannot be empty")
	}
	if strings.HasPrefix(key, "__") {
		return fmt.Errorf("%w: %s", ErrReservedKey, key)
	}
	return nil
}

func (api *pluginAPI) GetConfig(ctx context.Context) map[string]any {
	api.mu.RLock()
	defer api.mu.RUnlock()
	return maps.Clone(api.config)
}

// UpdateConfig shallow-merges patch over the config and persists the result.
func (api *pluginAPI) UpdateConfig(ctx context.Context, patch map[string]any) (map[string]any, error) {
	api.mu.Lock()
	defer api.mu.Unlock()

	merged := maps.Clone(api.config)
	if merged == nil {
		merged = make(map[string]any, len(patch))
	}
	maps.Copy(merged, patch)

	if api.storage != nil {
		raw, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
		if err := api.storage.Set(ctx, configKey, raw); err != nil {
			return nil, fmt.Errorf("failed to persist config: %w", err)
		}
	}

	api.config = merged
	return maps.Clone(merged), nil
}

func (api *pluginAPI) On(ctx context.Context, event string, handler EventHandler) string {
	return api.manager.events.On(api.pluginID, event, handler)
}

func (api *pluginAPI) Off(ctx context.Context, handle string) bool {
	return api.manager.events.Off(api.pluginID, handle)
}

func (api *pluginAPI) Emit(ctx context.Context, event string, data any) {
	api.manager.events.Emit(ctx, event, data)
}

func (api *pluginAPI) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	if err := api.sandbox.RequirePermission(PermissionNetworkFetch); err != nil {
		return nil, err
	}
	if api.manager.fetcher == nil {
		return nil, errHostUnavailable
	}
	return api.manager.fetcher.Do(ctx, api.pluginID, req)
}

// loadConfig builds the effective config: manifest defaults, host
// overrides, then the persisted copy.
func loadConfig(ctx context.Context, store hoststore.KV, manifest *Manifest, overrides map[string]any) (map[string]any, error) {
	config := make(map[string]any)
	maps.Copy(config, manifest.Config)
	maps.Copy(config, overrides)

	if store == nil {
		return config, nil
	}

	raw, ok, err := hoststore.PluginData(store, manifest.ID).Get(ctx, configKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read persisted config: %w", err)
	}
	if ok {
		var persisted map[string]any
		if err := json.Unmarshal(raw, &persisted); err != nil {
			return nil, fmt.Errorf("failed to decode persisted config: %w", err)
		}
		maps.Copy(config, persisted)
	}
	return config, nil
}
