package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/nouschat/pkg/plugin"
)

// Config represents the main nouschat configuration
type Config struct {
	// Data directory, defaults to ~/.nouschat
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Host storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Plugin host
	Plugins PluginsConfig `json:"plugins" mapstructure:"plugins"`

	// Plugin HTTP proxy
	Fetch FetchConfig `json:"fetch" mapstructure:"fetch"`

	// Prometheus endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// StorageConfig holds host store configuration
type StorageConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// Permission policies
const (
	PolicyAllowAll  = "allow-all"
	PolicyAllowlist = "allowlist"
)

// PluginsConfig holds plugin host configuration
type PluginsConfig struct {
	Dirs             []string                  `json:"dirs" mapstructure:"dirs"`
	Watch            bool                      `json:"watch" mapstructure:"watch"`
	WatchDebounceMs  int                       `json:"watch_debounce_ms" mapstructure:"watch_debounce_ms"`
	HookTimeoutMs    int                       `json:"hook_timeout_ms" mapstructure:"hook_timeout_ms"`
	Policy           string                    `json:"policy" mapstructure:"policy"` // allow-all, allowlist
	AllowPermissions []string                  `json:"allow_permissions" mapstructure:"allow_permissions"`
	DenyPermissions  []string                  `json:"deny_permissions" mapstructure:"deny_permissions"`
	Disabled         []string                  `json:"disabled" mapstructure:"disabled"`
	Configs          map[string]map[string]any `json:"configs" mapstructure:"configs"`
	Lua              LuaConfig                 `json:"lua" mapstructure:"lua"`
	RPC              RPCConfig                 `json:"rpc" mapstructure:"rpc"`
}

// LuaConfig bounds the Lua interpreters
type LuaConfig struct {
	CallStackSize     int `json:"call_stack_size" mapstructure:"call_stack_size"`
	RegistryMaxSize   int `json:"registry_max_size" mapstructure:"registry_max_size"`
	EvalTimeoutMs     int `json:"eval_timeout_ms" mapstructure:"eval_timeout_ms"`
	CallbackTimeoutMs int `json:"callback_timeout_ms" mapstructure:"callback_timeout_ms"`
}

// RPCConfig configures plugin executables
type RPCConfig struct {
	StartTimeoutMs   int `json:"start_timeout_ms" mapstructure:"start_timeout_ms"`
	CommandTimeoutMs int `json:"command_timeout_ms" mapstructure:"command_timeout_ms"`
}

// FetchConfig holds plugin fetch configuration
type FetchConfig struct {
	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	AllowedHosts   []string `json:"allowed_hosts" mapstructure:"allowed_hosts"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Plugins: PluginsConfig{
			Dirs:            []string{},
			Watch:           false,
			WatchDebounceMs: 250,
			HookTimeoutMs:   5000,
			Policy:          PolicyAllowAll,
			Configs:         map[string]map[string]any{},
			Lua: LuaConfig{
				CallStackSize:     256,
				EvalTimeoutMs:     5000,
				CallbackTimeoutMs: 5000,
			},
			RPC: RPCConfig{
				StartTimeoutMs:   10000,
				CommandTimeoutMs: 30000,
			},
		},
		Fetch: FetchConfig{
			TimeoutSeconds: 30,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// HookTimeout returns plugins.hook_timeout_ms as a duration
func (c *Config) HookTimeout() time.Duration {
	return time.Duration(c.Plugins.HookTimeoutMs) * time.Millisecond
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs[0])
	}
	return nil
}

// PermissionPolicy builds the plugin load policy. The deny list applies
// under both policies.
func (c *Config) PermissionPolicy() plugin.PermissionPolicy {
	denied := toPermissions(c.Plugins.DenyPermissions)
	if c.Plugins.Policy == PolicyAllowlist {
		return plugin.AllowList(toPermissions(c.Plugins.AllowPermissions), denied)
	}
	if len(denied) > 0 {
		return plugin.AllowList(nil, denied)
	}
	return plugin.AllowAll()
}

func toPermissions(in []string) []plugin.Permission {
	out := make([]plugin.Permission, len(in))
	for i, p := range in {
		out[i] = plugin.Permission(p)
	}
	return out
}
