package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDir     = ".nouschat"
	configName = "nouschat.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file over DefaultConfig. A missing file yields the
// defaults; NOUSCHAT_* environment variables override both.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("NOUSCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applyPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv registers the keys that can be set from the environment. viper
// only consults AutomaticEnv for keys it already knows about.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"data_dir",
		"logging.level",
		"logging.file",
		"storage.path",
		"plugins.dirs",
		"plugins.watch",
		"plugins.hook_timeout_ms",
		"plugins.policy",
		"fetch.timeout_seconds",
		"fetch.allowed_hosts",
		"metrics.enabled",
		"metrics.addr",
	} {
		_ = v.BindEnv(key)
	}
}

// applyPaths fills in paths derived from the data directory
func (c *Config) applyPaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, appDir)
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "nouschat.db")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "nouschat.log")
	}
	if len(c.Plugins.Dirs) == 0 {
		c.Plugins.Dirs = []string{filepath.Join(c.DataDir, "plugins")}
	}
	return nil
}

// Save writes the configuration file
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("logging", cfg.Logging)
	v.Set("storage", cfg.Storage)
	v.Set("plugins", cfg.Plugins)
	v.Set("fetch", cfg.Fetch)
	v.Set("metrics", cfg.Metrics)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	p, err := l.path()
	if err != nil {
		return ""
	}
	return p
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, appDir, configName), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
