package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when the file does not exist", func(t *testing.T) {
		dataDir := t.TempDir()
		t.Setenv("NOUSCHAT_DATA_DIR", dataDir)

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, PolicyAllowAll, cfg.Plugins.Policy)
		assert.Equal(t, dataDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(dataDir, "nouschat.db"), cfg.Storage.Path)
		assert.Equal(t, filepath.Join(dataDir, "nouschat.log"), cfg.Logging.File)
		assert.Equal(t, []string{filepath.Join(dataDir, "plugins")}, cfg.Plugins.Dirs)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nouschat.json")
		content := `{
			"data_dir": "/srv/nous",
			"plugins": {
				"dirs": ["/opt/plugins"],
				"hook_timeout_ms": 250,
				"policy": "allowlist",
				"allow_permissions": ["chats:read"],
				"disabled": ["noisy"],
				"configs": {"auto-replace": {"replacements": {"brb": "be right back"}}},
				"lua": {"call_stack_size": 64}
			},
			"fetch": {"allowed_hosts": ["api.example.com"]}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, "/srv/nous", cfg.DataDir)
		assert.Equal(t, []string{"/opt/plugins"}, cfg.Plugins.Dirs)
		assert.Equal(t, 250, cfg.Plugins.HookTimeoutMs)
		assert.Equal(t, PolicyAllowlist, cfg.Plugins.Policy)
		assert.Equal(t, []string{"chats:read"}, cfg.Plugins.AllowPermissions)
		assert.Equal(t, []string{"noisy"}, cfg.Plugins.Disabled)
		assert.Equal(t, 64, cfg.Plugins.Lua.CallStackSize)
		assert.Equal(t, 5000, cfg.Plugins.Lua.EvalTimeoutMs, "unset nested keys keep defaults")
		assert.Equal(t, []string{"api.example.com"}, cfg.Fetch.AllowedHosts)
		assert.Equal(t, map[string]any{"brb": "be right back"}, cfg.Plugins.Configs["auto-replace"]["replacements"])
		assert.Equal(t, "/srv/nous/nouschat.db", cfg.Storage.Path)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nouschat.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"plugins": {"hook_timeout_ms": 250}}`), 0644))
		t.Setenv("NOUSCHAT_PLUGINS_HOOK_TIMEOUT_MS", "900")
		t.Setenv("NOUSCHAT_METRICS_ENABLED", "true")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 900, cfg.Plugins.HookTimeoutMs)
		assert.True(t, cfg.Metrics.Enabled)
	})

	t.Run("malformed file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nouschat.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"plugins": `), 0644))

		_, err := NewLoader(configPath).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "nouschat.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.DataDir = "/srv/nous"
	cfg.Plugins.Watch = true
	cfg.Plugins.DenyPermissions = []string{"network:fetch"}
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.True(t, loaded.Plugins.Watch)
	assert.Equal(t, []string{"network:fetch"}, loaded.Plugins.DenyPermissions)
	assert.Equal(t, "/srv/nous", loaded.DataDir)
}

func TestLoaderGetConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/nouschat.json", NewLoader("/etc/nouschat.json").GetConfigPath())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".nouschat", "nouschat.json"), NewLoader("").GetConfigPath())
}
