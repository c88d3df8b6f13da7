package cli

import (
	"testing"

	"github.com/harun/nouschat/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const examplePlugins = "../../examples/plugins"

func TestPluginsList(t *testing.T) {
	t.Run("loaded plugins", func(t *testing.T) {
		out, err := execute(t, "", "--config", writeConfig(t, examplePlugins), "plugins", "list")
		require.NoError(t, err)

		assert.Contains(t, out, "auto-replace 1.1.0 (lua, enabled)")
		assert.Contains(t, out, "commands:    /replace")
		assert.Contains(t, out, "message-stats 1.0.0 (builtin, enabled)")
		assert.Contains(t, out, "permissions: chats:read, storage:read, storage:write")
		assert.NotContains(t, out, "failed to load")
	})

	t.Run("no plugins", func(t *testing.T) {
		out, err := execute(t, "", "--config", writeConfig(t), "plugins", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "No plugins loaded.")
	})
}

func TestPluginsInspect(t *testing.T) {
	t.Run("lua plugin", func(t *testing.T) {
		out, err := execute(t, "", "--config", writeConfig(t), "plugins", "inspect", examplePlugins+"/auto-replace")
		require.NoError(t, err)

		assert.Contains(t, out, "Auto Replace (lua)")
		assert.Contains(t, out, "main.lua")
		assert.Contains(t, out, "id: auto-replace")
		assert.NotContains(t, out, "rejected")
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := execute(t, "", "--config", writeConfig(t), "plugins", "inspect", t.TempDir())
		assert.Error(t, err)
	})
}

func TestPluginsInstall(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "", "--config", path, "plugins", "install", examplePlugins+"/auto-replace")
	require.NoError(t, err)
	assert.Contains(t, out, "Installed auto-replace/plugin.yaml")

	out, err = execute(t, "", "--config", path, "plugins", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "auto-replace 1.1.0")
}

func TestPluginsEnableDisable(t *testing.T) {
	path := writeConfig(t, examplePlugins)

	_, err := execute(t, "", "--config", path, "plugins", "disable", "auto-replace")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"auto-replace"}, cfg.Plugins.Disabled)

	out, err := execute(t, "", "--config", path, "plugins", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "auto-replace 1.1.0 (lua, disabled)")

	_, err = execute(t, "", "--config", path, "plugins", "disable", "auto-replace")
	require.NoError(t, err)
	_, err = execute(t, "", "--config", path, "plugins", "enable", "auto-replace")
	require.NoError(t, err)

	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Plugins.Disabled)
}
