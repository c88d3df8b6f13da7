package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns its output
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	cmd.SetArgs(args)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	resetHelpFlags(cmd)

	err := cmd.Execute()
	return output.String(), err
}

// resetHelpFlags clears --help left set by a previous Execute on the shared command tree
func resetHelpFlags(cmd *cobra.Command) {
	if f := cmd.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
	for _, c := range cmd.Commands() {
		resetHelpFlags(c)
	}
}

// writeConfig writes a config file keeping all state under a temp dir
func writeConfig(t *testing.T, pluginDirs ...string) string {
	t.Helper()
	dir := t.TempDir()

	abs := make([]string, len(pluginDirs))
	for i, d := range pluginDirs {
		p, err := filepath.Abs(d)
		require.NoError(t, err)
		abs[i] = p
	}
	if len(abs) == 0 {
		abs = []string{filepath.Join(dir, "plugins")}
	}

	data, err := json.Marshal(map[string]any{
		"data_dir": dir,
		"logging":  map[string]any{"level": "error", "pretty": false},
		"plugins":  map[string]any{"dirs": abs},
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "nouschat.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func findCommand(name string) *cobra.Command {
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "", "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "nouschat version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "", "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "nouschat")
		assert.Contains(t, out, "plugin")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		for _, name := range []string{"chat", "configure", "plugins", "version"} {
			assert.NotNil(t, findCommand(name), "%s command should exist", name)
		}
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "nouschat version "+GetVersion()))
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	_, err := execute(t, "", "--config", writeConfig(t), "--log-level", "loud", "plugins", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")

	logLevel = ""
}
