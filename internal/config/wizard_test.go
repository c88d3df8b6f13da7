package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizard_Run(t *testing.T) {
	answers := strings.Join([]string{
		"/opt/plugins, ~/plugins",
		"y",
		"strict",    // rejected
		"allowlist", // accepted
		"chats:read,bogus",
		"chats:read,storage:read",
		"",
		"https://api.example.com",
		"api.example.com",
		"debug",
	}, "\n") + "\n"

	var out bytes.Buffer
	cfg, err := NewWizard(strings.NewReader(answers), &out).Run(DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, []string{"/opt/plugins", "~/plugins"}, cfg.Plugins.Dirs)
	assert.True(t, cfg.Plugins.Watch)
	assert.Equal(t, PolicyAllowlist, cfg.Plugins.Policy)
	assert.Equal(t, []string{"chats:read", "storage:read"}, cfg.Plugins.AllowPermissions)
	assert.Empty(t, cfg.Plugins.DenyPermissions)
	assert.Equal(t, []string{"api.example.com"}, cfg.Fetch.AllowedHosts)
	assert.Equal(t, "debug", cfg.Logging.Level)

	assert.Contains(t, out.String(), "invalid plugin policy")
	assert.Contains(t, out.String(), `unknown permission "bogus"`)
	assert.Contains(t, out.String(), "not a URL")
	assert.NoError(t, cfg.Validate())
}

func TestWizard_EmptyAnswersKeepBase(t *testing.T) {
	base := DefaultConfig()
	base.Plugins.Dirs = []string{"/srv/plugins"}
	base.Plugins.DenyPermissions = []string{"network:fetch"}

	answers := strings.Repeat("\n", 6)
	cfg, err := NewWizard(strings.NewReader(answers), &bytes.Buffer{}).Run(base)
	require.NoError(t, err)

	assert.Equal(t, []string{"/srv/plugins"}, cfg.Plugins.Dirs)
	assert.False(t, cfg.Plugins.Watch)
	assert.Equal(t, PolicyAllowAll, cfg.Plugins.Policy)
	assert.Equal(t, []string{"network:fetch"}, cfg.Plugins.DenyPermissions)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestWizard_EOF(t *testing.T) {
	_, err := NewWizard(strings.NewReader(""), &bytes.Buffer{}).Run(DefaultConfig())
	assert.Error(t, err)
}
