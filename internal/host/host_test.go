package host

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/harun/nouschat/internal/config"
	"github.com/harun/nouschat/pkg/chat"
	"github.com/harun/nouschat/pkg/notify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const examplePlugins = "../../examples/plugins"

func testConfig(t *testing.T, dataDir string, dirs ...string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Storage.Path = filepath.Join(dataDir, "nouschat.db")
	cfg.Plugins.Dirs = dirs
	return cfg
}

func startHost(t *testing.T, cfg *config.Config) *Host {
	t.Helper()
	ctx := context.Background()

	h, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	h.Start(ctx)
	return h
}

func lastNotification(t *testing.T, h *Host) notify.Notification {
	t.Helper()
	history := h.Notifications().History()
	require.NotEmpty(t, history)
	return history[len(history)-1]
}

func TestHost_LoadsExamplePlugins(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, testConfig(t, t.TempDir(), examplePlugins), zerolog.Nop())
	require.NoError(t, err)
	defer h.Close(ctx)

	result := h.Start(ctx)
	assert.ElementsMatch(t, []string{"auto-replace", "message-stats"}, result.Loaded)
	assert.Empty(t, result.Failed)

	info, ok := h.Manager().Plugin("auto-replace")
	require.True(t, ok)
	assert.Equal(t, []string{"replace"}, info.Commands)
	assert.Equal(t, "1.1.0", info.Manifest.Version)
}

func TestHost_SendRunsHooks(t *testing.T) {
	ctx := context.Background()
	h := startHost(t, testConfig(t, t.TempDir(), examplePlugins))

	msg, err := h.Send(ctx, "btw imo this works")
	require.NoError(t, err)
	assert.Equal(t, "by the way in my opinion this works", msg.Content)
	assert.Equal(t, chat.RoleUser, msg.Role)

	current, err := h.Chats().CurrentChat(ctx)
	require.NoError(t, err)
	require.NotNil(t, current, "sending without a chat creates one")
	require.Len(t, current.Messages, 1)
	assert.Equal(t, msg.ID, current.Messages[0].ID)
}

func TestHost_Commands(t *testing.T) {
	ctx := context.Background()
	h := startHost(t, testConfig(t, t.TempDir(), examplePlugins))

	require.True(t, h.Execute(ctx, `/replace brb "be right back"`))
	assert.Equal(t, "brb -> be right back", lastNotification(t, h).Message)

	msg, err := h.Send(ctx, "brb")
	require.NoError(t, err)
	assert.Equal(t, "be right back", msg.Content)

	_, err = h.Receive(ctx, "welcome back", "test-model")
	require.NoError(t, err)

	require.True(t, h.Execute(ctx, "/stats"))
	n := lastNotification(t, h)
	assert.Equal(t, "Message statistics", n.Title)
	assert.Equal(t, "message-stats", n.Source)
	assert.Contains(t, n.Message, "1 sent, 1 received")
	assert.Contains(t, n.Message, "2 messages, 5 words (1 user, 1 assistant)")

	assert.False(t, h.Execute(ctx, "/unknown"))
	assert.False(t, h.Execute(ctx, "plain text"))
}

func TestHost_DisabledCommand(t *testing.T) {
	ctx := context.Background()
	h := startHost(t, testConfig(t, t.TempDir(), examplePlugins))

	require.True(t, h.Manager().TogglePlugin(ctx, "auto-replace", false))
	assert.False(t, h.Execute(ctx, "/replace a b"))

	msg, err := h.Send(ctx, "btw")
	require.NoError(t, err)
	assert.Equal(t, "btw", msg.Content, "disabled plugins do not run hooks")
}

func TestHost_ChatLifecycle(t *testing.T) {
	ctx := context.Background()
	h := startHost(t, testConfig(t, t.TempDir()))

	c, err := h.NewChat(ctx, "notes")
	require.NoError(t, err)

	current, err := h.Chats().CurrentChat(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, c.ID, current.ID)

	_, err = h.Receive(ctx, "   ", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	require.NoError(t, h.DeleteChat(ctx, c.ID))
	assert.ErrorIs(t, h.DeleteChat(ctx, c.ID), chat.ErrChatNotFound)

	chats, err := h.Chats().Chats(ctx)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestHost_PersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	h, err := New(ctx, testConfig(t, dataDir, examplePlugins), zerolog.Nop())
	require.NoError(t, err)
	h.Start(ctx)

	_, err = h.Send(ctx, "one")
	require.NoError(t, err)
	_, err = h.Send(ctx, "two")
	require.NoError(t, err)
	require.True(t, h.Execute(ctx, "/replace ty thank you"))
	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx), "close is idempotent")

	h = startHost(t, testConfig(t, dataDir, examplePlugins))

	msg, err := h.Send(ctx, "ty")
	require.NoError(t, err)
	assert.Equal(t, "thank you", msg.Content)

	require.True(t, h.Execute(ctx, "/stats"))
	assert.Contains(t, lastNotification(t, h).Message, "3 sent, 0 received")
}

func TestHost_LoadsInstalledPlugins(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	h, err := New(ctx, testConfig(t, dataDir), zerolog.Nop())
	require.NoError(t, err)
	manifestPath, err := h.Manager().InstallDir(ctx, filepath.Join(examplePlugins, "auto-replace"))
	require.NoError(t, err)
	assert.Equal(t, "auto-replace/plugin.yaml", manifestPath)
	require.NoError(t, h.Close(ctx))

	h = startHost(t, testConfig(t, dataDir))
	_, ok := h.Manager().Plugin("auto-replace")
	assert.True(t, ok)

	msg, err := h.Send(ctx, "btw")
	require.NoError(t, err)
	assert.Equal(t, "by the way", msg.Content)
}

func TestHost_StoredPluginShadowedByDirectory(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	h, err := New(ctx, testConfig(t, dataDir), zerolog.Nop())
	require.NoError(t, err)
	_, err = h.Manager().InstallDir(ctx, filepath.Join(examplePlugins, "auto-replace"))
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))

	h, err = New(ctx, testConfig(t, dataDir, examplePlugins), zerolog.Nop())
	require.NoError(t, err)
	defer h.Close(ctx)

	result := h.Start(ctx)
	assert.Empty(t, result.Failed)
	assert.ElementsMatch(t, []string{"auto-replace", "message-stats"}, result.Loaded)
}
