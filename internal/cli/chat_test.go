package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/nouschat/internal/config"
	"github.com/harun/nouschat/internal/host"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T, input string, pluginDirs ...string) (*chatLoop, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Storage.Path = filepath.Join(dir, "nouschat.db")
	cfg.Plugins.Dirs = pluginDirs

	h, err := host.New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	out := &bytes.Buffer{}
	h.Notifications().Subscribe(printNotification(out))
	h.Start(ctx)

	return newChatLoop(h, strings.NewReader(input), out), out
}

func TestChatLoop_MessagesAndCommands(t *testing.T) {
	input := strings.Join([]string{
		"/new planning",
		"btw the plan is ready",
		"/reply great, thanks",
		"/replace asap as soon as possible",
		"ship asap",
		"/stats",
		"/history",
		"/quit",
		"never read",
	}, "\n")

	loop, out := newTestLoop(t, input, examplePlugins)
	require.NoError(t, loop.run(context.Background()))

	got := out.String()
	assert.Contains(t, got, "Created planning")
	assert.Contains(t, got, "you: by the way the plan is ready")
	assert.Contains(t, got, "assistant: great, thanks")
	assert.Contains(t, got, "[auto-replace] Auto replace\nasap -> as soon as possible")
	assert.Contains(t, got, "you: ship as soon as possible")
	assert.Contains(t, got, "[message-stats] Message statistics")
	assert.Contains(t, got, "planning: 3 messages")
	assert.NotContains(t, got, "never read")
}

func TestChatLoop_ChatManagement(t *testing.T) {
	input := strings.Join([]string{
		"/new first",
		"/new second",
		"/chats",
		"/switch 1",
		"/delete",
		"/chats",
		"/switch 9",
	}, "\n")

	loop, out := newTestLoop(t, input)
	require.NoError(t, loop.run(context.Background()))

	got := out.String()
	assert.Contains(t, got, "* 2. second")
	assert.Contains(t, got, "Switched to first")
	assert.Contains(t, got, "Deleted first")
	assert.Contains(t, got, "  1. second")
	assert.Contains(t, got, "error: no chat number 9")
}

func TestChatLoop_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{name: "unknown command", line: "/nope", want: "error: unknown command /nope"},
		{name: "delete without chat", line: "/delete", want: "error: no chat selected"},
		{name: "switch without ref", line: "/switch", want: "error: chat number or id required"},
		{name: "empty reply", line: "/reply", want: "error: message is empty"},
		{name: "toggle unknown plugin", line: "/disable ghost", want: "error: plugin ghost is not loaded"},
		{name: "history without chat", line: "/history", want: "No chat selected."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop, out := newTestLoop(t, "")
			quit := loop.handle(context.Background(), tt.line)
			assert.False(t, quit)
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestChatLoop_TogglePlugin(t *testing.T) {
	loop, out := newTestLoop(t, "", examplePlugins)
	ctx := context.Background()

	loop.handle(ctx, "/disable auto-replace")
	loop.handle(ctx, "btw")
	loop.handle(ctx, "/enable auto-replace")
	loop.handle(ctx, "btw")

	got := out.String()
	assert.Contains(t, got, "auto-replace disabled")
	assert.Contains(t, got, "you: btw\n")
	assert.Contains(t, got, "auto-replace enabled")
	assert.Contains(t, got, "you: by the way\n")
}

func TestChatLoop_Quit(t *testing.T) {
	for _, line := range []string{"/quit", "/exit"} {
		loop, _ := newTestLoop(t, "")
		assert.True(t, loop.handle(context.Background(), line))
	}
}
