package lua

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harun/nouschat/pkg/chat"
	"github.com/harun/nouschat/pkg/hoststore"
	"github.com/harun/nouschat/pkg/notify"
	"github.com/harun/nouschat/pkg/plugin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type host struct {
	manager *plugin.Manager
	chats   *chat.Store
	notes   *notify.Center
}

func newHost(t *testing.T, hookTimeout time.Duration, cfgs ...Config) *host {
	t.Helper()
	var cfg Config
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	ctx := context.Background()

	store, err := hoststore.Open(hoststore.Config{Path: ":memory:", Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	chats, err := chat.NewStore(ctx, store, zerolog.Nop())
	require.NoError(t, err)
	notes := notify.NewCenter(100, zerolog.Nop())

	manager := plugin.NewManager(plugin.ManagerConfig{
		Chats:       chats,
		Notifier:    notes,
		Store:       store,
		Fetcher:     plugin.NewFetcher(plugin.FetcherConfig{Timeout: 5 * time.Second}, zerolog.Nop()),
		Runtimes:    map[string]plugin.Evaluator{plugin.RuntimeLua: NewRuntime(cfg, zerolog.Nop())},
		HookTimeout: hookTimeout,
	}, zerolog.Nop())
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	return &host{manager: manager, chats: chats, notes: notes}
}

func (h *host) load(id, code string, perms ...plugin.Permission) error {
	manifest := plugin.Manifest{
		ID:          id,
		Name:        id,
		Version:     "1.0.0",
		Main:        "main.lua",
		Enabled:     true,
		Permissions: perms,
		Config:      map[string]any{"replacements": map[string]any{"btw": "by the way"}},
	}
	return h.manager.LoadPlugin(context.Background(), manifest, plugin.Source{Path: id + "/main.lua", Code: []byte(code)})
}

func (h *host) notified(title string) func() bool {
	return func() bool {
		for _, n := range h.notes.History() {
			if n.Title == title {
				return true
			}
		}
		return false
	}
}

func (h *host) message(title string) string {
	for _, n := range h.notes.History() {
		if n.Title == title {
			return n.Message
		}
	}
	return ""
}

const autoReplace = `
local replacements = {}

return {
  initialize = function(api)
    replacements = api.getConfig().replacements or {}
    log.info("auto-replace ready", { count = 1 })
  end,
  hooks = {
    beforeSendMessage = function(message)
      for from, to in pairs(replacements) do
        message.content = string.gsub(message.content, from, to)
      end
      return message
    end,
    afterReceiveMessage = function(message)
      return nil
    end,
  },
}
`

func TestRuntime_HookFold(t *testing.T) {
	h := newHost(t, time.Second)
	require.NoError(t, h.load("auto-replace", autoReplace))

	in := chat.Message{ID: "m1", Role: chat.RoleUser, Content: "btw it works", Timestamp: 42}
	out := h.manager.BeforeSendMessage(context.Background(), in)

	assert.Equal(t, "by the way it works", out.Content)
	assert.Equal(t, "m1", out.ID)
	assert.Equal(t, int64(42), out.Timestamp)

	unchanged := h.manager.AfterReceiveMessage(context.Background(), in)
	assert.Equal(t, in, unchanged)
}

func TestRuntime_Sandbox(t *testing.T) {
	h := newHost(t, time.Second)

	err := h.load("sandboxed", `
assert(dofile == nil, "dofile")
assert(loadfile == nil, "loadfile")
assert(load == nil, "load")
assert(loadstring == nil, "loadstring")
assert(require == nil, "require")
assert(os == nil, "os")
assert(io == nil, "io")
assert(debug == nil, "debug")
assert(package == nil, "package")
assert(type(string.format) == "function")
assert(type(table.insert) == "function")
assert(type(math.floor) == "function")
assert(type(timer.after) == "function")
assert(type(fetch) == "function")
return {}
`)
	assert.NoError(t, err)
}

func TestRuntime_EvaluationErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"syntax error", `return {`},
		{"runtime error", `error("boom")`},
		{"not a table", `return 42`},
		{"hooks not a table", `return { hooks = "nope" }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHost(t, time.Second)
			err := h.load("broken", tt.code)
			require.Error(t, err)

			var loadErr *plugin.LoadError
			require.True(t, errors.As(err, &loadErr))
			assert.Equal(t, plugin.StageEvaluation, loadErr.Stage)

			var evalErr *plugin.EvaluationError
			require.True(t, errors.As(err, &evalErr))
			assert.Equal(t, "broken", evalErr.PluginID)
			assert.Empty(t, h.manager.ListPlugins())
		})
	}
}

func TestRuntime_EvaluationInfiniteLoop(t *testing.T) {
	h := newHost(t, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	manifest := plugin.Manifest{ID: "spin", Name: "spin", Version: "1.0.0", Main: "main.lua", Enabled: true}
	start := time.Now()
	err := h.manager.LoadPlugin(ctx, manifest, plugin.Source{Code: []byte(`while true do end`)})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRuntime_PermissionErrors(t *testing.T) {
	h := newHost(t, time.Second)

	t.Run("unhandled permission error fails initialize", func(t *testing.T) {
		err := h.load("nosy", `
return {
  initialize = function(api)
    api.getChats()
  end,
}`)
		require.Error(t, err)

		var permErr *plugin.PermissionError
		require.True(t, errors.As(err, &permErr), "got %v", err)
		assert.Equal(t, plugin.PermissionChatsRead, permErr.Permission)
		assert.Equal(t, "nosy", permErr.PluginID)
	})

	t.Run("scripts can catch permission errors", func(t *testing.T) {
		require.NoError(t, h.load("careful", `
return {
  initialize = function(api)
    local ok, err = pcall(api.storage.set, "k", 1)
    api.showNotification("caught", tostring(ok) .. " " .. tostring(err))
  end,
}`))

		msg := h.message("caught")
		assert.True(t, strings.HasPrefix(msg, "false "), msg)
		assert.Contains(t, msg, "storage:write")
	})
}

func TestRuntime_APIRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, time.Second)
	c, err := h.chats.CreateChat(ctx, "Lua")
	require.NoError(t, err)

	require.NoError(t, h.load("stats", `
return {
  initialize = function(api)
    local current = api.getCurrentChat()
    api.addMessage(current.id, { role = "assistant", content = "hello from lua" })

    api.storage.set("stats", { sent = 3, tags = { "a", "b" } })
    local stats = api.storage.get("stats")

    local chats = api.getChats()
    api.showNotification("stats", #chats .. " " .. stats.sent .. " " .. stats.tags[2] .. " " .. tostring(api.storage.get("missing")))

    api.registerCommand("stats", function(args)
      api.showNotification("command", table.concat(args, ","))
    end)
  end,
}`, plugin.PermissionChatsRead, plugin.PermissionMessagesWrite, plugin.PermissionStorageRead, plugin.PermissionStorageWrite))

	assert.Equal(t, "1 3 b nil", h.message("stats"))

	got, err := h.chats.Chat(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello from lua", got.Messages[0].Content)
	assert.Equal(t, chat.RoleAssistant, got.Messages[0].Role)

	assert.True(t, h.manager.Execute(ctx, "/stats one two"))
	assert.Equal(t, "one,two", h.message("command"))
}

func TestRuntime_HookTimeout(t *testing.T) {
	h := newHost(t, 100*time.Millisecond)
	require.NoError(t, h.load("stuck", `
return {
  hooks = {
    beforeSendMessage = function(message)
      while true do end
    end,
  },
}`))
	require.NoError(t, h.load("after", `
return {
  hooks = {
    beforeSendMessage = function(message)
      message.content = message.content .. "!"
      return message
    end,
  },
}`))

	start := time.Now()
	out := h.manager.BeforeSendMessage(context.Background(), chat.Message{Role: chat.RoleUser, Content: "hi"})
	assert.Equal(t, "hi!", out.Content)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRuntime_CommandTimeout(t *testing.T) {
	h := newHost(t, time.Second, Config{CallbackTimeout: 100 * time.Millisecond})
	require.NoError(t, h.load("spinner", `
return {
  initialize = function(api)
    api.registerCommand("spin", function(args)
      while true do end
    end)
  end,
  hooks = {
    beforeSendMessage = function(message)
      message.content = message.content .. "!"
      return message
    end,
  },
}`))

	done := make(chan bool, 1)
	go func() { done <- h.manager.Execute(context.Background(), "/spin") }()

	select {
	case handled := <-done:
		assert.True(t, handled)
	case <-time.After(3 * time.Second):
		t.Fatal("command did not stop at the callback deadline")
	}

	// the interpreter is free again for the plugin's hooks
	out := h.manager.BeforeSendMessage(context.Background(), chat.Message{Role: chat.RoleUser, Content: "hi"})
	assert.Equal(t, "hi!", out.Content)
}

func TestRuntime_Timers(t *testing.T) {
	h := newHost(t, time.Second)
	require.NoError(t, h.load("ticker", `
local count = 0
local api_ref
return {
  initialize = function(api)
    api_ref = api
    timer.after(10, function()
      api.showNotification("after", "fired")
    end)
    local handle
    handle = timer.every(10, function()
      count = count + 1
      if count == 3 then
        timer.cancel(handle)
        api.showNotification("every", tostring(count))
      end
    end)
    local cancelled = timer.after(10, function()
      api.showNotification("cancelled", "should not fire")
    end)
    assert(timer.cancel(cancelled))
    assert(not timer.cancel(cancelled))
  end,
}`))

	assert.Eventually(t, h.notified("after"), 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, h.notified("every"), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "3", h.message("every"))
	assert.False(t, h.notified("cancelled")())
}

func TestRuntime_InvalidCron(t *testing.T) {
	h := newHost(t, time.Second)
	err := h.load("bad-cron", `
return {
  initialize = function(api)
    timer.cron("not a schedule", function() end)
  end,
}`)
	assert.Error(t, err)
}

func TestRuntime_Events(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, time.Second)
	require.NoError(t, h.load("listener", `
return {
  initialize = function(api)
    api.on("stats:updated", function(data)
      api.showNotification("heard", tostring(data.count))
    end)
  end,
}`))
	require.NoError(t, h.load("emitter", `
return {
  initialize = function(api)
    api.registerCommand("bump", function()
      api.emit("stats:updated", { count = 7 })
    end)
  end,
}`))

	require.True(t, h.manager.Execute(ctx, "/bump"))
	assert.Eventually(t, h.notified("heard"), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "7", h.message("heard"))
}

func TestRuntime_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"quote":{"text":"stay curious","tags":["a","b"]}}`))
	}))
	defer srv.Close()

	h := newHost(t, time.Second)
	require.NoError(t, h.load("quotes", `
return {
  initialize = function(api)
    local resp = fetch("`+srv.URL+`")
    local tags = resp:json("quote.tags")
    api.showNotification("quote", resp.status .. " " .. resp:json("quote.text") .. " " .. #tags)
  end,
}`, plugin.PermissionNetworkFetch))
	assert.Equal(t, "200 stay curious 2", h.message("quote"))

	err := h.load("offline", `
return {
  initialize = function(api)
    fetch("`+srv.URL+`")
  end,
}`)
	var permErr *plugin.PermissionError
	require.True(t, errors.As(err, &permErr))
	assert.Equal(t, plugin.PermissionNetworkFetch, permErr.Permission)
}

func TestRuntime_LifecycleAndUnload(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, time.Second)
	require.NoError(t, h.load("lifecycle", `
local api_ref
return {
  initialize = function(api) api_ref = api end,
  onDisable = function() api_ref.showNotification("disabled", "") end,
  onEnable = function() api_ref.showNotification("enabled", "") end,
  cleanup = function() api_ref.showNotification("cleanup", "") end,
}`))

	require.True(t, h.manager.TogglePlugin(ctx, "lifecycle", false))
	require.True(t, h.manager.TogglePlugin(ctx, "lifecycle", true))
	require.True(t, h.manager.UnloadPlugin(ctx, "lifecycle"))

	assert.True(t, h.notified("disabled")())
	assert.True(t, h.notified("enabled")())
	assert.True(t, h.notified("cleanup")())
}
