package lua

import (
	"testing"

	"github.com/harun/nouschat/pkg/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func evalValue(t *testing.T, L *lua.LState, expr string) lua.LValue {
	t.Helper()
	require.NoError(t, L.DoString("__v = "+expr))
	return L.GetGlobal("__v")
}

func TestToGo(t *testing.T) {
	L := newState(StateOptions{})
	defer L.Close()

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"nil", "nil", nil},
		{"bool", "true", true},
		{"integer", "42", int64(42)},
		{"float", "1.5", 1.5},
		{"string", `"hi"`, "hi"},
		{"array", `{ "a", "b" }`, []any{"a", "b"}},
		{"map", `{ a = 1, b = { c = false } }`, map[string]any{"a": int64(1), "b": map[string]any{"c": false}}},
		{"sparse becomes map", `{ [1] = "a", [3] = "c" }`, map[string]any{"1": "a", "3": "c"}},
		{"empty table", `{}`, map[string]any{}},
		{"function", `function() end`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToGo(evalValue(t, L, tt.expr)))
		})
	}

	t.Run("cycle", func(t *testing.T) {
		require.NoError(t, L.DoString(`cyc = {}; cyc.self = cyc`))
		assert.Equal(t, map[string]any{"self": nil}, ToGo(L.GetGlobal("cyc")))
	})
}

func TestToLuaStructs(t *testing.T) {
	L := newState(StateOptions{})
	defer L.Close()

	lv, err := ToLua(L, chat.Message{ID: "m1", Role: chat.RoleUser, Content: "hi", Timestamp: 7})
	require.NoError(t, err)
	L.SetGlobal("msg", lv)

	require.NoError(t, L.DoString(`
assert(msg.id == "m1")
assert(msg.role == "user")
assert(msg.timestamp == 7)
assert(msg.model == nil)
`))
}

func TestDecode(t *testing.T) {
	L := newState(StateOptions{})
	defer L.Close()

	t.Run("into payload type", func(t *testing.T) {
		v := evalValue(t, L, `{ id = "m1", role = "user", content = "edited", timestamp = 9, extra = true }`)
		got, err := Decode(v, chat.Message{})
		require.NoError(t, err)
		assert.Equal(t, chat.Message{ID: "m1", Role: "user", Content: "edited", Timestamp: 9}, got)
	})

	t.Run("nested", func(t *testing.T) {
		v := evalValue(t, L, `{ id = "c1", title = "T", messages = { { role = "user", content = "x" } } }`)
		got, err := Decode(v, chat.Chat{})
		require.NoError(t, err)
		c := got.(chat.Chat)
		require.Len(t, c.Messages, 1)
		assert.Equal(t, "x", c.Messages[0].Content)
	})

	t.Run("scalar", func(t *testing.T) {
		got, err := Decode(lua.LString("chat-1"), "")
		require.NoError(t, err)
		assert.Equal(t, "chat-1", got)
	})

	t.Run("untyped", func(t *testing.T) {
		got, err := Decode(lua.LNumber(3), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got)
	})

	t.Run("mismatch", func(t *testing.T) {
		_, err := Decode(lua.LString("text"), chat.Message{})
		assert.Error(t, err)
	})
}
