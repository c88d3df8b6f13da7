package lua

import (
	"context"

	"github.com/harun/nouschat/pkg/chat"
	"github.com/harun/nouschat/pkg/plugin"
	lua "github.com/yuin/gopher-lua"
)

// apiTable exposes the capability API to Lua. Every call is forwarded to
// api, which performs the permission check, and host errors are raised.
func (p *instance) apiTable(L *lua.LState, api plugin.API) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(api.PluginID()))

	fn := func(name string, f lua.LGFunction) {
		t.RawSetString(name, L.NewFunction(f))
	}
	push := func(L *lua.LState, v any) int {
		lv, err := ToLua(L, v)
		if err != nil {
			return raise(L, err)
		}
		L.Push(lv)
		return 1
	}

	fn("getChats", func(L *lua.LState) int {
		chats, err := api.GetChats(p.callContext(L))
		if err != nil {
			return raise(L, err)
		}
		return push(L, chats)
	})

	fn("getCurrentChat", func(L *lua.LState) int {
		c, err := api.GetCurrentChat(p.callContext(L))
		if err != nil {
			return raise(L, err)
		}
		if c == nil {
			L.Push(lua.LNil)
			return 1
		}
		return push(L, c)
	})

	fn("addMessage", func(L *lua.LState) int {
		chatID := L.CheckString(1)
		decoded, err := Decode(L.CheckTable(2), chat.Message{})
		if err != nil {
			return raise(L, err)
		}
		msg, err := api.AddMessage(p.callContext(L), chatID, decoded.(chat.Message))
		if err != nil {
			return raise(L, err)
		}
		return push(L, msg)
	})

	fn("showNotification", func(L *lua.LState) int {
		api.ShowNotification(p.callContext(L), L.CheckString(1), L.OptString(2, ""))
		return 0
	})

	fn("registerCommand", func(L *lua.LState) int {
		name := L.CheckString(1)
		handler := L.CheckFunction(2)
		err := api.RegisterCommand(p.callContext(L), name, func(ctx context.Context, args []string) error {
			ctx, cancel := context.WithTimeout(ctx, p.callback)
			defer cancel()
			return p.exec.Execute(ctx, func(L *lua.LState) error {
				argTbl := L.CreateTable(len(args), 0)
				for i, a := range args {
					argTbl.RawSetInt(i+1, lua.LString(a))
				}
				_, err := p.protectedCall(ctx, L, handler, argTbl)
				return err
			})
		})
		if err != nil {
			return raise(L, err)
		}
		return 0
	})

	fn("getSettings", func(L *lua.LState) int {
		settings, err := api.GetSettings(p.callContext(L))
		if err != nil {
			return raise(L, err)
		}
		return push(L, settings)
	})

	fn("updateSettings", func(L *lua.LState) int {
		patch := fieldsMap(L.CheckTable(1))
		settings, err := api.UpdateSettings(p.callContext(L), patch)
		if err != nil {
			return raise(L, err)
		}
		return push(L, settings)
	})

	fn("getConfig", func(L *lua.LState) int {
		return push(L, api.GetConfig(p.callContext(L)))
	})

	fn("updateConfig", func(L *lua.LState) int {
		cfg, err := api.UpdateConfig(p.callContext(L), fieldsMap(L.CheckTable(1)))
		if err != nil {
			return raise(L, err)
		}
		return push(L, cfg)
	})

	fn("on", func(L *lua.LState) int {
		event := L.CheckString(1)
		handler := L.CheckFunction(2)
		handle := api.On(p.callContext(L), event, func(ctx context.Context, data any) error {
			p.async(handler, "event:"+event, data)
			return nil
		})
		L.Push(lua.LString(handle))
		return 1
	})

	fn("off", func(L *lua.LState) int {
		L.Push(lua.LBool(api.Off(p.callContext(L), L.CheckString(1))))
		return 1
	})

	fn("emit", func(L *lua.LState) int {
		api.Emit(p.callContext(L), L.CheckString(1), ToGo(L.Get(2)))
		return 0
	})

	fn("fetch", func(L *lua.LState) int {
		resp, err := api.Fetch(p.callContext(L), fetchArgs(L))
		if err != nil {
			return raise(L, err)
		}
		L.Push(responseTable(L, resp))
		return 1
	})

	storage := L.NewTable()
	storage.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		v, ok, err := api.StorageGet(p.callContext(L), L.CheckString(1))
		if err != nil {
			return raise(L, err)
		}
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		return push(L, v)
	}))
	storage.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		if err := api.StorageSet(p.callContext(L), L.CheckString(1), ToGo(L.Get(2))); err != nil {
			return raise(L, err)
		}
		return 0
	}))
	storage.RawSetString("remove", L.NewFunction(func(L *lua.LState) int {
		if err := api.StorageRemove(p.callContext(L), L.CheckString(1)); err != nil {
			return raise(L, err)
		}
		return 0
	}))
	t.RawSetString("storage", storage)

	return t
}
