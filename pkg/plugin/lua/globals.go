package lua

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/nouschat/pkg/plugin"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// installGlobals publishes the allow-list: log, print, fetch and timer.
func (p *instance) installGlobals(L *lua.LState) {
	logTbl := L.NewTable()
	for name, level := range map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
	} {
		logTbl.RawSetString(name, L.NewFunction(p.logAt(level)))
	}
	L.SetGlobal("log", logTbl)

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		p.logger.Info().Msg(strings.Join(parts, "\t"))
		return 0
	}))

	L.SetGlobal("fetch", L.NewFunction(p.luaFetch))

	timer := L.NewTable()
	timer.RawSetString("after", L.NewFunction(p.timerAfter))
	timer.RawSetString("every", L.NewFunction(p.timerEvery))
	timer.RawSetString("cron", L.NewFunction(p.timerCron))
	timer.RawSetString("cancel", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(p.timers.Cancel(L.CheckString(1))))
		return 1
	}))
	L.SetGlobal("timer", timer)
}

// logAt returns log.<level>(message, fields?)
func (p *instance) logAt(level zerolog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.ToStringMeta(L.Get(1)).String()
		ev := p.logger.WithLevel(level)
		if fields := fieldsMap(L.Get(2)); len(fields) > 0 {
			ev = ev.Fields(fields)
		}
		ev.Msg(msg)
		return 0
	}
}

// luaFetch implements fetch(url, opts) where opts may carry method,
// headers and body. Permission failures are raised.
func (p *instance) luaFetch(L *lua.LState) int {
	req := fetchArgs(L)
	if p.fetch == nil {
		return raise(L, fmt.Errorf("fetch is not available"))
	}
	resp, err := p.fetch(p.callContext(L), req)
	if err != nil {
		return raise(L, err)
	}
	L.Push(responseTable(L, resp))
	return 1
}

func fetchArgs(L *lua.LState) plugin.FetchRequest {
	req := plugin.FetchRequest{URL: L.CheckString(1)}
	if opts, ok := L.Get(2).(*lua.LTable); ok {
		req.Method = lua.LVAsString(opts.RawGetString("method"))
		req.Body = lua.LVAsString(opts.RawGetString("body"))
		req.Headers = stringMap(opts.RawGetString("headers"))
	}
	return req
}

func responseTable(L *lua.LState, resp *plugin.FetchResponse) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("status", lua.LNumber(resp.Status))
	t.RawSetString("ok", lua.LBool(resp.Status >= 200 && resp.Status < 300))
	t.RawSetString("body", lua.LString(resp.Body))

	headers := L.NewTable()
	for k, v := range resp.Headers {
		headers.RawSetString(k, lua.LString(v))
	}
	t.RawSetString("headers", headers)

	// resp:json(path) or resp.json(path); an empty path decodes the body
	t.RawSetString("json", L.NewFunction(func(L *lua.LState) int {
		path := ""
		if L.GetTop() >= 1 {
			if _, self := L.Get(1).(*lua.LTable); self {
				path = L.OptString(2, "")
			} else {
				path = L.OptString(1, "")
			}
		}
		result := resp.JSON(path)
		if !result.Exists() {
			L.Push(lua.LNil)
			return 1
		}
		lv, err := ToLua(L, result.Value())
		if err != nil {
			return raise(L, err)
		}
		L.Push(lv)
		return 1
	}))
	return t
}

func (p *instance) timerAfter(L *lua.LState) int {
	d := time.Duration(L.CheckNumber(1)) * time.Millisecond
	fn := L.CheckFunction(2)
	handle, err := p.timers.After(d, func() { p.async(fn, "timer") })
	if err != nil {
		return raise(L, err)
	}
	L.Push(lua.LString(handle))
	return 1
}

func (p *instance) timerEvery(L *lua.LState) int {
	d := time.Duration(L.CheckNumber(1)) * time.Millisecond
	fn := L.CheckFunction(2)
	handle, err := p.timers.Every(d, func() { p.async(fn, "timer") })
	if err != nil {
		return raise(L, err)
	}
	L.Push(lua.LString(handle))
	return 1
}

func (p *instance) timerCron(L *lua.LState) int {
	spec := L.CheckString(1)
	fn := L.CheckFunction(2)
	handle, err := p.timers.Cron(spec, func() { p.async(fn, "cron") })
	if err != nil {
		return raise(L, err)
	}
	L.Push(lua.LString(handle))
	return 1
}
