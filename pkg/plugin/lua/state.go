package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// Globals removed from the base library. They load code from disk or
// strings outside the plugin's own chunk.
var removedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"require",
	"module",
	"collectgarbage",
	"getfenv",
	"setfenv",
}

// StateOptions bounds a plugin interpreter.
type StateOptions struct {
	CallStackSize   int
	RegistrySize    int
	RegistryMaxSize int
}

func newState(opts StateOptions) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       opts.CallStackSize,
		RegistrySize:        opts.RegistrySize,
		RegistryMaxSize:     opts.RegistryMaxSize,
		IncludeGoStackTrace: false,
	})

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	// string.dump exposes bytecode; the rest of the library is harmless
	if str, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable); ok {
		str.RawSetString("dump", lua.LNil)
	}

	return L
}
