package lua

import (
	"errors"

	lua "github.com/yuin/gopher-lua"
)

// raise throws err into Lua. The Go error travels as userdata so host
// errors such as *plugin.PermissionError survive a round trip through the
// VM; tostring gives scripts the message.
func raise(L *lua.LState, err error) int {
	ud := L.NewUserData()
	ud.Value = err
	mt := L.NewTable()
	mt.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(err.Error()))
		return 1
	}))
	L.SetMetatable(ud, mt)
	L.Error(ud, 1)
	return 0
}

// unwrapError recovers a Go error thrown with raise, or returns the Lua
// error as is.
func unwrapError(err error) error {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return err
	}
	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if goErr, ok := ud.Value.(error); ok {
			return goErr
		}
	}
	return err
}
