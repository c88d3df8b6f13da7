package lua

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/go-viper/mapstructure/v2"
	lua "github.com/yuin/gopher-lua"
)

// ToLua converts a Go value to Lua. Structs and other typed values go
// through their JSON form so field names match what plugins see elsewhere.
func ToLua(L *lua.LState, v any) (lua.LValue, error) {
	switch val := v.(type) {
	case nil:
		return lua.LNil, nil
	case lua.LValue:
		return val, nil
	case bool:
		return lua.LBool(val), nil
	case string:
		return lua.LString(val), nil
	case int:
		return lua.LNumber(val), nil
	case int64:
		return lua.LNumber(val), nil
	case float64:
		return lua.LNumber(val), nil
	case []any:
		t := L.CreateTable(len(val), 0)
		for i, item := range val {
			lv, err := ToLua(L, item)
			if err != nil {
				return lua.LNil, err
			}
			t.RawSetInt(i+1, lv)
		}
		return t, nil
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			lv, err := ToLua(L, item)
			if err != nil {
				return lua.LNil, err
			}
			t.RawSetString(k, lv)
		}
		return t, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return lua.LNil, fmt.Errorf("cannot pass %T to lua: %w", v, err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return lua.LNil, err
	}
	return ToLua(L, generic)
}

// ToGo converts a Lua value to plain Go data: nil, bool, float64, int64,
// string, []any or map[string]any. Functions and cyclic references become
// nil.
func ToGo(lv lua.LValue) any {
	return toGo(lv, map[*lua.LTable]bool{})
}

func toGo(lv lua.LValue, seen map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		defer delete(seen, v)
		return tableToGo(v, seen)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, seen map[*lua.LTable]bool) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = toGo(t.RawGetInt(i), seen)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = strconv.FormatFloat(float64(kv), 'f', -1, 64)
		default:
			return
		}
		m[key] = toGo(v, seen)
	})
	return m
}

// Decode converts a Lua value into a Go value of the same type as like.
// A nil like yields the plain ToGo form.
func Decode(lv lua.LValue, like any) (any, error) {
	raw := ToGo(lv)
	if like == nil {
		return raw, nil
	}

	target := reflect.New(reflect.TypeOf(like))
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target.Interface(),
		WeaklyTypedInput: true,
		TagName:          "json",
		Squash:           true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("cannot convert lua %s to %T: %w", lv.Type(), like, err)
	}
	return target.Elem().Interface(), nil
}

// sortedKeys returns the string keys of a table in order.
func sortedKeys(t *lua.LTable) []string {
	var keys []string
	t.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			keys = append(keys, string(s))
		}
	})
	sort.Strings(keys)
	return keys
}

// stringMap reads a table of string values, e.g. request headers.
func stringMap(lv lua.LValue) map[string]string {
	t, ok := lv.(*lua.LTable)
	if !ok {
		return nil
	}
	out := make(map[string]string)
	t.ForEach(func(k, v lua.LValue) {
		if k.Type() == lua.LTString {
			out[k.String()] = lua.LVAsString(v)
		}
	})
	return out
}

// fieldsMap reads a table of arbitrary values for structured logging.
func fieldsMap(lv lua.LValue) map[string]any {
	m, _ := ToGo(lv).(map[string]any)
	return m
}
