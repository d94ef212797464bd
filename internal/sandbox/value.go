package sandbox

import (
	lua "github.com/yuin/gopher-lua"
)

// valueDepth caps table recursion both ways. Lua tables can be cyclic;
// anything deeper than this decodes or encodes as nil.
const valueDepth = 16

// ToLua converts a plain Go value into a Lua value. Supported inputs are
// nil, bool, string, numbers, []any, []string, and map[string]any, the
// shapes JSON decoding and the property bag produce.
func ToLua(L *lua.LState, v any) lua.LValue {
	return toLua(L, v, 0)
}

func toLua(L *lua.LState, v any, depth int) lua.LValue {
	if depth > valueDepth {
		return lua.LNil
	}
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int32:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []any:
		t := L.NewTable()
		for i, e := range x {
			t.RawSetInt(i+1, toLua(L, e, depth+1))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, e := range x {
			t.RawSetInt(i+1, lua.LString(e))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, e := range x {
			t.RawSetString(k, toLua(L, e, depth+1))
		}
		return t
	default:
		return lua.LNil
	}
}

// FromLua converts a Lua value into a plain Go value: nil, bool, float64,
// string, []any for array-shaped tables, map[string]any otherwise. Function
// and userdata values decode as nil.
func FromLua(lv lua.LValue) any {
	return fromLua(lv, 0)
}

func fromLua(lv lua.LValue, depth int) any {
	if depth > valueDepth {
		return nil
	}
	switch x := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	case *lua.LTable:
		return tableToGo(x, depth)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, depth int) any {
	n := t.Len()
	if n > 0 {
		// Array-shaped iff the sequence covers every entry.
		total := 0
		t.ForEach(func(_, _ lua.LValue) { total++ })
		if total == n {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, fromLua(t.RawGetInt(i), depth+1))
			}
			return arr
		}
	}
	m := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		switch key := k.(type) {
		case lua.LString:
			m[string(key)] = fromLua(v, depth+1)
		case lua.LNumber:
			m[key.String()] = fromLua(v, depth+1)
		}
	})
	return m
}

// Truthy applies Lua truthiness to a decoded value: nil and false are
// false, everything else (zero included) is true.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	b, ok := v.(bool)
	return !ok || b
}
