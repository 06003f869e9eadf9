package sandbox

import (
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []string:
		t := L.CreateTable(len(x), 0)
		for _, s := range x {
			t.Append(lua.LString(s))
		}
		return t
	case []any:
		t := L.CreateTable(len(x), 0)
		for _, e := range x {
			t.Append(toLua(L, e))
		}
		return t
	case map[string]string:
		t := L.CreateTable(0, len(x))
		for k, s := range x {
			t.RawSetString(k, lua.LString(s))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(x))
		for k, e := range x {
			t.RawSetString(k, toLua(L, e))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// fromLua converts a script value into plain Go values. Sequences become
// []any, other tables map[string]any keyed by the string form of the key.
func fromLua(v lua.LValue) any {
	return fromLuaDepth(v, 0)
}

const maxConvertDepth = 32

func fromLuaDepth(v lua.LValue, depth int) any {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	case *lua.LTable:
		if depth >= maxConvertDepth {
			return nil
		}
		return tableToGo(x, depth+1)
	default:
		return v.String()
	}
}

func tableToGo(t *lua.LTable, depth int) any {
	n := t.MaxN()
	keys := 0
	t.ForEach(func(_, _ lua.LValue) { keys++ })

	if n > 0 && keys == n {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, fromLuaDepth(t.RawGetInt(i), depth))
		}
		return out
	}

	out := make(map[string]any, keys)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = fromLuaDepth(v, depth)
	})
	return out
}

// Truthy applies Lua truthiness to a converted script value: only nil and
// false are false.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	default:
		return true
	}
}

// String renders a converted script value as Lua's tostring would for
// scalars; tables render with sorted keys.
func String(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return x
	case float64:
		return lua.LNumber(x).String()
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s := "{"
		for i, k := range keys {
			if i > 0 {
				s += ", "
			}
			s += k + "=" + String(x[k])
		}
		return s + "}"
	default:
		return fmt.Sprint(x)
	}
}
