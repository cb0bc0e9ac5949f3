package inspect

import (
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// Rendering fallbacks for failing user hooks.
const (
	errUserToString = "error on lldebug.tostring"
	errMetaToString = "error on __tostring"
)

// Render converts v to its display string. A user-supplied
// lldebug.tostring function wins, then a __tostring metamethod, then the
// built-in per-type formatting. Lua errors never escape.
func Render(L *lua.LState, v lua.LValue) string {
	if fn := userToString(L); fn != nil {
		s, ok := callToString(L, fn, v)
		if !ok {
			return errUserToString
		}
		return s
	}

	if fn, ok := metaField(L, v, "__tostring").(*lua.LFunction); ok {
		s, ok := callToString(L, fn, v)
		if !ok {
			return errMetaToString
		}
		return s
	}

	return RenderRaw(v)
}

// RenderRaw formats v without calling into the interpreter.
func RenderRaw(v lua.LValue) string {
	switch lv := v.(type) {
	case *lua.LNilType:
		return "nil"
	case lua.LBool:
		if lv {
			return "true"
		}
		return "false"
	case lua.LNumber:
		return formatNumber(float64(lv))
	case lua.LString:
		return string(lv)
	default:
		return v.String()
	}
}

func formatNumber(f float64) string {
	if !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f) &&
		f >= math.MinInt64 && f <= math.MaxInt64 {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%f", f)
}

// TypeName returns the interpreter type name of v.
func TypeName(v lua.LValue) string {
	return v.Type().String()
}

// HasChildren reports whether v can be expanded: a table or userdata with
// a metatable, or a non-empty table.
func HasChildren(L *lua.LState, v lua.LValue) bool {
	switch lv := v.(type) {
	case *lua.LTable:
		if lv.Metatable != lua.LNil {
			return true
		}
		k, _ := lv.Next(lua.LNil)
		return k != lua.LNil
	case *lua.LUserData:
		return lv.Metatable != lua.LNil
	}
	return false
}

// userToString returns the lldebug.tostring override, if installed.
func userToString(L *lua.LState) *lua.LFunction {
	tbl, ok := L.GetGlobal("lldebug").(*lua.LTable)
	if !ok {
		return nil
	}
	fn, _ := tbl.RawGetString("tostring").(*lua.LFunction)
	return fn
}

// metaField returns a field of v's own metatable without invoking
// metamethods.
func metaField(L *lua.LState, v lua.LValue, name string) lua.LValue {
	var mt lua.LValue = lua.LNil
	switch lv := v.(type) {
	case *lua.LTable:
		mt = lv.Metatable
	case *lua.LUserData:
		mt = lv.Metatable
	}
	tbl, ok := mt.(*lua.LTable)
	if !ok {
		return lua.LNil
	}
	return tbl.RawGetString(name)
}

func callToString(L *lua.LState, fn *lua.LFunction, v lua.LValue) (string, bool) {
	top := L.GetTop()
	defer L.SetTop(top)

	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, v)
	if err != nil {
		return "", false
	}

	ret := L.Get(-1)
	switch r := ret.(type) {
	case lua.LString:
		return string(r), true
	case lua.LNumber:
		return formatNumber(float64(r)), true
	}
	return "", false
}
