// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tools

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Handler is one admitted tool, holding the source that was scanned and
// hashed at load time. Each invocation runs in a fresh restricted LState,
// so an invocation captures its handler version atomically at call time;
// a concurrent reload cannot corrupt a run already in flight, only cause
// version skew between calls.
type Handler struct {
	name   string
	source string
}

// restricted globals removed even from the base library. The admission
// scanner rejects these statically; stripping them closes the gap for
// anything that slips past a regex.
var strippedGlobals = []string{"load", "loadstring", "loadfile", "dofile", "collectgarbage"}

// newState builds a restricted interpreter: only the base, table, string,
// and math libraries are opened. os, io, and debug never exist inside a
// handler.
func newState(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(pair.fn))
		L.Push(lua.LString(pair.name))
		L.Call(1, 0)
	}

	for _, name := range strippedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetContext(ctx)
	return L
}

// Invoke runs the handler with the given args. The context's deadline and
// cancellation are honored inside the interpreter, so a timed-out handler
// actually stops instead of leaking in the background.
func (h *Handler) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	L := newState(ctx)
	defer L.Close()

	if err := L.DoString(h.source); err != nil {
		return nil, fmt.Errorf("tool %s failed to load: %w", h.name, err)
	}

	fn := L.GetGlobal("handler")
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("tool %s defines no handler function", h.name)
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, goToLua(L, args)); err != nil {
		return nil, fmt.Errorf("tool %s failed: %w", h.name, err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return luaToGo(ret), nil
}

// describe evaluates the source in a restricted state and reads the
// conventional description/input_schema globals, if the script sets them.
func describe(name, source string) (description string, inputSchema map[string]interface{}, err error) {
	L := newState(context.Background())
	defer L.Close()

	if err = L.DoString(source); err != nil {
		return "", nil, fmt.Errorf("tool %s failed to evaluate: %w", name, err)
	}

	if L.GetGlobal("handler").Type() != lua.LTFunction {
		return "", nil, fmt.Errorf("tool %s defines no handler function", name)
	}

	if desc, ok := L.GetGlobal("description").(lua.LString); ok {
		description = string(desc)
	}
	if schema, ok := L.GetGlobal("input_schema").(*lua.LTable); ok {
		if converted, isMap := luaToGo(schema).(map[string]interface{}); isMap {
			inputSchema = converted
		}
	}

	return description, inputSchema, nil
}

// goToLua converts a Go value into its Lua representation.
func goToLua(L *lua.LState, value interface{}) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []interface{}:
		table := L.NewTable()
		for _, item := range v {
			table.Append(goToLua(L, item))
		}
		return table
	case map[string]interface{}:
		table := L.NewTable()
		for key, item := range v {
			table.RawSetString(key, goToLua(L, item))
		}
		return table
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// luaToGo converts a Lua value back into plain Go data. Tables with only
// sequential integer keys become slices; everything else becomes a map.
func luaToGo(value lua.LValue) interface{} {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		maxN := v.MaxN()
		if maxN > 0 {
			list := make([]interface{}, 0, maxN)
			for i := 1; i <= maxN; i++ {
				list = append(list, luaToGo(v.RawGetInt(i)))
			}
			return list
		}
		result := make(map[string]interface{})
		v.ForEach(func(key, item lua.LValue) {
			result[key.String()] = luaToGo(item)
		})
		return result
	default:
		return v.String()
	}
}
