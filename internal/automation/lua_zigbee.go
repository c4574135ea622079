//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-actions/internal/action"
	"zigbee-actions/internal/coordinator"
)

const maxHandlersPerScript = 100

func registerZigbeeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("action", L.NewFunction(func(L *lua.LState) int {
		return zigbeeAction(L, vm, e)
	}))
	mod.RawSetString("network", L.NewFunction(func(L *lua.LState) int {
		return zigbeeNetwork(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		vm.logf(L.CheckString(1))
		return 0
	}))
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return zigbeeOn(L, vm)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return zigbeeAfter(L, vm, e)
	}))
	L.SetGlobal("zigbee", mod)
}

// vmContext is the context blocking calls from Lua run under.
func vmContext(L *lua.LState, vm *scriptVM) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return vm.ctx
}

// zigbee.action(name, params) -> result | nil, err, code
func zigbeeAction(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	var args map[string]any
	if L.GetTop() >= 2 && L.Get(2) != lua.LNil {
		tbl := L.CheckTable(2)
		m, ok := luaToGo(tbl).(map[string]any)
		if !ok {
			L.ArgError(2, "params must be a table with string keys")
			return 0
		}
		args = m
	}

	ctx := coordinator.WithSource(vmContext(L, vm), "script:"+vm.id)
	inv, res, err := e.rt.Execute(ctx, name, args)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		L.Push(lua.LString(action.ErrorCode(err)))
		return 3
	}

	out := L.NewTable()
	out.RawSetString("id", lua.LString(inv.ID))
	out.RawSetString("action", lua.LString(inv.Action))
	out.RawSetString("status", lua.LString(inv.Status))
	if res != nil && len(res.Response) > 0 {
		var decoded any
		if err := json.Unmarshal(res.Response, &decoded); err == nil {
			out.RawSetString("response", goToLua(L, decoded))
		}
	}
	L.Push(out)
	return 1
}

// zigbee.network() -> {pan_id, extended_pan_id, channel, cached} | nil, err
func zigbeeNetwork(L *lua.LState, vm *scriptVM, e *Engine) int {
	info, err := e.rt.NetworkParameters(vmContext(L, vm))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	t := L.NewTable()
	t.RawSetString("pan_id", lua.LNumber(info.PanID))
	t.RawSetString("extended_pan_id", lua.LString(info.ExtendedPanID))
	t.RawSetString("channel", lua.LNumber(info.Channel))
	t.RawSetString("cached", lua.LBool(info.Cached))
	L.Push(t)
	return 1
}

// zigbee.on(type, [filter], callback)
func zigbeeOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("action"); v != lua.LNil {
			h.action = v.String()
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// zigbee.after(seconds, callback) runs callback later on a loaded script.
func zigbeeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command channel full", "id", vm.id)
		}
	}()

	return 0
}

// luaToGo converts a Lua value into the shapes encoding/json produces:
// tables with only 1..n keys become []any, others map[string]any, numbers
// float64.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 && tableLen(val) == n {
			out := make([]any, n)
			for i := 1; i <= n; i++ {
				out[i-1] = luaToGo(val.RawGetInt(i))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, v lua.LValue) {
			out[k.String()] = luaToGo(v)
		})
		return out
	default:
		return fmt.Sprint(val)
	}
}

func tableLen(t *lua.LTable) int {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
