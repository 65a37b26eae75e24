//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	"miaircon/internal/climate"

	lua "github.com/yuin/gopher-lua"
)

const commandTimeout = 10 * time.Second

// registerAirconModule registers the `aircon` global table in a Lua state.
func registerAirconModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return airconOn(L, vm)
	}))

	mod.RawSetString("turn_on", L.NewFunction(func(L *lua.LState) int {
		return airconCommand(L, e, "turn_on", func(ctx context.Context, ent *climate.Entity) error {
			return ent.TurnOn(ctx)
		})
	}))

	mod.RawSetString("turn_off", L.NewFunction(func(L *lua.LState) int {
		return airconCommand(L, e, "turn_off", func(ctx context.Context, ent *climate.Entity) error {
			return ent.TurnOff(ctx)
		})
	}))

	mod.RawSetString("set_mode", L.NewFunction(func(L *lua.LState) int {
		mode := climate.HVACMode(L.CheckString(2))
		return airconCommand(L, e, "set_mode", func(ctx context.Context, ent *climate.Entity) error {
			return ent.SetHVACMode(ctx, mode)
		})
	}))

	mod.RawSetString("set_temperature", L.NewFunction(func(L *lua.LState) int {
		temp := float64(L.CheckNumber(2))
		return airconCommand(L, e, "set_temperature", func(ctx context.Context, ent *climate.Entity) error {
			return ent.SetTemperature(ctx, temp)
		})
	}))

	mod.RawSetString("set_fan_mode", L.NewFunction(func(L *lua.LState) int {
		fan := L.CheckString(2)
		return airconCommand(L, e, "set_fan_mode", func(ctx context.Context, ent *climate.Entity) error {
			return ent.SetFanMode(ctx, fan)
		})
	}))

	mod.RawSetString("set_swing", L.NewFunction(func(L *lua.LState) int {
		swing := L.CheckString(2)
		return airconCommand(L, e, "set_swing", func(ctx context.Context, ent *climate.Entity) error {
			return ent.SetSwingMode(ctx, swing)
		})
	}))

	mod.RawSetString("set_preset", L.NewFunction(func(L *lua.LState) int {
		preset := L.CheckString(2)
		return airconCommand(L, e, "set_preset", func(ctx context.Context, ent *climate.Entity) error {
			return ent.SetPreset(ctx, preset)
		})
	}))

	mod.RawSetString("set_aux_heat", L.NewFunction(func(L *lua.LState) int {
		on := L.CheckBool(2)
		return airconCommand(L, e, "set_aux_heat", func(ctx context.Context, ent *climate.Entity) error {
			return ent.SetAuxHeat(ctx, on)
		})
	}))

	mod.RawSetString("get_state", L.NewFunction(func(L *lua.LState) int {
		return airconGetState(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return airconAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return airconLog(L, e)
	}))

	mod.RawSetString("units", L.NewFunction(func(L *lua.LState) int {
		return airconUnits(L, e)
	}))

	L.SetGlobal("aircon", mod)
}

const maxHandlersPerScript = 100

// aircon.on(type, filter, callback)
func airconOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("unit"); v != lua.LNil {
		h.unit = v.String()
	}
	if v := filterTable.RawGetString("command"); v != lua.LNil {
		h.command = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// airconCommand resolves the unit named by the first Lua argument and runs
// one entity command against it. Failures are logged, not raised: a flaky
// device must not kill the script VM.
func airconCommand(L *lua.LState, e *Engine, name string, fn func(context.Context, *climate.Entity) error) int {
	target := L.CheckString(1)
	ent := resolveUnit(e, target)
	if ent == nil {
		e.logger.Warn("unit not found", "target", target)
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := fn(ctx, ent); err != nil {
		e.logger.Error("script command", "command", name, "target", target, "err", err)
	}
	return 0
}

// aircon.get_state(id_or_name) returns the unit state table, or nil.
func airconGetState(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)

	ent := resolveUnit(e, target)
	if ent == nil {
		L.Push(lua.LNil)
		return 1
	}

	st := ent.State()
	tbl := L.NewTable()
	tbl.RawSetString("unit", lua.LString(st.UnitID))
	tbl.RawSetString("name", lua.LString(st.Name))
	tbl.RawSetString("available", lua.LBool(st.Available))
	tbl.RawSetString("hvac_mode", lua.LString(string(st.HVACMode)))
	tbl.RawSetString("target_temp", lua.LNumber(st.TargetTemp))
	tbl.RawSetString("current_temp", lua.LNumber(st.CurrentTemp))
	tbl.RawSetString("fan_mode", lua.LString(st.FanMode))
	tbl.RawSetString("swing_mode", lua.LString(st.SwingMode))
	tbl.RawSetString("preset", lua.LString(st.Preset))
	tbl.RawSetString("aux_heat", lua.LBool(st.AuxHeat))

	L.Push(tbl)
	return 1
}

// aircon.after(seconds, callback) schedules a delayed callback.
func airconAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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

		// Send callback execution to the VM's command channel
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// aircon.log(msg)
func airconLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// aircon.units() returns a table of all registered units.
func airconUnits(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	if e.units == nil {
		L.Push(tbl)
		return 1
	}

	for i, ent := range e.units.Units() {
		u := L.NewTable()
		u.RawSetString("unit", lua.LString(ent.ID()))
		u.RawSetString("name", lua.LString(ent.Name()))
		u.RawSetString("model", lua.LString(ent.Model()))
		u.RawSetString("available", lua.LBool(ent.Available()))
		tbl.RawSetInt(i+1, u)
	}

	L.Push(tbl)
	return 1
}

// resolveUnit finds a climate entity by unit ID or user-assigned name.
func resolveUnit(e *Engine, target string) *climate.Entity {
	if e.units == nil {
		return nil
	}

	if ent, err := e.units.Get(target); err == nil {
		return ent
	}

	for _, ent := range e.units.Units() {
		if strings.EqualFold(ent.Name(), target) {
			return ent
		}
	}

	for _, ent := range e.units.Units() {
		if strings.EqualFold(ent.ID(), target) {
			return ent
		}
	}

	return nil
}
