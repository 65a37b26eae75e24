// Package aircon implements clients for Xiaomi air conditioners. Two
// generations are covered: the zhimi "M1" family speaking string-valued
// properties, and the xiaomi "C1" family speaking integer-valued ones.
// Both are driven over a Caller, normally a miio.Client.
package aircon

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Caller performs one miIO RPC. Satisfied by *miio.Client.
type Caller interface {
	Call(ctx context.Context, method string, params, out interface{}) error
}

// Mode is a device operating mode. Power is tracked separately.
type Mode string

const (
	ModeCool    Mode = "cool"
	ModeDry     Mode = "dry"
	ModeFanOnly Mode = "fan_only"
	ModeHeat    Mode = "heat"
)

// FanMode is a fan speed setting.
type FanMode string

const (
	FanAuto   FanMode = "auto"
	FanLevel1 FanMode = "level 1"
	FanLevel2 FanMode = "level 2"
	FanLevel3 FanMode = "level 3"
	FanLevel4 FanMode = "level 4"
	FanLevel5 FanMode = "level 5"
	FanLevel6 FanMode = "level 6"
	FanLevel7 FanMode = "level 7"
)

// Preset is a comfort preset. Which presets exist depends on the family.
type Preset string

const (
	PresetNone    Preset = "none"
	PresetSilence Preset = "silence"
	PresetComfort Preset = "comfort"
	PresetSleep   Preset = "sleep"
	PresetEco     Preset = "eco"
)

// Status is a snapshot of the unit state.
type Status struct {
	Power       bool
	Mode        Mode
	TargetTemp  float64
	CurrentTemp float64
	FanMode     FanMode
	Swing       bool
	AuxHeat     bool
	Preset      Preset
}

// Client drives one air conditioner. Implementations are not safe for
// concurrent use; the entity layer serializes access per unit.
type Client interface {
	Model() string
	Modes() []Mode
	FanModes() []FanMode
	Presets() []Preset

	Status(ctx context.Context) (*Status, error)
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	SetTemperature(ctx context.Context, temp float64) error
	SetMode(ctx context.Context, mode Mode) error
	SetFanMode(ctx context.Context, fan FanMode) error
	SetSwing(ctx context.Context, on bool) error
	SetAuxHeat(ctx context.Context, on bool) error
	SetPreset(ctx context.Context, preset Preset) error
}

// callOK issues a set command and checks for the ["ok"] acknowledgement.
func callOK(ctx context.Context, c Caller, method string, params interface{}) error {
	var out []string
	if err := c.Call(ctx, method, params, &out); err != nil {
		return err
	}
	if len(out) == 0 || !strings.EqualFold(out[0], "ok") {
		return fmt.Errorf("aircon: %s not acknowledged: %v", method, out)
	}
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func boolInt(on bool) int {
	if on {
		return 1
	}
	return 0
}

// asFloat coerces a get_prop value. Devices report numbers but some
// firmwares quote them.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func asInt(v interface{}) (int, bool) {
	f, ok := asFloat(v)
	return int(f), ok
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
