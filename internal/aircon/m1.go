package aircon

import (
	"context"
	"fmt"
)

// m1 covers the zhimi generation. Properties are fetched one at a time:
// the firmware answers at most one value per get_prop request.
type m1 struct {
	model string
	c     Caller
}

func newM1(model string, c Caller) *m1 {
	return &m1{model: model, c: c}
}

var m1ModeCommands = map[Mode]string{
	ModeCool:    "cooling",
	ModeDry:     "arefaction",
	ModeFanOnly: "wind",
	ModeHeat:    "heat",
}

var m1ModeNames = map[string]Mode{
	"cooling":    ModeCool,
	"arefaction": ModeDry,
	"wind":       ModeFanOnly,
	"heat":       ModeHeat,
}

var m1FanLevels = map[FanMode]int{
	FanLevel1: 0,
	FanLevel2: 1,
	FanLevel3: 2,
	FanLevel4: 3,
	FanLevel5: 4,
	FanAuto:   5,
}

func (d *m1) Model() string { return d.model }

func (d *m1) Modes() []Mode {
	return []Mode{ModeCool, ModeDry, ModeFanOnly, ModeHeat}
}

func (d *m1) FanModes() []FanMode {
	return []FanMode{FanAuto, FanLevel1, FanLevel2, FanLevel3, FanLevel4, FanLevel5}
}

func (d *m1) Presets() []Preset {
	return []Preset{PresetNone, PresetSilence, PresetComfort}
}

func (d *m1) getProp(ctx context.Context, name string) (interface{}, error) {
	var out []interface{}
	if err := d.c.Call(ctx, "get_prop", []string{name}, &out); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("aircon: get_prop %s: %d values", name, len(out))
	}
	return out[0], nil
}

func (d *m1) Status(ctx context.Context) (*Status, error) {
	st := &Status{Preset: PresetNone}

	v, err := d.getProp(ctx, "power")
	if err != nil {
		return nil, err
	}
	if s, ok := asString(v); ok {
		st.Power = s == "on"
	}

	if v, err = d.getProp(ctx, "mode"); err != nil {
		return nil, err
	}
	if s, ok := asString(v); ok {
		st.Mode = m1ModeNames[s]
	}

	if v, err = d.getProp(ctx, "st_temp_dec"); err != nil {
		return nil, err
	}
	if f, ok := asFloat(v); ok {
		st.TargetTemp = f / 10
	}

	if v, err = d.getProp(ctx, "temp_dec"); err != nil {
		return nil, err
	}
	if f, ok := asFloat(v); ok {
		st.CurrentTemp = f / 10
	}

	if v, err = d.getProp(ctx, "vertical_swing"); err != nil {
		return nil, err
	}
	if s, ok := asString(v); ok {
		st.Swing = s == "on"
	}

	if v, err = d.getProp(ctx, "speed_level"); err != nil {
		return nil, err
	}
	if n, ok := asInt(v); ok {
		st.FanMode = m1FanMode(n)
	}

	if v, err = d.getProp(ctx, "ptc"); err != nil {
		return nil, err
	}
	if s, ok := asString(v); ok {
		st.AuxHeat = s == "on"
	}

	if v, err = d.getProp(ctx, "silence"); err != nil {
		return nil, err
	}
	if s, ok := asString(v); ok && s == "on" {
		st.Preset = PresetSilence
	}

	if v, err = d.getProp(ctx, "comfort"); err != nil {
		return nil, err
	}
	if s, ok := asString(v); ok && s == "on" {
		st.Preset = PresetComfort
	}

	return st, nil
}

func m1FanMode(level int) FanMode {
	for fan, n := range m1FanLevels {
		if n == level {
			return fan
		}
	}
	return FanAuto
}

func (d *m1) PowerOn(ctx context.Context) error {
	return callOK(ctx, d.c, "set_power", []string{"on"})
}

func (d *m1) PowerOff(ctx context.Context) error {
	return callOK(ctx, d.c, "set_power", []string{"off"})
}

// SetTemperature sends deci-degrees; half-degree steps survive the
// conversion.
func (d *m1) SetTemperature(ctx context.Context, temp float64) error {
	return callOK(ctx, d.c, "set_temperature", []int{int(temp * 10)})
}

func (d *m1) SetMode(ctx context.Context, mode Mode) error {
	cmd, ok := m1ModeCommands[mode]
	if !ok {
		return fmt.Errorf("aircon: %s does not support mode %q", d.model, mode)
	}
	return callOK(ctx, d.c, "set_mode", []string{cmd})
}

func (d *m1) SetFanMode(ctx context.Context, fan FanMode) error {
	level, ok := m1FanLevels[fan]
	if !ok {
		return fmt.Errorf("aircon: %s does not support fan mode %q", d.model, fan)
	}
	return callOK(ctx, d.c, "set_spd_level", []int{level})
}

func (d *m1) SetSwing(ctx context.Context, on bool) error {
	return callOK(ctx, d.c, "set_vertical", []string{onOff(on)})
}

func (d *m1) SetAuxHeat(ctx context.Context, on bool) error {
	return callOK(ctx, d.c, "set_ptc", []string{onOff(on)})
}

func (d *m1) SetPreset(ctx context.Context, preset Preset) error {
	switch preset {
	case PresetSilence:
		return callOK(ctx, d.c, "set_silence", []string{"on"})
	case PresetComfort:
		return callOK(ctx, d.c, "set_comfort", []string{"on"})
	case PresetNone:
		if err := callOK(ctx, d.c, "set_silence", []string{"off"}); err != nil {
			return err
		}
		return callOK(ctx, d.c, "set_comfort", []string{"off"})
	}
	return fmt.Errorf("aircon: %s does not support preset %q", d.model, preset)
}
