package aircon

import (
	"context"
	"fmt"
)

// c1 covers the xiaomi generation. Everything is numeric and get_prop
// answers the whole batch positionally.
type c1 struct {
	model string
	c     Caller
}

func newC1(model string, c Caller) *c1 {
	return &c1{model: model, c: c}
}

// Order matters: the reply carries values by position.
var c1Props = []string{
	"power", "mode", "settemp", "temperature", "swing",
	"wind_level", "auxheat", "sleep", "energysave", "light", "beep",
}

var c1ModeCommands = map[Mode]int{
	ModeCool:    2,
	ModeDry:     3,
	ModeFanOnly: 4,
	ModeHeat:    5,
}

var c1ModeNames = map[int]Mode{
	2: ModeCool,
	3: ModeDry,
	4: ModeFanOnly,
	5: ModeHeat,
}

var c1FanLevels = map[FanMode]int{
	FanAuto:   0,
	FanLevel1: 1,
	FanLevel2: 2,
	FanLevel3: 3,
	FanLevel4: 4,
	FanLevel5: 5,
	FanLevel6: 6,
	FanLevel7: 7,
}

func (d *c1) Model() string { return d.model }

func (d *c1) Modes() []Mode {
	return []Mode{ModeCool, ModeDry, ModeFanOnly, ModeHeat}
}

func (d *c1) FanModes() []FanMode {
	return []FanMode{
		FanAuto, FanLevel1, FanLevel2, FanLevel3, FanLevel4,
		FanLevel5, FanLevel6, FanLevel7,
	}
}

func (d *c1) Presets() []Preset {
	return []Preset{PresetNone, PresetSleep, PresetEco}
}

func (d *c1) Status(ctx context.Context) (*Status, error) {
	var out []interface{}
	if err := d.c.Call(ctx, "get_prop", c1Props, &out); err != nil {
		return nil, err
	}
	if len(out) < len(c1Props) {
		return nil, fmt.Errorf("aircon: get_prop: %d values, want %d", len(out), len(c1Props))
	}

	st := &Status{Preset: PresetNone}
	if n, ok := asInt(out[0]); ok {
		st.Power = n == 1
	}
	if n, ok := asInt(out[1]); ok {
		st.Mode = c1ModeNames[n]
	}
	if f, ok := asFloat(out[2]); ok {
		st.TargetTemp = f
	}
	if f, ok := asFloat(out[3]); ok {
		st.CurrentTemp = f
	}
	if n, ok := asInt(out[4]); ok {
		st.Swing = n == 1
	}
	if n, ok := asInt(out[5]); ok {
		st.FanMode = c1FanMode(n)
	}
	if n, ok := asInt(out[6]); ok {
		st.AuxHeat = n == 1
	}
	if n, ok := asInt(out[7]); ok && n == 1 {
		st.Preset = PresetSleep
	}
	if n, ok := asInt(out[8]); ok && n == 1 {
		st.Preset = PresetEco
	}
	return st, nil
}

func c1FanMode(level int) FanMode {
	for fan, n := range c1FanLevels {
		if n == level {
			return fan
		}
	}
	return FanAuto
}

func (d *c1) PowerOn(ctx context.Context) error {
	return callOK(ctx, d.c, "set_power", []int{1})
}

func (d *c1) PowerOff(ctx context.Context) error {
	return callOK(ctx, d.c, "set_power", []int{0})
}

func (d *c1) SetTemperature(ctx context.Context, temp float64) error {
	return callOK(ctx, d.c, "set_temp", []float64{temp})
}

func (d *c1) SetMode(ctx context.Context, mode Mode) error {
	cmd, ok := c1ModeCommands[mode]
	if !ok {
		return fmt.Errorf("aircon: %s does not support mode %q", d.model, mode)
	}
	return callOK(ctx, d.c, "set_mode", []int{cmd})
}

func (d *c1) SetFanMode(ctx context.Context, fan FanMode) error {
	level, ok := c1FanLevels[fan]
	if !ok {
		return fmt.Errorf("aircon: %s does not support fan mode %q", d.model, fan)
	}
	return callOK(ctx, d.c, "set_wind_level", []int{level})
}

func (d *c1) SetSwing(ctx context.Context, on bool) error {
	return callOK(ctx, d.c, "set_swing", []int{boolInt(on)})
}

func (d *c1) SetAuxHeat(ctx context.Context, on bool) error {
	return callOK(ctx, d.c, "set_auxheat", []int{boolInt(on)})
}

func (d *c1) SetPreset(ctx context.Context, preset Preset) error {
	switch preset {
	case PresetSleep:
		return callOK(ctx, d.c, "set_sleep", []int{1})
	case PresetEco:
		return callOK(ctx, d.c, "set_energysave", []int{1})
	case PresetNone:
		if err := callOK(ctx, d.c, "set_sleep", []int{0}); err != nil {
			return err
		}
		return callOK(ctx, d.c, "set_energysave", []int{0})
	}
	return fmt.Errorf("aircon: %s does not support preset %q", d.model, preset)
}
