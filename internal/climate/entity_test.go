package climate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"miaircon/internal/aircon"
)

// fakeDevice is a scriptable aircon.Client that tracks its own state so
// refresh-after-command sees the effect of commands.
type fakeDevice struct {
	mu        sync.Mutex
	status    aircon.Status
	calls     []string
	statusErr error
}

func (f *fakeDevice) Model() string { return "zhimi.aircondition.ma1" }

func (f *fakeDevice) Modes() []aircon.Mode {
	return []aircon.Mode{aircon.ModeCool, aircon.ModeDry, aircon.ModeFanOnly, aircon.ModeHeat}
}

func (f *fakeDevice) FanModes() []aircon.FanMode {
	return []aircon.FanMode{aircon.FanAuto, aircon.FanLevel1, aircon.FanLevel2}
}

func (f *fakeDevice) Presets() []aircon.Preset {
	return []aircon.Preset{aircon.PresetNone, aircon.PresetSilence, aircon.PresetComfort}
}

func (f *fakeDevice) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeDevice) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDevice) Status(context.Context) (*aircon.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "status")
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := f.status
	return &st, nil
}

func (f *fakeDevice) PowerOn(context.Context) error {
	f.record("power_on")
	f.mu.Lock()
	f.status.Power = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) PowerOff(context.Context) error {
	f.record("power_off")
	f.mu.Lock()
	f.status.Power = false
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) SetTemperature(_ context.Context, temp float64) error {
	f.record("set_temperature")
	f.mu.Lock()
	f.status.TargetTemp = temp
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) SetMode(_ context.Context, mode aircon.Mode) error {
	f.record("set_mode:" + string(mode))
	f.mu.Lock()
	f.status.Mode = mode
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) SetFanMode(_ context.Context, fan aircon.FanMode) error {
	f.record("set_fan_mode")
	f.mu.Lock()
	f.status.FanMode = fan
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) SetSwing(_ context.Context, on bool) error {
	f.record("set_swing")
	f.mu.Lock()
	f.status.Swing = on
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) SetAuxHeat(_ context.Context, on bool) error {
	f.record("set_aux_heat")
	f.mu.Lock()
	f.status.AuxHeat = on
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) SetPreset(_ context.Context, preset aircon.Preset) error {
	f.record("set_preset")
	f.mu.Lock()
	f.status.Preset = preset
	f.mu.Unlock()
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEntity(t *testing.T, dev *fakeDevice) (*Entity, *EventBus) {
	t.Helper()
	bus := NewEventBus(discardLogger())
	e := NewEntity("zhimi.aircondition.ma1-aa:bb", "Bedroom AC", dev, bus, discardLogger(), 0, 0)
	if err := e.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	return e, bus
}

func TestEntityStartsUnavailable(t *testing.T) {
	dev := &fakeDevice{}
	bus := NewEventBus(discardLogger())
	e := NewEntity("u1", "AC", dev, bus, discardLogger(), 0, 0)

	if e.Available() {
		t.Error("entity available before first refresh")
	}
	err := e.TurnOn(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if len(dev.recorded()) != 0 {
		t.Errorf("device was called: %v", dev.recorded())
	}
}

func TestAvailabilityFlipsOnce(t *testing.T) {
	dev := &fakeDevice{}
	e, bus := newTestEntity(t, dev)

	var events []bool
	bus.On(EventAvailability, func(evt Event) {
		data := evt.Data.(map[string]interface{})
		events = append(events, data["available"].(bool))
	})

	dev.mu.Lock()
	dev.statusErr = errors.New("timeout")
	dev.mu.Unlock()
	for i := 0; i < 3; i++ {
		e.Refresh(context.Background())
	}
	if e.Available() {
		t.Error("still available after failed polls")
	}

	dev.mu.Lock()
	dev.statusErr = nil
	dev.mu.Unlock()
	for i := 0; i < 2; i++ {
		if err := e.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	// One unavailable flip, one available flip; no spam in between.
	if len(events) != 2 || events[0] || !events[1] {
		t.Errorf("availability events = %v", events)
	}
}

func TestSetHVACModePowersOnFirst(t *testing.T) {
	dev := &fakeDevice{}
	e, _ := newTestEntity(t, dev)

	if err := e.SetHVACMode(context.Background(), HVACCool); err != nil {
		t.Fatal(err)
	}
	calls := dev.recorded()
	// initial status, power_on, set_mode, refresh status
	want := []string{"status", "power_on", "set_mode:cool", "status"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
	if got := e.State().HVACMode; got != HVACCool {
		t.Errorf("hvac mode = %s", got)
	}
}

func TestSetHVACModeSkipsPowerOnWhenRunning(t *testing.T) {
	dev := &fakeDevice{status: aircon.Status{Power: true, Mode: aircon.ModeHeat}}
	e, _ := newTestEntity(t, dev)

	if err := e.SetHVACMode(context.Background(), HVACCool); err != nil {
		t.Fatal(err)
	}
	for _, c := range dev.recorded() {
		if c == "power_on" {
			t.Errorf("power_on sent to a running unit: %v", dev.recorded())
		}
	}
}

func TestSetHVACModeResendsSameMode(t *testing.T) {
	dev := &fakeDevice{status: aircon.Status{Power: true, Mode: aircon.ModeCool}}
	e, _ := newTestEntity(t, dev)

	if err := e.SetHVACMode(context.Background(), HVACCool); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range dev.recorded() {
		if c == "set_mode:cool" {
			found = true
		}
	}
	if !found {
		t.Errorf("mode not re-sent: %v", dev.recorded())
	}
}

func TestSetHVACModeOff(t *testing.T) {
	dev := &fakeDevice{status: aircon.Status{Power: true, Mode: aircon.ModeCool}}
	e, _ := newTestEntity(t, dev)

	if err := e.SetHVACMode(context.Background(), HVACOff); err != nil {
		t.Fatal(err)
	}
	if got := e.State().HVACMode; got != HVACOff {
		t.Errorf("hvac mode = %s", got)
	}
	// The last running mode survives the power-off.
	if got := e.State().LastOnMode; got != HVACCool {
		t.Errorf("last on mode = %s", got)
	}
}

func TestSetTemperature(t *testing.T) {
	cases := []struct {
		name string
		temp float64
		want float64
	}{
		{"in range", 24.5, 24.5},
		{"below min", 5, DefaultMinTemp},
		{"above max", 42, DefaultMaxTemp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dev := &fakeDevice{status: aircon.Status{Power: true, Mode: aircon.ModeCool}}
			e, _ := newTestEntity(t, dev)

			if err := e.SetTemperature(context.Background(), tc.temp); err != nil {
				t.Fatal(err)
			}
			if got := e.State().TargetTemp; got != tc.want {
				t.Errorf("target = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSetTemperatureRefused(t *testing.T) {
	cases := []struct {
		name   string
		status aircon.Status
	}{
		{"off", aircon.Status{Power: false}},
		{"fan only", aircon.Status{Power: true, Mode: aircon.ModeFanOnly}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dev := &fakeDevice{status: tc.status}
			e, _ := newTestEntity(t, dev)

			err := e.SetTemperature(context.Background(), 24)
			if !errors.Is(err, ErrNotAdjustable) {
				t.Errorf("err = %v, want ErrNotAdjustable", err)
			}
			for _, c := range dev.recorded() {
				if c == "set_temperature" {
					t.Error("set_temperature reached the device")
				}
			}
		})
	}
}

func TestSetFanModeRefusedInDry(t *testing.T) {
	dev := &fakeDevice{status: aircon.Status{Power: true, Mode: aircon.ModeDry}}
	e, _ := newTestEntity(t, dev)

	err := e.SetFanMode(context.Background(), string(aircon.FanLevel1))
	if !errors.Is(err, ErrModeConflict) {
		t.Errorf("err = %v, want ErrModeConflict", err)
	}
	for _, c := range dev.recorded() {
		if c == "set_fan_mode" {
			t.Error("set_fan_mode reached the device")
		}
	}
}

func TestSetFanMode(t *testing.T) {
	dev := &fakeDevice{status: aircon.Status{Power: true, Mode: aircon.ModeCool}}
	e, _ := newTestEntity(t, dev)

	if err := e.SetFanMode(context.Background(), string(aircon.FanLevel2)); err != nil {
		t.Fatal(err)
	}
	if got := e.State().FanMode; got != string(aircon.FanLevel2) {
		t.Errorf("fan mode = %q", got)
	}
}

func TestSetSwingMode(t *testing.T) {
	dev := &fakeDevice{status: aircon.Status{Power: true, Mode: aircon.ModeCool}}
	e, _ := newTestEntity(t, dev)

	if err := e.SetSwingMode(context.Background(), SwingOn); err != nil {
		t.Fatal(err)
	}
	if got := e.State().SwingMode; got != SwingOn {
		t.Errorf("swing = %q", got)
	}
	if err := e.SetSwingMode(context.Background(), "sideways"); err == nil {
		t.Error("expected error for unknown swing mode")
	}
}

func TestCommandResultEvents(t *testing.T) {
	dev := &fakeDevice{status: aircon.Status{Power: true, Mode: aircon.ModeDry}}
	e, bus := newTestEntity(t, dev)

	var results []map[string]interface{}
	bus.On(EventCommandResult, func(evt Event) {
		results = append(results, evt.Data.(map[string]interface{}))
	})

	e.SetFanMode(context.Background(), string(aircon.FanLevel1))
	e.SetPreset(context.Background(), string(aircon.PresetSilence))

	if len(results) != 2 {
		t.Fatalf("got %d command results", len(results))
	}
	if results[0]["ok"].(bool) || results[0]["command"] != "set_fan_mode" {
		t.Errorf("first result = %v", results[0])
	}
	if !results[1]["ok"].(bool) || results[1]["command"] != "set_preset" {
		t.Errorf("second result = %v", results[1])
	}
}

func TestStateSnapshot(t *testing.T) {
	dev := &fakeDevice{status: aircon.Status{
		Power:       true,
		Mode:        aircon.ModeHeat,
		TargetTemp:  22,
		CurrentTemp: 18.5,
		FanMode:     aircon.FanAuto,
		Swing:       true,
		AuxHeat:     true,
		Preset:      aircon.PresetComfort,
	}}
	e, _ := newTestEntity(t, dev)

	st := e.State()
	if st.HVACMode != HVACHeat || st.TargetTemp != 22 || st.CurrentTemp != 18.5 {
		t.Errorf("state = %+v", st)
	}
	if st.SwingMode != SwingOn || !st.AuxHeat || st.Preset != string(aircon.PresetComfort) {
		t.Errorf("state = %+v", st)
	}
	if st.LastSeen.IsZero() {
		t.Error("last seen not set")
	}
}

func TestEntityCapabilities(t *testing.T) {
	dev := &fakeDevice{}
	e, _ := newTestEntity(t, dev)

	modes := e.HVACModes()
	if modes[0] != HVACOff || len(modes) != 5 {
		t.Errorf("hvac modes = %v", modes)
	}
	if len(e.FanModes()) != 3 {
		t.Errorf("fan modes = %v", e.FanModes())
	}
	if len(e.SwingModes()) != 2 {
		t.Errorf("swing modes = %v", e.SwingModes())
	}
	if len(e.Presets()) != 3 {
		t.Errorf("presets = %v", e.Presets())
	}
}
