// Package climate turns aircon device clients into stateful climate
// entities: availability tracking, HVAC mode rules, clamped temperatures,
// and an event bus feeding the MQTT bridge, web API and automations.
package climate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"miaircon/internal/aircon"
)

// HVACMode is the entity-level mode: the device modes plus off.
type HVACMode string

const (
	HVACOff     HVACMode = "off"
	HVACCool    HVACMode = "cool"
	HVACDry     HVACMode = "dry"
	HVACFanOnly HVACMode = "fan_only"
	HVACHeat    HVACMode = "heat"
)

// Swing modes exposed to the host platform.
const (
	SwingOn  = "on"
	SwingOff = "off"
)

// Default temperature limits, overridable per unit.
const (
	DefaultMinTemp = 16.0
	DefaultMaxTemp = 30.0
)

var (
	// ErrUnavailable is returned for commands while the unit is unreachable.
	ErrUnavailable = errors.New("unit unavailable")

	// ErrModeConflict is returned for fan mode changes while in dry mode:
	// the compressor dictates the fan there.
	ErrModeConflict = errors.New("fan mode is fixed in dry mode")

	// ErrNotAdjustable is returned for target temperature changes while
	// off or in fan-only mode.
	ErrNotAdjustable = errors.New("temperature is not adjustable in this mode")
)

// State is a snapshot of an entity, serialized to MQTT, the web API and
// the store.
type State struct {
	UnitID      string    `json:"unit_id"`
	Name        string    `json:"name"`
	Available   bool      `json:"available"`
	HVACMode    HVACMode  `json:"hvac_mode"`
	TargetTemp  float64   `json:"target_temp"`
	CurrentTemp float64   `json:"current_temp"`
	FanMode     string    `json:"fan_mode"`
	SwingMode   string    `json:"swing_mode"`
	Preset      string    `json:"preset"`
	AuxHeat     bool      `json:"aux_heat"`
	LastOnMode  HVACMode  `json:"last_on_mode,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

var deviceModes = map[HVACMode]aircon.Mode{
	HVACCool:    aircon.ModeCool,
	HVACDry:     aircon.ModeDry,
	HVACFanOnly: aircon.ModeFanOnly,
	HVACHeat:    aircon.ModeHeat,
}

// Entity is one air conditioner as seen by the host platform. All methods
// are safe for concurrent use; device access is serialized per entity.
type Entity struct {
	id     string
	dev    aircon.Client
	bus    *EventBus
	logger *slog.Logger

	minTemp float64
	maxTemp float64

	mu         sync.Mutex
	name       string
	available  bool
	status     aircon.Status
	lastOnMode HVACMode
	lastSeen   time.Time
}

// NewEntity wraps a device client. The entity starts unavailable until the
// first successful refresh.
func NewEntity(id, name string, dev aircon.Client, bus *EventBus, logger *slog.Logger, minTemp, maxTemp float64) *Entity {
	if minTemp <= 0 {
		minTemp = DefaultMinTemp
	}
	if maxTemp <= 0 {
		maxTemp = DefaultMaxTemp
	}
	return &Entity{
		id:      id,
		name:    name,
		dev:     dev,
		bus:     bus,
		logger:  logger.With("unit", id),
		minTemp: minTemp,
		maxTemp: maxTemp,
	}
}

func (e *Entity) ID() string { return e.id }

func (e *Entity) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

func (e *Entity) SetName(name string) {
	e.mu.Lock()
	e.name = name
	e.mu.Unlock()
}

func (e *Entity) Model() string    { return e.dev.Model() }
func (e *Entity) MinTemp() float64 { return e.minTemp }
func (e *Entity) MaxTemp() float64 { return e.maxTemp }

// HVACModes lists the selectable modes, off first.
func (e *Entity) HVACModes() []HVACMode {
	modes := []HVACMode{HVACOff}
	for _, m := range e.dev.Modes() {
		modes = append(modes, HVACMode(m))
	}
	return modes
}

func (e *Entity) FanModes() []string {
	fans := e.dev.FanModes()
	out := make([]string, len(fans))
	for i, f := range fans {
		out[i] = string(f)
	}
	return out
}

func (e *Entity) SwingModes() []string {
	return []string{SwingOff, SwingOn}
}

func (e *Entity) Presets() []string {
	presets := e.dev.Presets()
	out := make([]string, len(presets))
	for i, p := range presets {
		out[i] = string(p)
	}
	return out
}

func (e *Entity) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available
}

// State returns a snapshot of the entity.
func (e *Entity) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Entity) stateLocked() State {
	swing := SwingOff
	if e.status.Swing {
		swing = SwingOn
	}
	return State{
		UnitID:      e.id,
		Name:        e.name,
		Available:   e.available,
		HVACMode:    e.hvacModeLocked(),
		TargetTemp:  e.status.TargetTemp,
		CurrentTemp: e.status.CurrentTemp,
		FanMode:     string(e.status.FanMode),
		SwingMode:   swing,
		Preset:      string(e.status.Preset),
		AuxHeat:     e.status.AuxHeat,
		LastOnMode:  e.lastOnMode,
		LastSeen:    e.lastSeen,
	}
}

func (e *Entity) hvacModeLocked() HVACMode {
	if !e.status.Power {
		return HVACOff
	}
	if e.status.Mode == "" {
		return HVACOff
	}
	return HVACMode(e.status.Mode)
}

// Refresh polls the device and reconciles availability. An unreachable
// device flips the entity unavailable once; recovery flips it back.
func (e *Entity) Refresh(ctx context.Context) error {
	st, err := e.dev.Status(ctx)

	e.mu.Lock()
	if err != nil {
		changed := e.available
		e.available = false
		e.mu.Unlock()
		if changed {
			e.logger.Warn("unit became unavailable", "err", err)
			e.emitAvailability(false)
		}
		return err
	}

	e.status = *st
	e.lastSeen = time.Now()
	if st.Power {
		e.lastOnMode = HVACMode(st.Mode)
	}
	recovered := !e.available
	e.available = true
	state := e.stateLocked()
	e.mu.Unlock()

	if recovered {
		e.logger.Info("unit available")
		e.emitAvailability(true)
	}
	e.bus.Emit(Event{Type: EventStateUpdate, Data: state})
	return nil
}

func (e *Entity) emitAvailability(available bool) {
	e.bus.Emit(Event{Type: EventAvailability, Data: map[string]interface{}{
		"unit":      e.id,
		"available": available,
	}})
}

// command runs one device command under the entity lock, refusing fast when
// the unit is unavailable, then polls the new state on success.
func (e *Entity) command(ctx context.Context, name string, fn func(context.Context) error) error {
	e.mu.Lock()
	if !e.available {
		e.mu.Unlock()
		e.emitResult(name, ErrUnavailable)
		return fmt.Errorf("%s %s: %w", name, e.id, ErrUnavailable)
	}
	e.mu.Unlock()

	err := fn(ctx)
	e.emitResult(name, err)
	if err != nil {
		return fmt.Errorf("%s %s: %w", name, e.id, err)
	}

	// Pull the real state back; the device is the source of truth.
	if err := e.Refresh(ctx); err != nil {
		e.logger.Warn("refresh after command", "command", name, "err", err)
	}
	return nil
}

func (e *Entity) emitResult(command string, err error) {
	data := map[string]interface{}{
		"unit":    e.id,
		"command": command,
		"ok":      err == nil,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	e.bus.Emit(Event{Type: EventCommandResult, Data: data})
}

// TurnOn powers the unit on, leaving the device in its last mode.
func (e *Entity) TurnOn(ctx context.Context) error {
	return e.command(ctx, "turn_on", e.dev.PowerOn)
}

func (e *Entity) TurnOff(ctx context.Context) error {
	return e.command(ctx, "turn_off", e.dev.PowerOff)
}

// SetHVACMode applies an entity mode. A unit that is off is powered on
// first; the mode is re-sent even when it matches the last known one.
func (e *Entity) SetHVACMode(ctx context.Context, mode HVACMode) error {
	if mode == HVACOff {
		return e.command(ctx, "set_hvac_mode", e.dev.PowerOff)
	}
	devMode, ok := deviceModes[mode]
	if !ok {
		return fmt.Errorf("set_hvac_mode %s: unknown mode %q", e.id, mode)
	}

	return e.command(ctx, "set_hvac_mode", func(ctx context.Context) error {
		e.mu.Lock()
		powered := e.status.Power
		e.mu.Unlock()
		if !powered {
			if err := e.dev.PowerOn(ctx); err != nil {
				return err
			}
		}
		if err := e.dev.SetMode(ctx, devMode); err != nil {
			return err
		}
		e.mu.Lock()
		e.lastOnMode = mode
		e.mu.Unlock()
		return nil
	})
}

// SetTemperature clamps to the unit limits. Refused while off or in
// fan-only mode, where the setpoint has no effect.
func (e *Entity) SetTemperature(ctx context.Context, temp float64) error {
	e.mu.Lock()
	available := e.available
	mode := e.hvacModeLocked()
	e.mu.Unlock()
	if !available {
		e.emitResult("set_temperature", ErrUnavailable)
		return fmt.Errorf("set_temperature %s: %w", e.id, ErrUnavailable)
	}
	if mode == HVACOff || mode == HVACFanOnly {
		e.emitResult("set_temperature", ErrNotAdjustable)
		return fmt.Errorf("set_temperature %s: %w", e.id, ErrNotAdjustable)
	}

	if temp < e.minTemp {
		temp = e.minTemp
	}
	if temp > e.maxTemp {
		temp = e.maxTemp
	}
	return e.command(ctx, "set_temperature", func(ctx context.Context) error {
		return e.dev.SetTemperature(ctx, temp)
	})
}

// SetFanMode is refused in dry mode; nothing is sent to the device.
func (e *Entity) SetFanMode(ctx context.Context, fan string) error {
	e.mu.Lock()
	available := e.available
	mode := e.hvacModeLocked()
	e.mu.Unlock()
	if !available {
		e.emitResult("set_fan_mode", ErrUnavailable)
		return fmt.Errorf("set_fan_mode %s: %w", e.id, ErrUnavailable)
	}
	if mode == HVACDry {
		e.emitResult("set_fan_mode", ErrModeConflict)
		return fmt.Errorf("set_fan_mode %s: %w", e.id, ErrModeConflict)
	}

	return e.command(ctx, "set_fan_mode", func(ctx context.Context) error {
		return e.dev.SetFanMode(ctx, aircon.FanMode(fan))
	})
}

func (e *Entity) SetSwingMode(ctx context.Context, swing string) error {
	if swing != SwingOn && swing != SwingOff {
		return fmt.Errorf("set_swing_mode %s: unknown swing mode %q", e.id, swing)
	}
	return e.command(ctx, "set_swing_mode", func(ctx context.Context) error {
		return e.dev.SetSwing(ctx, swing == SwingOn)
	})
}

func (e *Entity) SetPreset(ctx context.Context, preset string) error {
	return e.command(ctx, "set_preset", func(ctx context.Context) error {
		return e.dev.SetPreset(ctx, aircon.Preset(preset))
	})
}

func (e *Entity) SetAuxHeat(ctx context.Context, on bool) error {
	return e.command(ctx, "set_aux_heat", func(ctx context.Context) error {
		return e.dev.SetAuxHeat(ctx, on)
	})
}
