//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"miaircon/internal/climate"
	"miaircon/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/climate/miaircon_zhimi.../climate/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haClimate is the HA MQTT climate discovery payload.
type haClimate struct {
	Name             string           `json:"name"`
	UniqueID         string           `json:"unique_id"`
	Availability     []haAvailability `json:"availability"`
	AvailabilityMode string           `json:"availability_mode"`

	Modes       []string `json:"modes"`
	FanModes    []string `json:"fan_modes,omitempty"`
	SwingModes  []string `json:"swing_modes,omitempty"`
	PresetModes []string `json:"preset_modes,omitempty"`

	MinTemp  float64 `json:"min_temp"`
	MaxTemp  float64 `json:"max_temp"`
	TempStep float64 `json:"temp_step"`

	ModeStateTopic    string `json:"mode_state_topic"`
	ModeStateTemplate string `json:"mode_state_template"`
	ModeCommandTopic  string `json:"mode_command_topic"`

	TemperatureStateTopic    string `json:"temperature_state_topic"`
	TemperatureStateTemplate string `json:"temperature_state_template"`
	TemperatureCommandTopic  string `json:"temperature_command_topic"`

	CurrentTemperatureTopic    string `json:"current_temperature_topic"`
	CurrentTemperatureTemplate string `json:"current_temperature_template"`

	FanModeStateTopic    string `json:"fan_mode_state_topic,omitempty"`
	FanModeStateTemplate string `json:"fan_mode_state_template,omitempty"`
	FanModeCommandTopic  string `json:"fan_mode_command_topic,omitempty"`

	SwingModeStateTopic    string `json:"swing_mode_state_topic,omitempty"`
	SwingModeStateTemplate string `json:"swing_mode_state_template,omitempty"`
	SwingModeCommandTopic  string `json:"swing_mode_command_topic,omitempty"`

	PresetModeStateTopic    string `json:"preset_mode_state_topic,omitempty"`
	PresetModeValueTemplate string `json:"preset_mode_value_template,omitempty"`
	PresetModeCommandTopic  string `json:"preset_mode_command_topic,omitempty"`

	AuxStateTopic    string `json:"aux_state_topic,omitempty"`
	AuxStateTemplate string `json:"aux_state_template,omitempty"`
	AuxCommandTopic  string `json:"aux_command_topic,omitempty"`

	Device haDevice `json:"device"`
}

// unitTopicName sanitizes a unit ID for use in MQTT topics and the HA
// discovery node path (dots and colons are not welcome there).
func unitTopicName(id string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return '_'
	}, id)
}

func unitNodeID(id string) string {
	return "miaircon_" + unitTopicName(id)
}

// buildDiscovery generates the HA climate discovery message for a unit.
func buildDiscovery(entity *climate.Entity, unit *store.Unit, prefix string) discoveryMsg {
	node := unitNodeID(entity.ID())
	stateTopic := prefix + "/" + unitTopicName(entity.ID())
	cmdBase := stateTopic

	modes := make([]string, 0, 5)
	for _, m := range entity.HVACModes() {
		modes = append(modes, string(m))
	}

	payload := haClimate{
		Name:     entity.Name(),
		UniqueID: node,
		Availability: []haAvailability{
			{Topic: prefix + "/bridge/state"},
			{Topic: stateTopic + "/availability"},
		},
		AvailabilityMode: "all",

		Modes:       modes,
		FanModes:    entity.FanModes(),
		SwingModes:  entity.SwingModes(),
		PresetModes: entity.Presets(),

		MinTemp:  entity.MinTemp(),
		MaxTemp:  entity.MaxTemp(),
		TempStep: 0.5,

		ModeStateTopic:    stateTopic,
		ModeStateTemplate: "{{ value_json.hvac_mode }}",
		ModeCommandTopic:  cmdBase + "/mode/set",

		TemperatureStateTopic:    stateTopic,
		TemperatureStateTemplate: "{{ value_json.target_temp }}",
		TemperatureCommandTopic:  cmdBase + "/temperature/set",

		CurrentTemperatureTopic:    stateTopic,
		CurrentTemperatureTemplate: "{{ value_json.current_temp }}",

		FanModeStateTopic:    stateTopic,
		FanModeStateTemplate: "{{ value_json.fan_mode }}",
		FanModeCommandTopic:  cmdBase + "/fan_mode/set",

		SwingModeStateTopic:    stateTopic,
		SwingModeStateTemplate: "{{ value_json.swing_mode }}",
		SwingModeCommandTopic:  cmdBase + "/swing_mode/set",

		PresetModeStateTopic:    stateTopic,
		PresetModeValueTemplate: "{{ value_json.preset }}",
		PresetModeCommandTopic:  cmdBase + "/preset_mode/set",

		AuxStateTopic:    stateTopic,
		AuxStateTemplate: "{{ 'ON' if value_json.aux_heat else 'OFF' }}",
		AuxCommandTopic:  cmdBase + "/aux/set",

		Device: haDevice{
			Identifiers:  []string{node},
			Manufacturer: "Xiaomi",
			Model:        entity.Model(),
			Name:         entity.Name(),
		},
	}
	if unit != nil {
		payload.Device.SWVersion = unit.FirmwareVersion
	}

	topic := fmt.Sprintf("homeassistant/climate/%s/climate/config", node)
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates an empty retained message to remove a unit
// from HA.
func buildRemoveDiscovery(unitID string) discoveryMsg {
	node := unitNodeID(unitID)
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/climate/%s/climate/config", node),
		Payload: nil, // empty retained = delete
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
