package store

import "time"

// Unit represents one air conditioner.
// Token is hidden from API/JSON serialization via json:"-".
type Unit struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	Host            string    `json:"host"`
	Token           string    `json:"-"`
	Model           string    `json:"model,omitempty"`
	MAC             string    `json:"mac,omitempty"`
	FirmwareVersion string    `json:"fw_version,omitempty"`
	HardwareVersion string    `json:"hw_version,omitempty"`
	MinTemp         float64   `json:"min_temp,omitempty"`
	MaxTemp         float64   `json:"max_temp,omitempty"`
	AddedAt         time.Time `json:"added_at"`
	LastSeen        time.Time `json:"last_seen"`
	LastState       *State    `json:"last_state,omitempty"`
}

// State is the last known climate state of a unit.
type State struct {
	Power       bool    `json:"power"`
	Mode        string  `json:"mode"`
	TargetTemp  float64 `json:"target_temp"`
	CurrentTemp float64 `json:"current_temp"`
	FanMode     string  `json:"fan_mode"`
	SwingMode   string  `json:"swing_mode"`
	Preset      string  `json:"preset"`
	AuxHeat     bool    `json:"aux_heat"`
}

// unitStorage is the internal struct used for DB serialization,
// preserving the device token on disk.
type unitStorage struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	Host            string    `json:"host"`
	Token           string    `json:"token,omitempty"`
	Model           string    `json:"model,omitempty"`
	MAC             string    `json:"mac,omitempty"`
	FirmwareVersion string    `json:"fw_version,omitempty"`
	HardwareVersion string    `json:"hw_version,omitempty"`
	MinTemp         float64   `json:"min_temp,omitempty"`
	MaxTemp         float64   `json:"max_temp,omitempty"`
	AddedAt         time.Time `json:"added_at"`
	LastSeen        time.Time `json:"last_seen"`
	LastState       *State    `json:"last_state,omitempty"`
}

func toStorage(u *Unit) unitStorage {
	return unitStorage{
		ID:              u.ID,
		Name:            u.Name,
		Host:            u.Host,
		Token:           u.Token,
		Model:           u.Model,
		MAC:             u.MAC,
		FirmwareVersion: u.FirmwareVersion,
		HardwareVersion: u.HardwareVersion,
		MinTemp:         u.MinTemp,
		MaxTemp:         u.MaxTemp,
		AddedAt:         u.AddedAt,
		LastSeen:        u.LastSeen,
		LastState:       u.LastState,
	}
}

func fromStorage(s unitStorage) Unit {
	return Unit{
		ID:              s.ID,
		Name:            s.Name,
		Host:            s.Host,
		Token:           s.Token,
		Model:           s.Model,
		MAC:             s.MAC,
		FirmwareVersion: s.FirmwareVersion,
		HardwareVersion: s.HardwareVersion,
		MinTemp:         s.MinTemp,
		MaxTemp:         s.MaxTemp,
		AddedAt:         s.AddedAt,
		LastSeen:        s.LastSeen,
		LastState:       s.LastState,
	}
}
