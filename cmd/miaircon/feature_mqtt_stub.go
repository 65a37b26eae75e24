//go:build no_mqtt

package main

import (
	"log/slog"

	"miaircon/internal/climate"
	"miaircon/internal/store"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *climate.Manager, _ store.Store, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
