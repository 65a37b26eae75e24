//go:build no_automation

package main

import (
	"log/slog"

	"miaircon/internal/climate"
	"miaircon/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *climate.Manager, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
