package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"miaircon/internal/aircon"
	"miaircon/internal/climate"
	"miaircon/internal/store"
)

// unitView is the API representation of a unit: the stored record (token
// excluded by its JSON tags) plus the live entity state when present.
type unitView struct {
	*store.Unit
	State *climate.State `json:"state,omitempty"`
}

func (s *Server) unitView(unit *store.Unit) unitView {
	v := unitView{Unit: unit}
	if entity, err := s.manager.Get(unit.ID); err == nil {
		st := entity.State()
		v.State = &st
	}
	return v
}

func (s *Server) handleAPIListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := s.store.ListUnits()
	if err != nil {
		s.logger.Error("list units", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	views := make([]unitView, 0, len(units))
	for _, u := range units {
		views = append(views, s.unitView(u))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetUnit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	unit, err := s.store.GetUnit(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unit not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.unitView(unit))
}

type renameUnitRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameUnit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req renameUnitRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name must not be empty"})
		return
	}

	if err := s.manager.Rename(id, req.Name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unit not found"})
			return
		}
		s.logger.Error("rename unit", "err", err, "unit", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": req.Name})
}

func (s *Server) handleAPIDeleteUnit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.manager.RemoveUnit(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unit not found"})
			return
		}
		s.logger.Error("delete unit", "err", err, "unit", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// setClimateRequest carries climate commands; nil fields are left alone.
type setClimateRequest struct {
	HVACMode    *string  `json:"hvac_mode,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	FanMode     *string  `json:"fan_mode,omitempty"`
	SwingMode   *string  `json:"swing_mode,omitempty"`
	PresetMode  *string  `json:"preset_mode,omitempty"`
	AuxHeat     *bool    `json:"aux_heat,omitempty"`
}

func (s *Server) handleAPISetClimate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entity, err := s.manager.Get(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unit not found"})
		return
	}

	var req setClimateRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	ctx := r.Context()
	apply := func(err error) bool {
		if err == nil {
			return true
		}
		switch {
		case errors.Is(err, climate.ErrUnavailable):
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		case errors.Is(err, climate.ErrModeConflict), errors.Is(err, climate.ErrNotAdjustable):
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			s.logger.Error("set climate", "err", err, "unit", id)
			s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		}
		return false
	}

	// Mode first: it may power the unit on, which the other attributes need.
	if req.HVACMode != nil {
		if !apply(entity.SetHVACMode(ctx, climate.HVACMode(*req.HVACMode))) {
			return
		}
	}
	if req.Temperature != nil {
		if !apply(entity.SetTemperature(ctx, *req.Temperature)) {
			return
		}
	}
	if req.FanMode != nil {
		if !apply(entity.SetFanMode(ctx, *req.FanMode)) {
			return
		}
	}
	if req.SwingMode != nil {
		if !apply(entity.SetSwingMode(ctx, *req.SwingMode)) {
			return
		}
	}
	if req.PresetMode != nil {
		if !apply(entity.SetPreset(ctx, *req.PresetMode)) {
			return
		}
	}
	if req.AuxHeat != nil {
		if !apply(entity.SetAuxHeat(ctx, *req.AuxHeat)) {
			return
		}
	}

	st := entity.State()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "state": st})
}

func (s *Server) handleAPIRefreshUnit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.RefreshUnit(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unit not found"})
			return
		}
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, aircon.Models())
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
