package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleCalibrationOffset asks the device to measure its tare offset with
// an empty box. Blocks until the device answers or the timeout elapses.
func (s *Server) handleCalibrationOffset(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.FindByID(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	offset, err := d.CalcScaleOffset(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"scale_offset": offset})
}

// handleCalibrationScale asks the device to compute its scale factor from
// a known reference weight placed in the box.
func (s *Server) handleCalibrationScale(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.FindByID(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var body struct {
		KnownWeight float64 `json:"known_weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.KnownWeight <= 0 {
		writeBadRequest(w, "known_weight must be positive")
		return
	}

	value, err := d.CalcScaleWeight(r.Context(), body.KnownWeight)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"scale_value": value})
}

// handleCalibrationApply commits the measured offset and scale factor to
// the device and ends the calibration session.
func (s *Server) handleCalibrationApply(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.FindByID(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var body struct {
		ScaleOffset float64 `json:"scale_offset"`
		ScaleValue  float64 `json:"scale_value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := d.ApplyScaleCalibration(body.ScaleOffset, body.ScaleValue); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"applied": true})
}

// handleCalibrationCancel abandons the calibration session without
// changing the device.
func (s *Server) handleCalibrationCancel(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.FindByID(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := d.CancelCalibration(); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}
