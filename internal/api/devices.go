package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/postmelder/postmelder-core/internal/device"
)

// deviceView is the JSON representation of a device record, configuration
// plus live state.
type deviceView struct {
	ID                   string               `json:"id"`
	Online               bool                 `json:"online"`
	Occupied             bool                 `json:"occupied"`
	MessageSent          bool                 `json:"message_sent"`
	InCalibration        bool                 `json:"in_calibration"`
	CompletelyConfigured bool                 `json:"completely_configured"`
	CurrentWeight        float64              `json:"current_weight"`
	BoxNumber            *int                 `json:"box_number"`
	Subscribers          []string             `json:"subscribers"`
	NotificationTitle    string               `json:"notification_title"`
	NotificationBody     string               `json:"notification_body"`
	CheckInterval        device.CheckInterval `json:"check_interval"`
	LastEmptied          *time.Time           `json:"last_emptied"`
}

func viewOf(d *device.Device) deviceView {
	return deviceView{
		ID:                   d.ID(),
		Online:               d.IsOnline(),
		Occupied:             d.IsOccupied(),
		MessageSent:          d.MessageSent(),
		InCalibration:        d.InCalibration(),
		CompletelyConfigured: d.IsCompletelyConfigured(),
		CurrentWeight:        d.CurrentWeight(),
		BoxNumber:            d.BoxNumber(),
		Subscribers:          d.Subscribers(),
		NotificationTitle:    d.NotificationTitle(),
		NotificationBody:     d.NotificationBody(),
		CheckInterval:        d.CheckInterval(),
		LastEmptied:          d.LastEmptied(),
	}
}

func viewsOf(devices []*device.Device) []deviceView {
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, viewOf(d))
	}
	return views
}

// handleListDevices returns all devices, split into configured and
// unconfigured, the way the frontend presents them.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	configured, unconfigured := s.registry.Partition()

	writeJSON(w, http.StatusOK, map[string]any{
		"configured":   viewsOf(configured),
		"unconfigured": viewsOf(unconfigured),
		"count":        len(configured) + len(unconfigured),
	})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.FindByID(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

// handleDeviceHistory returns the readings since the box was last emptied.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.FindByID(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"history":      d.History(),
		"last_emptied": d.LastEmptied(),
	})
}

// handleUpdateDevice replaces the writable configuration of a device.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var cfg device.Configuration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.router.UpdateDevice(r.Context(), id, cfg); err != nil {
		writeDomainError(w, err)
		return
	}

	d, err := s.registry.FindByID(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

// handleDeleteDevice removes a device's configuration. Whether the record
// itself is kept or forgotten follows the server configuration.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.router.DeleteDeviceConfig(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleSendMessage sends the device's notification mail now.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	s.sendMessage(w, r, false)
}

// handleSendTestMessage sends the notification mail with the test prefix,
// without marking the box as reported.
func (s *Server) handleSendTestMessage(w http.ResponseWriter, r *http.Request) {
	s.sendMessage(w, r, true)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, test bool) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "notifications not available")
		return
	}

	d, err := s.registry.FindByID(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.engine.SendDeviceMessage(r.Context(), d, test); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sent": true,
		"test": test,
	})
}
