package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/postmelder/postmelder-core/internal/device"
	"github.com/postmelder/postmelder-core/internal/infrastructure/mqtt"
	"github.com/postmelder/postmelder-core/internal/notification"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeUnavailable = "unavailable"
	ErrCodeTimeout     = "timeout"
	ErrCodeRejected    = "rejected"
	ErrCodeInternal    = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps domain sentinel errors to HTTP responses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, device.ErrDeviceExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, "device already exists")
	case errors.Is(err, device.ErrDeviceOffline):
		writeError(w, http.StatusConflict, ErrCodeConflict, "device is offline")
	case errors.Is(err, device.ErrCalibrationBusy):
		writeError(w, http.StatusConflict, ErrCodeConflict, "calibration step already in progress")
	case errors.Is(err, device.ErrCalibrationTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "device did not answer the calibration request")
	case errors.Is(err, device.ErrInvalidBoxNumber),
		errors.Is(err, device.ErrInvalidCheckInterval),
		errors.Is(err, device.ErrInvalidSubscriber),
		errors.Is(err, device.ErrInvalidWeight),
		errors.Is(err, device.ErrInvalidID):
		writeBadRequest(w, err.Error())
	case errors.Is(err, notification.ErrNoRecipients):
		writeBadRequest(w, "device has no subscribers")
	case errors.Is(err, notification.ErrNoSender):
		writeError(w, http.StatusConflict, ErrCodeConflict, "no mail configuration active")
	case errors.Is(err, notification.ErrTransporterUnavailable):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "mail transport unavailable")
	case errors.Is(err, notification.ErrConfigRejected):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeRejected, err.Error())
	case errors.Is(err, notification.ErrInvalidConfig):
		writeBadRequest(w, err.Error())
	case errors.Is(err, notification.ErrNotConfigured):
		writeNotFound(w, "no mail configuration stored")
	case errors.Is(err, device.ErrNoCommander), errors.Is(err, mqtt.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "broker not connected")
	default:
		writeInternalError(w, "internal server error")
	}
}
