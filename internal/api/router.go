package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Patch("/", s.handleUpdateDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Get("/history", s.handleDeviceHistory)

				r.Post("/message", s.handleSendMessage)
				r.Post("/message/test", s.handleSendTestMessage)

				r.Route("/calibration", func(r chi.Router) {
					r.Post("/offset", s.handleCalibrationOffset)
					r.Post("/scale", s.handleCalibrationScale)
					r.Post("/apply", s.handleCalibrationApply)
					r.Post("/cancel", s.handleCalibrationCancel)
				})
			})
		})

		r.Route("/notification", func(r chi.Router) {
			r.Get("/config", s.handleGetMailConfig)
			r.Put("/config", s.handleUpdateMailConfig)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleStatus returns the aggregated system status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"mqtt_connected": s.router.IsConnected(),
	}
	if s.status != nil {
		resp["status"] = s.status.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}
