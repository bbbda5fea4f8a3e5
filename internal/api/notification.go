package api

import (
	"encoding/json"
	"net/http"

	"github.com/postmelder/postmelder-core/internal/notification"
)

// mailConfigView is the JSON form of the mail configuration. The password
// is accepted on writes but never echoed back.
type mailConfigView struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	SSL      bool   `json:"ssl"`
}

// handleGetMailConfig returns the active mail configuration without the
// password.
func (s *Server) handleGetMailConfig(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "notifications not available")
		return
	}

	cfg, ok := s.engine.Config()
	if !ok {
		writeDomainError(w, notification.ErrNotConfigured)
		return
	}

	writeJSON(w, http.StatusOK, mailConfigView{
		Username: cfg.Username,
		Host:     cfg.Host,
		Port:     cfg.Port,
		SSL:      cfg.SSL,
	})
}

// handleUpdateMailConfig verifies a proposed mail configuration and, on
// success, persists and activates it. An omitted password keeps the
// current one.
func (s *Server) handleUpdateMailConfig(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "notifications not available")
		return
	}

	var body mailConfigView
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	err := s.engine.UpdateConfig(r.Context(), notification.SMTPConfig{
		Username: body.Username,
		Password: body.Password,
		Host:     body.Host,
		Port:     body.Port,
		SSL:      body.SSL,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	cfg, _ := s.engine.Config()
	writeJSON(w, http.StatusOK, mailConfigView{
		Username: cfg.Username,
		Host:     cfg.Host,
		Port:     cfg.Port,
		SSL:      cfg.SSL,
	})
}
