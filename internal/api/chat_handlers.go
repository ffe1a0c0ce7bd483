package api

import (
	"net/http"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/locale"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// ChatConfig is the widget configuration for one locale.
type ChatConfig struct {
	Locale          locale.Locale   `json:"locale"`
	Supported       []locale.Locale `json:"supported"`
	SpecialistPhone string          `json:"specialistPhone,omitempty"`
	Strings         locale.Content  `json:"strings"`
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Connections int       `json:"connections"`
}

// chatConfigHandler handles GET /api/chat/config?lang=xx. Without lang the locale is
// negotiated from Accept-Language.
func (s *Server) chatConfigHandler(w http.ResponseWriter, r *http.Request) {
	var loc locale.Locale
	if lang := r.URL.Query().Get("lang"); lang != "" {
		loc = locale.Normalize(lang)
	} else {
		loc = locale.Negotiate(r.Header.Get("Accept-Language"))
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ChatConfig{
		Locale:          loc,
		Supported:       locale.Supported(),
		SpecialistPhone: s.opts.SpecialistPhone,
		Strings:         locale.For(loc),
	}))
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	connections := 0
	if s.gateway != nil {
		connections = s.gateway.ConnectionCount()
	}
	writeJSONResponse(w, http.StatusOK, HealthStatus{
		Status:      "ok",
		Timestamp:   s.now().UTC(),
		Connections: connections,
	})
}
