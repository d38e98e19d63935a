package httpserver

import (
	"net/http"
)

// HealthResponse is the JSON response for the health check endpoint
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Telegram string `json:"telegram"`
	Sessions int    `json:"sessions"`
}

// handleHealth reports liveness. A disabled adapter degrades the status but
// the process itself is healthy, so the code stays 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Telegram: "available",
		Sessions: s.svc.Pool().Count(),
	}
	if !s.svc.Available() {
		resp.Status = "degraded"
		resp.Telegram = "disabled"
	}

	writeJSON(w, http.StatusOK, resp)
}
