package handlers

import (
	"net/http"

	"github.com/nomis52/minion/buildinfo"
)

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Local  int    `json:"local_activities"`
	Shadow int    `json:"shadow_activities"`

	Build buildinfo.Properties `json:"build"`
}

// HealthHandler reports that the server is up along with activity counts.
type HealthHandler struct {
	activities ActivityProvider
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(activities ActivityProvider) *HealthHandler {
	return &HealthHandler{activities: activities}
}

// ServeHTTP implements http.Handler.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats := h.activities.Stats()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Local:  stats.Local,
		Shadow: stats.Shadow,
		Build:  buildinfo.Get(),
	})
}
