package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nomis52/minion/broadcast"
)

// ActivitiesHandler returns a snapshot of every live activity.
type ActivitiesHandler struct {
	activities ActivityProvider
}

// NewActivitiesHandler creates a new ActivitiesHandler.
func NewActivitiesHandler(activities ActivityProvider) *ActivitiesHandler {
	return &ActivitiesHandler{activities: activities}
}

// ServeHTTP implements http.Handler.
func (h *ActivitiesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.activities.SnapshotAll())
}

// ActivityLogsHandler handles GET /api/activities/{id}/logs.
type ActivityLogsHandler struct {
	logs ActivityLogProvider
}

// NewActivityLogsHandler creates a new ActivityLogsHandler.
func NewActivityLogsHandler(logs ActivityLogProvider) *ActivityLogsHandler {
	return &ActivityLogsHandler{logs: logs}
}

// ServeHTTP implements http.Handler. Logs are only kept while the activity
// runs, so finished and unknown activities are both 404.
func (h *ActivityLogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logs, ok := h.logs.Logs(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no running activity %q", id))
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// CancelHandler handles DELETE /api/activities/{id}.
type CancelHandler struct {
	canceller ActivityCanceller
}

// NewCancelHandler creates a new CancelHandler.
func NewCancelHandler(canceller ActivityCanceller) *CancelHandler {
	return &CancelHandler{canceller: canceller}
}

// ServeHTTP implements http.Handler. Cancelling a mirrored activity is
// forwarded to the peer running it; a failure there is reported as 502.
func (h *CancelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.canceller.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, broadcast.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}
