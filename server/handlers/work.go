package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nomis52/minion/proxy"
	"github.com/nomis52/minion/work"
)

// WorkHandler handles POST /api/work. The request blocks until the job ends.
type WorkHandler struct {
	logger *slog.Logger
	runner WorkRunner
}

// NewWorkHandler creates a new WorkHandler.
func NewWorkHandler(logger *slog.Logger, runner WorkRunner) *WorkHandler {
	return &WorkHandler{logger: logger, runner: runner}
}

// ServeHTTP implements http.Handler.
func (h *WorkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkRequest(w, r)
	if !ok {
		return
	}

	result, err := h.runner.Run(r.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			h.logger.InfoContext(r.Context(), "client went away during work", "name", req.Name)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PeerWorkHandler handles POST /api/peers/{peer}/work.
type PeerWorkHandler struct {
	logger    *slog.Logger
	forwarder WorkForwarder
}

// NewPeerWorkHandler creates a new PeerWorkHandler.
func NewPeerWorkHandler(logger *slog.Logger, forwarder WorkForwarder) *PeerWorkHandler {
	return &PeerWorkHandler{logger: logger, forwarder: forwarder}
}

// ServeHTTP implements http.Handler.
func (h *PeerWorkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkRequest(w, r)
	if !ok {
		return
	}

	peer := r.PathValue("peer")
	result, err := h.forwarder.Forward(r.Context(), peer, req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, proxy.ErrUnknownPeer):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, work.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	default:
		h.logger.WarnContext(r.Context(), "forwarding work failed", "peer", peer, "error", err)
		writeError(w, http.StatusBadGateway, err)
	}
}
