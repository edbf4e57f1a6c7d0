package handlers

import (
	"bytes"
	"log/slog"
	"net/http"

	"gopkg.in/yaml.v3"
)

// ConfigHandler serves the running configuration as YAML, with credentials
// in URLs masked.
type ConfigHandler struct {
	logger   *slog.Logger
	provider ConfigProvider
}

// NewConfigHandler creates a new ConfigHandler.
func NewConfigHandler(logger *slog.Logger, provider ConfigProvider) *ConfigHandler {
	return &ConfigHandler{logger: logger, provider: provider}
}

// ServeHTTP implements http.Handler.
func (h *ConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := yaml.NewEncoder(&buf).Encode(h.provider.Config().Redacted()); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to encode config", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
