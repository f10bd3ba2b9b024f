package rest

import (
	"log/slog"
	"net/http"
)

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReady answers 503 while the store is unreachable.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			slog.Warn("Readiness check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Store unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
