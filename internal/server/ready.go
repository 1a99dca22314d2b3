// Package server contains HTTP handlers for the wallet provider.
// This file implements the readiness check endpoint.
package server

import (
	"context"
	"net/http"
	"time"
)

// readyHandler returns 200 once the backing store answers a ping, 503 otherwise.
// The in-memory store has nothing to ping and is always ready.
func (h *Handler) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.svc.Ready != nil {
		if err := h.svc.Ready.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			h.writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "store not ready"})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
