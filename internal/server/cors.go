// Package server contains HTTP handlers and middleware for the wallet provider.
// This file implements CORS middleware for handling Cross-Origin Resource Sharing.
package server

import (
	"net/http"

	"github.com/rs/cors"
)

// corsMiddleware admits browser calls from the configured origins, typically
// the organization dashboard. Wallet apps do not need it, so without origins
// the router is returned untouched.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	if len(h.cfg.CORSOrigins) == 0 {
		return next
	}
	c := cors.New(cors.Options{
		AllowedOrigins: h.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{headerContentType, "Authorization", headerCorrelationID},
		ExposedHeaders: []string{headerCorrelationID},
		MaxAge:         86400,
	})
	return c.Handler(next)
}
