// Package server contains HTTP handlers for the wallet provider.
// This file writes OAuth error bodies, JSON and JWT responses.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/oautherr"
)

// errorBody is the OAuth 2.0 error response.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// writeOAuthError logs the rejection and answers with the OAuth error body.
// Causes are logged, never sent.
func (h *Handler) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	oe := oautherr.From(err)
	attrs := []any{
		"oauthError", oe.Code,
		"description", oe.Description,
		"path", r.URL.Path,
		"correlationId", correlationIDFrom(r.Context()),
	}
	if oe.Err != nil {
		attrs = append(attrs, "error", oe.Err)
	}
	if oe.Code == oautherr.ServerError {
		h.logger.Error("request failed", attrs...)
		captureServerError(r, oe)
	} else {
		h.logger.Warn("request rejected", attrs...)
	}

	payload, mErr := json.Marshal(errorBody{Error: oe.Code, ErrorDescription: oe.Description})
	if mErr != nil {
		payload = []byte(`{"error":"server_error","error_description":"server error"}`)
	}
	w.Header().Set(headerContentType, contentTypeJSON)
	w.Header().Set(headerCacheControl, "no-store")
	w.WriteHeader(oe.Status())
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write error failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

// writeJSON encodes v with the given status.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.writeOAuthError(w, r, oautherr.Server("response encoding failed", err))
		return
	}
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write success failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

// writeJWT sends a signed token as the whole response body.
func (h *Handler) writeJWT(w http.ResponseWriter, r *http.Request, token string) {
	w.Header().Set(headerContentType, contentTypeJWT)
	w.Header().Set(headerCacheControl, "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(token)); err != nil {
		h.logger.Warn("write token failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

// hubFor returns the request hub set by sentryhttp, or the global one.
func hubFor(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

// captureServerError reports a server_error to Sentry when a client is bound.
func captureServerError(r *http.Request, oe *oautherr.Error) {
	hub := hubFor(r.Context())
	if hub.Client() == nil {
		return
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(r)
		scope.SetTag("oauth.error", oe.Code)
		scope.SetExtra("error_description", oe.Description)
		if id := correlationIDFrom(r.Context()); id != "" {
			scope.SetTag("http.correlation_id", id)
		}
		hub.CaptureException(oe)
	})
}
