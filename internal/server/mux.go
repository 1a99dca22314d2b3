// Package server contains HTTP handlers for the wallet provider.
// This file wires the routes and implements the wallet-facing endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/attestation"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/config"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/configuration"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/jose"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/nonce"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/oautherr"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/storage"
)

// contextKey is a private type for request-scoped values.
type contextKey string

const (
	contextKeyCorrelationID contextKey = "correlationId" // set by wrap

	headerContentType   = "Content-Type"
	headerCorrelationID = "X-Correlation-Id"
	headerCacheControl  = "Cache-Control"

	contentTypeJSON = "application/json"
	contentTypeJWT  = "application/jwt"
)

// Services are the protocol components the handlers drive.
type Services struct {
	Nonces        *nonce.Store
	Issuer        *attestation.Issuer
	Configuration *configuration.Service
	ServiceKey    *jose.ServiceKey
	Ready         storage.Pinger // optional; nil means always ready
}

// Handler wires the wallet provider endpoints.
type Handler struct {
	cfg    config.Config
	svc    Services
	logger *slog.Logger
	router *mux.Router
}

// New creates a Handler using the supplied dependencies.
func New(cfg config.Config, svc Services, logger *slog.Logger) (*Handler, error) {
	if svc.Nonces == nil || svc.Issuer == nil || svc.Configuration == nil || svc.ServiceKey == nil {
		return nil, errors.New("server: nonce store, issuer, configuration service and service key are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:    cfg,
		svc:    svc,
		logger: logger,
		router: mux.NewRouter(),
	}
	h.registerRoutes()
	return h, nil
}

// Router returns the routes behind the CORS policy.
func (h *Handler) Router() http.Handler {
	return h.corsMiddleware(h.router)
}

// registerRoutes sets up the routing table. Wallet endpoints go through wrap
// for correlation ids and panic recovery.
func (h *Handler) registerRoutes() {
	r := h.router
	r.Use(h.loggingMiddleware, h.timeoutMiddleware)

	// Operational endpoints
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.metricsHandler).Methods(http.MethodGet)

	// Wallet endpoints
	r.Handle("/nonce", h.wrap(h.handleNonce)).Methods(http.MethodGet)
	r.Handle("/token", h.wrap(h.handleToken)).Methods(http.MethodPost)
	r.Handle("/configuration", h.wrap(h.handleConfiguration)).Methods(http.MethodPost)
	r.Handle("/update", h.wrap(h.handleUpdate)).Methods(http.MethodPost)
	r.Handle("/wallet_api_version", h.wrap(h.handleAPIVersion)).Methods(http.MethodGet)
	r.Handle("/.well-known/did.json", h.wrap(h.wellKnownHandler)).Methods(http.MethodGet)
}

// health reports liveness only; see readyHandler for store checks.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// wrap attaches a correlation id and turns panics into a server_error
// response.
func (h *Handler) wrap(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := h.ensureCorrelationID(w, r)
		ctx := context.WithValue(r.Context(), contextKeyCorrelationID, correlationID)
		r = r.WithContext(ctx)

		// Recover from panics and answer with a structured server_error
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", "panic", rec, "correlationId", correlationID)
				hubFor(r.Context()).RecoverWithContext(r.Context(), rec)
				h.writeOAuthError(w, r, oautherr.Server("internal server error", fmt.Errorf("panic: %v", rec)))
			}
		}()

		next(w, r)
	})
}

// ensureCorrelationID echoes the caller's X-Correlation-Id or mints one.
func (h *Handler) ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, id)
	return id
}

// handleNonce serves GET /nonce. The nonce is bound to the request host and
// expires after the nonce store TTL.
func (h *Handler) handleNonce(w http.ResponseWriter, r *http.Request) {
	value, err := h.svc.Nonces.Issue(r.Context(), r.Host)
	if err != nil {
		h.writeOAuthError(w, r, oautherr.Server("nonce generation failed", err))
		return
	}
	incrementNonceIssuance()
	h.writeJSON(w, r, http.StatusOK, map[string]string{"nonce": value})
}

// handleToken serves POST /token: a form with the wallet's proof of
// possession as assertion, answered with a signed wallet attestation.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, r, oautherr.Wrap(oautherr.InvalidRequest, "assertion or grant_type missing", err))
		return
	}
	att, err := h.svc.Issuer.Issue(r.Context(), attestation.TokenRequest{
		Assertion: r.PostForm.Get("assertion"),
		GrantType: r.PostForm.Get("grant_type"),
	})
	if err != nil {
		incrementAttestation(oautherr.From(err).Code)
		h.writeOAuthError(w, r, err)
		return
	}
	incrementAttestation("success")
	h.logger.Info("wallet attestation sent", "jti", att.JTI, "sub", att.Subject, "correlationId", correlationIDFrom(r.Context()))
	h.writeJWT(w, r, att.Token)
}

// handleConfiguration serves POST /configuration.
func (h *Handler) handleConfiguration(w http.ResponseWriter, r *http.Request) {
	h.serveConfiguration(w, r, "configuration", h.svc.Configuration.Configure)
}

// handleUpdate serves POST /update.
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	h.serveConfiguration(w, r, "update", h.svc.Configuration.Update)
}

// serveConfiguration runs one configuration exchange: Basic credentials in the
// Authorization header, the wallet attestation in the assertion form field.
func (h *Handler) serveConfiguration(w http.ResponseWriter, r *http.Request, endpoint string,
	call func(context.Context, configuration.Request) (configuration.Result, error)) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, r, oautherr.Wrap(oautherr.InvalidRequest, "assertion missing", err))
		return
	}
	res, err := call(r.Context(), configuration.Request{
		Authorization: r.Header.Get("Authorization"),
		Assertion:     r.PostForm.Get("assertion"),
		CorrelationID: correlationIDFrom(r.Context()),
	})
	if err != nil {
		incrementConfiguration(endpoint, oautherr.From(err).Code)
		h.writeOAuthError(w, r, err)
		return
	}
	incrementConfiguration(endpoint, "success")
	if res.Conflict {
		incrementBindingConflict()
	}
	h.writeJWT(w, r, res.Token)
}

// handleAPIVersion serves the wallet API version as a JSON string.
func (h *Handler) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.cfg.WalletAPIVersion)
}

// correlationIDFrom returns the id set by wrap, or "" outside a wrapped handler.
func correlationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}
