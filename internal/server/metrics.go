// Package server contains HTTP handlers for the wallet provider.
// This file implements Prometheus metrics exposure endpoints.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for wallet provider operations
var (
	// Counter for nonces served by /nonce
	nonceIssuanceCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_nonces_issued_total",
			Help: "Total number of nonces handed to wallets.",
		},
	)

	// Counter for wallet attestation requests
	attestationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_attestations_total",
			Help: "Total number of /token exchanges, by result.",
		},
		[]string{"result"}, // success or the OAuth error code
	)

	// Counter for /configuration and /update requests
	configurationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_configurations_total",
			Help: "Total number of configuration exchanges, by endpoint and result.",
		},
		[]string{"endpoint", "result"}, // configuration or update; success or the OAuth error code
	)

	// Counter for users presenting an attestation other than the bound one
	bindingConflictCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_binding_conflicts_total",
			Help: "Total number of users seen registering a second wallet attestation.",
		},
	)
)

// metricsHandler exposes Prometheus metrics through the main HTTP server.
func (h *Handler) metricsHandler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// NewMetricsHandler serves metrics on the dedicated metrics listener.
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}

// incrementNonceIssuance records a nonce handed to a wallet.
func incrementNonceIssuance() {
	nonceIssuanceCount.Inc()
}

// incrementAttestation records the outcome of a /token exchange.
func incrementAttestation(result string) {
	attestationCount.WithLabelValues(result).Inc()
}

// incrementConfiguration records the outcome of a configuration exchange.
func incrementConfiguration(endpoint, result string) {
	configurationCount.WithLabelValues(endpoint, result).Inc()
}

// incrementBindingConflict records a detected binding conflict, whether or not
// policy rejected it.
func incrementBindingConflict() {
	bindingConflictCount.Inc()
}
