// Package did resolves verification keys of decentralized identifiers.
// This file declares the resolver metrics.
package did

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter for resolver lookups, by endpoint (primary, secondary, cache) and result
var resolutions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "did_resolutions_total",
		Help: "Total number of DID resolutions, by endpoint and result.",
	},
	[]string{"endpoint", "result"},
)
