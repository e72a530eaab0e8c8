// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package coordinator

import "github.com/prometheus/client_golang/prometheus"

// Status values for coordinator metrics.
const (
	StatusSuccess     = "success"
	StatusNotFound    = "not_found"
	StatusForbidden   = "forbidden"
	StatusCrossTenant = "cross_tenant"
	StatusNoSession   = "no_session"
	StatusConflict    = "conflict"
	StatusTimeout     = "timeout"
	StatusError       = "error"
)

// Activations counts coordinator activation changes.
// Use RegisterMetrics to register this with a Prometheus registry.
var Activations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rollcall_coordinator_activations_total",
		Help: "Total number of coordinator activation changes",
	},
	[]string{"operation", "status"},
)

// ActivationRetries counts transactions retried after a serialization
// conflict.
var ActivationRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "rollcall_coordinator_activation_retries_total",
		Help: "Total number of retried coordinator activation transactions",
	},
)

// RegisterMetrics registers coordinator metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Activations)
	reg.MustRegister(ActivationRetries)
}

// RecordActivation increments the activation counter.
func RecordActivation(operation, status string) {
	Activations.WithLabelValues(operation, status).Inc()
}
