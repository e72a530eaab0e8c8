// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package session

import "github.com/prometheus/client_golang/prometheus"

// SessionsActive is the gauge of sessions holding a pinned connection.
// Use RegisterMetrics to register this with a Prometheus registry.
var SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "rollcall_sessions_active",
	Help: "Number of signed-in sessions holding a pinned connection",
})

// RegisterMetrics registers session metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(SessionsActive)
}

// RecordSessionOpened increments the active session gauge.
func RecordSessionOpened() {
	SessionsActive.Inc()
}

// RecordSessionClosed decrements the active session gauge.
func RecordSessionClosed() {
	SessionsActive.Dec()
}
