// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package signin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values that are not failure reasons.
const (
	OutcomeSuccess    = "success"
	OutcomeIssued     = "issued"
	OutcomeUnknown    = "unknown"
	OutcomeIneligible = "ineligible"
	OutcomeInvalid    = "invalid"
	OutcomeError      = "error"
)

// LoginAttempts counts sign-in attempts by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var LoginAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rollcall_login_attempts_total",
		Help: "Total number of sign-in attempts",
	},
	[]string{"outcome"},
)

// LoginDuration observes how long sign-in attempts take.
var LoginDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "rollcall_login_duration_seconds",
		Help:    "Sign-in attempt duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
)

// PasswordResetRequests counts reset requests by outcome.
var PasswordResetRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rollcall_password_reset_requests_total",
		Help: "Total number of password reset requests",
	},
	[]string{"outcome"},
)

// PasswordResetCompletions counts reset completions by outcome.
var PasswordResetCompletions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rollcall_password_reset_completions_total",
		Help: "Total number of password reset completions",
	},
	[]string{"outcome"},
)

// RegisterMetrics registers sign-in metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LoginAttempts)
	reg.MustRegister(LoginDuration)
	reg.MustRegister(PasswordResetRequests)
	reg.MustRegister(PasswordResetCompletions)
}

// RecordLoginAttempt records an attempt's outcome and duration.
func RecordLoginAttempt(outcome string, duration time.Duration) {
	LoginAttempts.WithLabelValues(outcome).Inc()
	LoginDuration.Observe(duration.Seconds())
}

// RecordResetRequest increments the reset request counter.
func RecordResetRequest(outcome string) {
	PasswordResetRequests.WithLabelValues(outcome).Inc()
}

// RecordResetCompletion increments the reset completion counter.
func RecordResetCompletion(outcome string) {
	PasswordResetCompletions.WithLabelValues(outcome).Inc()
}
