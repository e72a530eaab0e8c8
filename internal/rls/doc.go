// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

// Package rls manages the PostgreSQL configuration settings that the
// row-level-security policies read.
//
// Two kinds of settings exist. Bypass flags (app.login_username,
// app.password_reset_lookup) are transaction-local and widen visibility for
// exactly one lookup; they are set and cleared by WithLoginBypass and
// WithResetBypass and never outlive the callback. The tenant pin
// (app.school_id) confines every statement to one school and is either set
// for the life of a dedicated connection (PinTenant) or for a single
// transaction (ScopeTransaction).
package rls
