// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

// Package auth provides the credential primitives for Rollcall.
//
// # Domain Types
//
// Credential is the raw account record read during sign-in: identity, school
// (tenant) id, role, the account-active gate and the coordinator-active flag.
// The two booleans are deliberately separate: Active decides whether the
// account may authenticate at all, ActiveCoordinator is an authorization
// flag that only matters for RoleCoordinator.
//
// # Hashing
//
// PasswordHasher hashes and verifies passwords. Argon2idHasher writes PHC
// encoded argon2id strings and still verifies legacy bcrypt hashes so
// imported accounts can sign in before they are rehashed.
//
// # Reset tokens
//
// GenerateResetToken returns a plaintext token for the out-of-band link and
// the SHA-256 hash that is stored on the account row.
package auth
