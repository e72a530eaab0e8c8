// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package auth

import (
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Role is the account's position within a school.
type Role string

// Known roles.
const (
	RoleCoordinator Role = "coordinator"
	RoleTeacher     Role = "teacher"
	RoleStaff       Role = "staff"
)

// ParseRole converts a stored role string into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleCoordinator, RoleTeacher, RoleStaff:
		return r, nil
	default:
		return "", oops.Code("AUTH_INVALID_ROLE").With("role", s).Errorf("unknown role %q", s)
	}
}

// Username validation constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 64
)

// usernameRegex matches normalized usernames: a leading letter followed by
// letters, digits, dots, dashes or underscores.
var usernameRegex = regexp.MustCompile(`^[a-z][a-z0-9._-]*$`)

// Credential is the account record used for sign-in.
type Credential struct {
	ID                ulid.ULID
	SchoolID          string // empty when the account is not bound to a school
	Username          string
	Email             string
	PasswordHash      string // empty when the stored hash is missing
	Role              Role
	Active            bool
	ActiveCoordinator bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsCoordinator reports whether the account holds the coordinator role.
func (c *Credential) IsCoordinator() bool {
	return c.Role == RoleCoordinator
}

// NormalizeUsername trims and lower-cases a submitted username. Every lookup
// and every stored login-lookup flag uses this form.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateUsername validates a username after normalization.
func ValidateUsername(username string) error {
	u := NormalizeUsername(username)
	if u == "" {
		return oops.Code("AUTH_INVALID_USERNAME").Errorf("username cannot be empty")
	}
	if len(u) < MinUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("min", MinUsernameLength).
			Errorf("username must be at least %d characters", MinUsernameLength)
	}
	if len(u) > MaxUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("max", MaxUsernameLength).
			Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	if !usernameRegex.MatchString(u) {
		return oops.Code("AUTH_INVALID_USERNAME").
			Errorf("username must start with a letter and contain only letters, numbers, dots, dashes and underscores")
	}
	return nil
}

// MinPasswordLength is the shortest password accepted when one is set.
const MinPasswordLength = 8

// ValidatePassword checks a new password before it is hashed. Sign-in never
// applies it: existing passwords are only verified.
func ValidatePassword(password string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	if len([]rune(password)) < MinPasswordLength {
		return oops.Code("AUTH_WEAK_PASSWORD").
			With("min", MinPasswordLength).
			Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}
