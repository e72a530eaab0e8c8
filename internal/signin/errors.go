// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package signin

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rollcall/rollcall/internal/auth"
	"github.com/rollcall/rollcall/internal/session"
)

// LoginErrorKind is the category of sign-in error shown to the user.
type LoginErrorKind int

// Login error kinds.
const (
	InvalidCredentials LoginErrorKind = iota + 1
	Unavailable
	AlreadySignedIn
)

// LoginError is the only error Login returns. It never carries internal
// detail; that is logged instead.
type LoginError struct {
	Kind LoginErrorKind
}

func (e *LoginError) Error() string {
	switch e.Kind {
	case InvalidCredentials:
		return "invalid username or password"
	case AlreadySignedIn:
		return "a user is already signed in"
	default:
		return "sign-in is unavailable, try again later"
	}
}

// Is matches LoginErrors by kind.
func (e *LoginError) Is(target error) bool {
	t, ok := target.(*LoginError)
	return ok && t.Kind == e.Kind
}

// Sentinel values for errors.Is.
var (
	ErrInvalidCredentials = &LoginError{Kind: InvalidCredentials}
	ErrUnavailable        = &LoginError{Kind: Unavailable}
	ErrAlreadySignedIn    = &LoginError{Kind: AlreadySignedIn}
)

// ResetErrorKind is the category of password-reset error shown to the user.
type ResetErrorKind int

// Reset error kinds.
const (
	ResetInvalidEmail ResetErrorKind = iota + 1
	ResetWeakPassword
	ResetInvalidToken
	ResetUnavailable
)

// ResetError is the only error the password-reset operations return. Like
// LoginError it carries no internal detail.
type ResetError struct {
	Kind ResetErrorKind
}

func (e *ResetError) Error() string {
	switch e.Kind {
	case ResetInvalidEmail:
		return "an email address is required"
	case ResetWeakPassword:
		return fmt.Sprintf("password must be at least %d characters", auth.MinPasswordLength)
	case ResetInvalidToken:
		return "the reset link is invalid or has expired"
	default:
		return "password reset is unavailable, try again later"
	}
}

// Is matches ResetErrors by kind.
func (e *ResetError) Is(target error) bool {
	t, ok := target.(*ResetError)
	return ok && t.Kind == e.Kind
}

// Sentinel values for errors.Is.
var (
	ErrResetInvalidEmail = &ResetError{Kind: ResetInvalidEmail}
	ErrResetWeakPassword = &ResetError{Kind: ResetWeakPassword}
	ErrResetInvalidToken = &ResetError{Kind: ResetInvalidToken}
	ErrResetUnavailable  = &ResetError{Kind: ResetUnavailable}
)

// kindFor collapses reasons that must not be told apart by the user.
func kindFor(r Reason) LoginErrorKind {
	switch r {
	case ReasonNotFound, ReasonInactive, ReasonBadPassword, ReasonNoTenant:
		return InvalidCredentials
	case ReasonAlreadyActive:
		return AlreadySignedIn
	default:
		return Unavailable
	}
}

// classify maps an operational error to a failure reason.
func classify(ctx context.Context, err error) Reason {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(ctx.Err(), context.DeadlineExceeded),
		pgconn.Timeout(err):
		return ReasonTimeout
	case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.QueryCanceled:
		return ReasonTimeout
	case session.IsFatal(err):
		return ReasonConnectionLost
	default:
		return ReasonInternal
	}
}
