// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package rls

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

// Bypass identifies one of the transaction-scoped flags that widen row
// visibility. The set is closed; callers cannot name arbitrary settings.
type Bypass int

// Known bypass flags.
const (
	LoginLookup Bypass = iota + 1
	PasswordResetLookup
)

// Setting returns the PostgreSQL configuration parameter for the flag.
func (b Bypass) Setting() string {
	switch b {
	case LoginLookup:
		return "app.login_username"
	case PasswordResetLookup:
		return "app.password_reset_lookup"
	default:
		return ""
	}
}

func (b Bypass) String() string {
	switch b {
	case LoginLookup:
		return "login-lookup"
	case PasswordResetLookup:
		return "password-reset-lookup"
	default:
		return "unknown"
	}
}

// Tx is the subset of pgx.Tx the gate needs. Any open transaction works,
// including the one inside a session's InTx.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	setLocalSQL   = `SELECT set_config($1, $2, true)`
	clearLocalSQL = `SELECT set_config($1, '', true)`
)

type activeBypassKey struct{}

// ActiveBypass reports the bypass flag that is set for the transaction the
// context belongs to, if any.
func ActiveBypass(ctx context.Context) (Bypass, bool) {
	b, ok := ctx.Value(activeBypassKey{}).(Bypass)
	return b, ok
}

// WithLoginBypass runs fn with the login-lookup flag set to the normalized
// username. The flag is cleared before WithLoginBypass returns, whatever fn
// does.
func WithLoginBypass(ctx context.Context, tx Tx, username string, fn func(ctx context.Context) error) error {
	value := strings.ToLower(strings.TrimSpace(username))
	if value == "" {
		return oops.Code("RLS_BYPASS_INVALID").
			With("bypass", LoginLookup.String()).
			Errorf("login lookup requires a username")
	}
	return withBypass(ctx, tx, LoginLookup, value, fn)
}

// WithResetBypass runs fn with the password-reset-lookup flag turned on.
func WithResetBypass(ctx context.Context, tx Tx, fn func(ctx context.Context) error) error {
	return withBypass(ctx, tx, PasswordResetLookup, "on", fn)
}

func withBypass(ctx context.Context, tx Tx, b Bypass, value string, fn func(ctx context.Context) error) (err error) {
	if active, ok := ActiveBypass(ctx); ok {
		return oops.Code("RLS_BYPASS_NESTED").
			With("active", active.String()).
			With("requested", b.String()).
			Errorf("a bypass flag is already active in this transaction")
	}

	if _, err := tx.Exec(ctx, setLocalSQL, b.Setting(), value); err != nil {
		return oops.Code("RLS_BYPASS_SET_FAILED").
			With("bypass", b.String()).
			Wrap(err)
	}

	defer func() {
		// The clear must run even when ctx is already done, otherwise a
		// timed-out lookup would leave the flag on for the rest of the
		// transaction.
		// A failed clear after a failed fn is dropped: the caller rolls
		// back on fn's error and the rollback discards the flag.
		clearCtx := context.WithoutCancel(ctx)
		if _, clearErr := tx.Exec(clearCtx, clearLocalSQL, b.Setting()); clearErr != nil && err == nil {
			err = oops.Code("RLS_BYPASS_CLEAR_FAILED").
				With("bypass", b.String()).
				Wrap(clearErr)
		}
	}()

	return fn(context.WithValue(ctx, activeBypassKey{}, b))
}
