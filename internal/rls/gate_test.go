// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package rls_test

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall/rollcall/internal/rls"
	"github.com/rollcall/rollcall/pkg/errutil"
)

const (
	setPattern   = `set_config\(\$1, \$2, true\)`
	clearPattern = `set_config\(\$1, '', true\)`
)

func newConn(t *testing.T) pgxmock.PgxConnIface {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mock.Close(context.Background()) })
	return mock
}

func TestBypass_Setting(t *testing.T) {
	assert.Equal(t, "app.login_username", rls.LoginLookup.Setting())
	assert.Equal(t, "app.password_reset_lookup", rls.PasswordResetLookup.Setting())
	assert.Equal(t, "", rls.Bypass(0).Setting())
	assert.Equal(t, "login-lookup", rls.LoginLookup.String())
	assert.Equal(t, "password-reset-lookup", rls.PasswordResetLookup.String())
}

func TestWithLoginBypass_SetsNormalizedUsernameAndClears(t *testing.T) {
	mock := newConn(t)
	mock.ExpectExec(setPattern).
		WithArgs("app.login_username", "alice").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(clearPattern).
		WithArgs("app.login_username").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	var sawFlag rls.Bypass
	err := rls.WithLoginBypass(context.Background(), mock, "  Alice ", func(ctx context.Context) error {
		b, ok := rls.ActiveBypass(ctx)
		require.True(t, ok)
		sawFlag = b
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, rls.LoginLookup, sawFlag)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithLoginBypass_RejectsBlankUsername(t *testing.T) {
	mock := newConn(t)

	called := false
	err := rls.WithLoginBypass(context.Background(), mock, "   ", func(context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "RLS_BYPASS_INVALID")
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithResetBypass_ClearsWhenCallbackFails(t *testing.T) {
	mock := newConn(t)
	mock.ExpectExec(setPattern).
		WithArgs("app.password_reset_lookup", "on").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(clearPattern).
		WithArgs("app.password_reset_lookup").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	lookupErr := errors.New("lookup exploded")
	err := rls.WithResetBypass(context.Background(), mock, func(context.Context) error {
		return lookupErr
	})

	require.ErrorIs(t, err, lookupErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithResetBypass_ClearsWhenContextCancelled(t *testing.T) {
	mock := newConn(t)
	mock.ExpectExec(setPattern).
		WithArgs("app.password_reset_lookup", "on").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(clearPattern).
		WithArgs("app.password_reset_lookup").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	ctx, cancel := context.WithCancel(context.Background())
	err := rls.WithResetBypass(ctx, mock, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithBypass_ClearFailureAfterSuccess(t *testing.T) {
	mock := newConn(t)
	mock.ExpectExec(setPattern).
		WithArgs("app.login_username", "bob").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(clearPattern).
		WithArgs("app.login_username").
		WillReturnError(errors.New("connection reset"))

	err := rls.WithLoginBypass(context.Background(), mock, "bob", func(context.Context) error {
		return nil
	})

	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "RLS_BYPASS_CLEAR_FAILED")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithBypass_ClearFailureAfterCallbackFailureKeepsCallbackError(t *testing.T) {
	mock := newConn(t)
	mock.ExpectExec(setPattern).
		WithArgs("app.login_username", "bob").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(clearPattern).
		WithArgs("app.login_username").
		WillReturnError(errors.New("connection reset"))

	fnErr := errors.New("bad row")
	err := rls.WithLoginBypass(context.Background(), mock, "bob", func(context.Context) error {
		return fnErr
	})

	require.ErrorIs(t, err, fnErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithBypass_SetFailureSkipsCallback(t *testing.T) {
	mock := newConn(t)
	mock.ExpectExec(setPattern).
		WithArgs("app.login_username", "bob").
		WillReturnError(errors.New("permission denied"))

	called := false
	err := rls.WithLoginBypass(context.Background(), mock, "bob", func(context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "RLS_BYPASS_SET_FAILED")
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithBypass_RejectsNesting(t *testing.T) {
	mock := newConn(t)
	mock.ExpectExec(setPattern).
		WithArgs("app.login_username", "bob").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(clearPattern).
		WithArgs("app.login_username").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	var innerErr error
	err := rls.WithLoginBypass(context.Background(), mock, "bob", func(ctx context.Context) error {
		innerErr = rls.WithResetBypass(ctx, mock, func(context.Context) error { return nil })
		return innerErr
	})

	require.Error(t, err)
	errutil.AssertErrorCode(t, innerErr, "RLS_BYPASS_NESTED")
	assert.NoError(t, mock.ExpectationsWereMet())
}
