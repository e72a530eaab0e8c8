// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package rls

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"
)

// TenantSetting is the configuration parameter the tenant isolation policies
// compare school_id against.
const TenantSetting = "app.school_id"

// RowQuerier runs a single-row query. *pgx.Conn, pgx.Tx and *pgxpool.Pool all
// satisfy it.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PinTenant sets the tenant for the remainder of the connection's life and
// reads the value back. It must only be called on a connection dedicated to
// one signed-in user; pooled connections would carry the pin to other
// callers.
func PinTenant(ctx context.Context, conn RowQuerier, schoolID string) error {
	if schoolID == "" {
		return oops.Code("RLS_PIN_FAILED").Errorf("school id is required")
	}

	var got string
	err := conn.QueryRow(ctx, `SELECT set_config('app.school_id', $1, false)`, schoolID).Scan(&got)
	if err != nil {
		return oops.Code("RLS_PIN_FAILED").
			With("school_id", schoolID).
			Wrap(err)
	}
	if got != schoolID {
		return oops.Code("RLS_PIN_MISMATCH").
			With("school_id", schoolID).
			With("got", got).
			Errorf("tenant pin did not take effect")
	}
	return nil
}

// ScopeTransaction sets the tenant for the current transaction only. It is
// used by writes that run on pooled connections (password reset, seeding).
func ScopeTransaction(ctx context.Context, tx Tx, schoolID string) error {
	if schoolID == "" {
		return oops.Code("RLS_SCOPE_FAILED").Errorf("school id is required")
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('app.school_id', $1, true)`, schoolID); err != nil {
		return oops.Code("RLS_SCOPE_FAILED").
			With("school_id", schoolID).
			Wrap(err)
	}
	return nil
}

// CurrentTenant returns the tenant the connection is scoped to, or "" when
// none is set.
func CurrentTenant(ctx context.Context, q RowQuerier) (string, error) {
	var v *string
	if err := q.QueryRow(ctx, `SELECT current_setting('app.school_id', true)`).Scan(&v); err != nil {
		return "", oops.With("operation", "read tenant setting").Wrap(err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}
