// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package session

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// IsFatal reports whether err means the connection can no longer be used:
// connection exceptions, administrator shutdown, revoked authorization or
// a closed socket. Statement timeouts and cancellations are not fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.QueryCanceled:
			return false
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code),
			pgerrcode.IsInvalidAuthorizationSpecification(pgErr.Code):
			return true
		default:
			return false
		}
	}

	if pgconn.Timeout(err) {
		return false
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return strings.Contains(err.Error(), "conn closed")
}
