// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

// Package session holds the signed-in user's tenant-pinned database
// connection.
//
// A TenantSession owns one dedicated connection whose app.school_id setting
// was pinned at sign-in. All business statements go through Do or InTx,
// which serialize access, refuse statements that would change session
// settings and read the pin back after the work. The Registry holds at
// most one session per process.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/rollcall/rollcall/internal/auth"
	"github.com/rollcall/rollcall/internal/rls"
)

// Identity is the authenticated user a session acts for.
type Identity struct {
	UserID            ulid.ULID
	Username          string
	SchoolID          string
	Role              auth.Role
	ActiveCoordinator bool
}

// TenantSession is a signed-in user's pinned connection plus identity.
// The identity and tenant never change after construction.
type TenantSession struct {
	id        ulid.ULID
	identity  Identity
	createdAt time.Time

	activeCoordinator atomic.Bool

	mu      sync.Mutex
	conn    Conn
	closed  bool
	onFatal func(*TenantSession)
}

func newTenantSession(identity Identity, conn Conn, onFatal func(*TenantSession)) *TenantSession {
	s := &TenantSession{
		id:        ulid.Make(),
		identity:  identity,
		createdAt: time.Now(),
		conn:      conn,
		onFatal:   onFatal,
	}
	s.activeCoordinator.Store(identity.ActiveCoordinator)
	return s
}

// ID returns the session id.
func (s *TenantSession) ID() ulid.ULID { return s.id }

// UserID returns the signed-in account id.
func (s *TenantSession) UserID() ulid.ULID { return s.identity.UserID }

// Username returns the account's username as stored.
func (s *TenantSession) Username() string { return s.identity.Username }

// SchoolID returns the tenant the connection is pinned to.
func (s *TenantSession) SchoolID() string { return s.identity.SchoolID }

// Role returns the account's role.
func (s *TenantSession) Role() auth.Role { return s.identity.Role }

// CreatedAt returns when the session was established.
func (s *TenantSession) CreatedAt() time.Time { return s.createdAt }

// IsCoordinator reports whether the user holds the coordinator role.
func (s *TenantSession) IsCoordinator() bool { return s.identity.Role == auth.RoleCoordinator }

// IsTeacher reports whether the user holds the teacher role.
func (s *TenantSession) IsTeacher() bool { return s.identity.Role == auth.RoleTeacher }

// IsActiveCoordinator reports the cached coordinator activation flag.
func (s *TenantSession) IsActiveCoordinator() bool {
	return s.IsCoordinator() && s.activeCoordinator.Load()
}

// RefreshCoordinatorFlag replaces the cached coordinator activation flag.
func (s *TenantSession) RefreshCoordinatorFlag(active bool) {
	s.activeCoordinator.Store(active)
}

// Closed reports whether the session's connection has been released.
func (s *TenantSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// pinCheckTimeout bounds the tenant read-back after a unit of work. It runs
// without the caller's deadline, which may already have passed.
const pinCheckTimeout = 5 * time.Second

// Do runs fn with exclusive use of the session connection. When fn sent any
// statement, the tenant pin is read back afterwards; a changed pin destroys
// the session.
func (s *TenantSession) Do(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	return s.run(ctx, func(conn Conn, sent *bool) error {
		return fn(ctx, guardedQuerier{q: conn, sent: sent})
	})
}

// InTx runs fn inside a transaction on the session connection. The
// transaction commits when fn returns nil and rolls back otherwise. The pin
// is checked once the transaction has ended.
func (s *TenantSession) InTx(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context, tx Querier) error) error {
	return s.run(ctx, func(conn Conn, sent *bool) error {
		tx, err := conn.BeginTx(ctx, opts)
		if err != nil {
			return oops.Code("SESSION_TX_BEGIN_FAILED").Wrap(err)
		}
		// Rollback runs without the caller's deadline so a timed-out
		// transaction still ends cleanly. Rollback after commit is a no-op.
		defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // see above

		if err := fn(ctx, guardedQuerier{q: tx, sent: sent}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return oops.With("operation", "commit session transaction").Wrap(err)
		}
		return nil
	})
}

// run executes work under the session lock and verifies the pin when work
// reached the connection.
func (s *TenantSession) run(ctx context.Context, work func(conn Conn, sent *bool) error) error {
	err := s.withConn(func(conn Conn) error {
		sent := false
		err := work(conn, &sent)
		if !sent || IsFatal(err) {
			return err
		}

		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pinCheckTimeout)
		defer cancel()
		if pinErr := s.verifyPin(checkCtx, conn); pinErr != nil {
			return pinErr
		}
		return err
	})
	if isPinLost(err) {
		s.fatal()
		return err
	}
	s.checkFatal(err)
	return err
}

// Ping checks the connection and that the tenant pin is still in place.
// A lost pin is treated like a dead connection.
func (s *TenantSession) Ping(ctx context.Context) error {
	err := s.withConn(func(conn Conn) error {
		if err := conn.Ping(ctx); err != nil {
			return oops.With("operation", "ping session connection").Wrap(err)
		}
		return s.verifyPin(ctx, conn)
	})
	if isPinLost(err) {
		s.fatal()
		return err
	}
	s.checkFatal(err)
	return err
}

// verifyPin reads the tenant setting back. A failed read of a live
// connection counts as a lost pin, since the tenant can no longer be shown.
func (s *TenantSession) verifyPin(ctx context.Context, conn Conn) error {
	tenant, err := rls.CurrentTenant(ctx, conn)
	if err != nil {
		if IsFatal(err) {
			return err
		}
		return oops.Code("SESSION_PIN_LOST").
			With("school_id", s.identity.SchoolID).
			Wrapf(err, "verify session tenant pin")
	}
	if tenant != s.identity.SchoolID {
		return oops.Code("SESSION_PIN_LOST").
			With("school_id", s.identity.SchoolID).
			With("got", tenant).
			Errorf("session tenant pin changed")
	}
	return nil
}

func isPinLost(err error) bool {
	oopsErr, ok := oops.AsOops(err)
	return ok && oopsErr.Code() == "SESSION_PIN_LOST"
}

func (s *TenantSession) withConn(fn func(conn Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oops.Code("SESSION_CLOSED").
			With("session_id", s.id.String()).
			Errorf("session is closed")
	}
	return fn(s.conn)
}

// checkFatal hands the session to onFatal when err means the connection is
// gone. It runs after the session lock is released.
func (s *TenantSession) checkFatal(err error) {
	if IsFatal(err) {
		s.fatal()
	}
}

func (s *TenantSession) fatal() {
	if s.onFatal != nil {
		s.onFatal(s)
	}
}

// close releases the connection. Later calls are no-ops.
func (s *TenantSession) close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Close(ctx); err != nil {
		return oops.With("operation", "close session connection").
			With("session_id", s.id.String()).
			Wrap(err)
	}
	return nil
}
