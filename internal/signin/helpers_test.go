// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package signin

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/rollcall/rollcall/internal/auth"
	"github.com/rollcall/rollcall/internal/logging"
	"github.com/rollcall/rollcall/internal/session"
)

const (
	setFlagPattern   = `set_config\(\$1, \$2, true\)`
	clearFlagPattern = `set_config\(\$1, '', true\)`
	pinPattern       = `set_config\('app.school_id', \$1, false\)`
	scopePattern     = `set_config\('app.school_id', \$1, true\)`
	loginLookup      = `WHERE LOWER\(username\) = \$1`
	emailLookup      = `WHERE LOWER\(email\) = \$1`
	tokenLookup      = `WHERE reset_token_hash = \$1`
)

var (
	fastParams = auth.Argon2Params{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}
	readOnly   = pgx.TxOptions{AccessMode: pgx.ReadOnly}

	accountCols = []string{
		"id", "school_id", "username", "email", "password_hash", "role",
		"is_active", "is_active_coordinator", "created_at", "updated_at",
	}
)

type fakeConnector struct {
	mu    sync.Mutex
	conn  session.Conn
	err   error
	calls int
}

func (f *fakeConnector) Connect(context.Context) (session.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

func (f *fakeConnector) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []ResetNotice
	err     error
}

func (n *recordingNotifier) NotifyPasswordReset(_ context.Context, notice ResetNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

func (n *recordingNotifier) Notices() []ResetNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ResetNotice(nil), n.notices...)
}

type fixture struct {
	svc       *Service
	pool      pgxmock.PgxPoolIface
	conn      pgxmock.PgxConnIface
	connector *fakeConnector
	registry  *session.Registry
	hasher    *auth.Argon2idHasher
	notifier  *recordingNotifier
	logs      *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	conn, err := pgxmock.NewConn()
	require.NoError(t, err)

	hasher, err := auth.NewArgon2idHasher(fastParams)
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	logger := logging.Setup("rollcall", "test", "json", logs)
	registry := session.NewRegistry(logger)
	connector := &fakeConnector{conn: conn}
	notifier := &recordingNotifier{}

	svc, err := NewService(Config{LoginTimeout: 5 * time.Second, ResetTokenTTL: time.Hour}, Deps{
		Pool:      pool,
		Connector: connector,
		Registry:  registry,
		Hasher:    hasher,
		Notifier:  notifier,
		Logger:    logger,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.ExpectClose()
		_ = registry.Destroy(context.Background())
	})

	return &fixture{
		svc:       svc,
		pool:      pool,
		conn:      conn,
		connector: connector,
		registry:  registry,
		hasher:    hasher,
		notifier:  notifier,
		logs:      logs,
	}
}

func (f *fixture) hash(t *testing.T, password string) *string {
	t.Helper()
	h, err := f.hasher.Hash(password)
	require.NoError(t, err)
	return &h
}

type account struct {
	id                ulid.ULID
	schoolID          *string
	username          string
	email             *string
	hash              *string
	role              string
	active            bool
	activeCoordinator bool
}

func (a account) values() []any {
	now := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	return []any{
		a.id.String(), a.schoolID, a.username, a.email, a.hash, a.role,
		a.active, a.activeCoordinator, now, now,
	}
}

func (a account) rows() *pgxmock.Rows {
	return pgxmock.NewRows(accountCols).AddRow(a.values()...)
}

func strPtr(s string) *string { return &s }

// expectLoginLookup queues the lookup transaction up to the flag clear.
func expectLoginLookup(pool pgxmock.PgxPoolIface, username string, rows *pgxmock.Rows) {
	pool.ExpectBeginTx(readOnly)
	pool.ExpectExec(setFlagPattern).
		WithArgs("app.login_username", username).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	pool.ExpectQuery(loginLookup).
		WithArgs(username).
		WillReturnRows(rows)
	pool.ExpectExec(clearFlagPattern).
		WithArgs("app.login_username").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func expectPin(conn pgxmock.PgxConnIface, schoolID string) {
	conn.ExpectQuery(pinPattern).
		WithArgs(schoolID).
		WillReturnRows(pgxmock.NewRows([]string{"set_config"}).AddRow(schoolID))
}

// capture is a pgxmock argument matcher that records the value it saw.
type capture struct {
	value any
}

func (c *capture) Match(v any) bool {
	c.value = v
	return true
}
