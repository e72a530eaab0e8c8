// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package session

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
	"github.com/samber/oops"
)

// Querier runs statements. It is what business code receives from Do and
// InTx; repository packages accept any value with the same methods.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Conn is a dedicated database connection owned by one session.
// *pgx.Conn satisfies it.
type Conn interface {
	Querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connector opens dedicated connections. Pooled connections must never be
// used for sessions: the tenant pin would follow the connection back into
// the pool.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnectorOptions tunes dedicated session connections.
type ConnectorOptions struct {
	// StatementTimeout is sent as the statement_timeout runtime parameter.
	StatementTimeout time.Duration
	// ConnectTimeout bounds dialing and the startup handshake.
	ConnectTimeout time.Duration
	// ApplicationName is reported in pg_stat_activity.
	ApplicationName string
}

// PgxConnector opens connections with pgx.ConnectConfig.
type PgxConnector struct {
	config *pgx.ConnConfig
}

// NewPgxConnector parses databaseURL and applies opts.
func NewPgxConnector(databaseURL string, opts ConnectorOptions) (*PgxConnector, error) {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, oops.Code("SESSION_CONFIG_INVALID").
			With("operation", "parse database url").
			Wrap(err)
	}

	if opts.StatementTimeout > 0 {
		cfg.RuntimeParams["statement_timeout"] = strconv.FormatInt(opts.StatementTimeout.Milliseconds(), 10)
	}
	if opts.ApplicationName != "" {
		cfg.RuntimeParams["application_name"] = opts.ApplicationName
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnectTimeout = opts.ConnectTimeout
	}

	// A cancelled context sends a cancel request instead of tearing down
	// the socket, so a timed-out statement does not cost the session its
	// connection.
	cfg.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.CancelRequestContextWatcherHandler{
			Conn:               pgConn,
			CancelRequestDelay: 0,
			DeadlineDelay:      2 * time.Second,
		}
	}

	return &PgxConnector{config: cfg}, nil
}

// Connect opens a new dedicated connection.
func (c *PgxConnector) Connect(ctx context.Context) (Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, c.config.Copy())
	if err != nil {
		return nil, oops.With("operation", "open session connection").Wrap(err)
	}
	return conn, nil
}
