// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/rollcall/rollcall/internal/auth"
	"github.com/rollcall/rollcall/internal/auth/postgres"
	"github.com/rollcall/rollcall/internal/config"
	"github.com/rollcall/rollcall/internal/coordinator"
	"github.com/rollcall/rollcall/internal/mailer"
	"github.com/rollcall/rollcall/internal/observability"
	"github.com/rollcall/rollcall/internal/session"
	"github.com/rollcall/rollcall/internal/signin"
	"github.com/rollcall/rollcall/internal/store"
)

const shutdownTimeout = 5 * time.Second

// app holds the wired services a database-backed command needs.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	pool         *pgxpool.Pool
	registry     *session.Registry
	credentials  *postgres.CredentialRepository
	hasher       *auth.Argon2idHasher
	signin       *signin.Service
	coordinators *coordinator.Service
	metrics      *observability.Server
}

// newApp connects to the database and builds the sign-in and coordinator
// services. The caller must Close the result.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	pool, err := newPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:         cfg,
		logger:      logger,
		pool:        pool,
		registry:    session.NewRegistry(logger),
		credentials: postgres.NewCredentialRepository(),
	}

	if err := a.wire(); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

var newPool = store.NewPool

func (a *app) wire() error {
	hasher, err := auth.NewArgon2idHasher(a.cfg.Auth.Argon2)
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("operation", "build password hasher").Wrap(err)
	}
	a.hasher = hasher

	connector, err := session.NewPgxConnector(a.cfg.Database.URL, session.ConnectorOptions{
		StatementTimeout: a.cfg.Database.StatementTimeout,
		ConnectTimeout:   a.cfg.Database.ConnectTimeout,
		ApplicationName:  a.cfg.Database.ApplicationName,
	})
	if err != nil {
		return err
	}

	var notifier signin.Notifier
	if a.cfg.SMTP.Enabled() {
		notifier = mailer.New(a.cfg.SMTP, a.logger)
	} else {
		a.logger.Warn("smtp not configured, reset links will be logged")
		notifier = mailer.NewLogNotifier(a.cfg.SMTP.ResetURL, a.logger)
	}

	a.signin, err = signin.NewService(signin.Config{
		LoginTimeout:  a.cfg.Auth.LoginTimeout,
		ResetTokenTTL: a.cfg.Auth.ResetTokenTTL,
	}, signin.Deps{
		Pool:        a.pool,
		Connector:   connector,
		Registry:    a.registry,
		Credentials: a.credentials,
		Hasher:      hasher,
		Notifier:    notifier,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}

	coordCfg := coordinator.DefaultConfig()
	coordCfg.ActivationTimeout = a.cfg.Auth.ActivationTimeout
	coordCfg.MaxRetries = a.cfg.Auth.ActivationRetries
	a.coordinators = coordinator.NewService(coordCfg, a.registry, a.credentials, a.logger)
	return nil
}

// startMetrics serves /metrics and the health probes when an address is
// configured. Server errors cancel ctx through cancel.
func (a *app) startMetrics(ctx context.Context, cancel context.CancelFunc) error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}

	reg := observability.NewRegistry()
	observability.RegisterPoolMetrics(reg, a.pool)
	a.metrics = observability.NewServer(a.cfg.Metrics.Addr, reg, a.pool.Ping, a.logger)

	errCh, err := a.metrics.Start()
	if err != nil {
		a.metrics = nil
		return oops.Code("METRICS_START_FAILED").With("addr", a.cfg.Metrics.Addr).Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, errCh, a.logger)
	a.logger.Info("observability server started", "addr", a.metrics.Addr())
	return nil
}

// Close destroys any live session, stops the metrics server and closes
// the pool.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.registry.Destroy(ctx); err != nil {
		a.logger.Warn("error closing session", "error", err)
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			a.logger.Warn("error stopping observability server", "error", err)
		}
	}
	a.pool.Close()
}

// monitorServerErrors cancels ctx when the server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown", "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
