// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

// Package signin turns submitted credentials into a tenant-pinned session
// and runs the password-reset flow.
//
// A sign-in uses two connections. The credential lookup runs in a
// read-only transaction on a pooled connection with the login-lookup flag
// set for exactly one query. Only after the password checks out is a second,
// dedicated connection opened, pinned to the account's school and handed to
// the session registry. Every failure rolls back the lookup transaction and
// closes the dedicated connection if one was opened.
package signin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/rollcall/rollcall/internal/auth"
	"github.com/rollcall/rollcall/internal/auth/postgres"
	"github.com/rollcall/rollcall/internal/logging"
	"github.com/rollcall/rollcall/internal/rls"
	"github.com/rollcall/rollcall/internal/session"
	"github.com/rollcall/rollcall/pkg/errutil"
)

// Pool begins transactions on pooled connections. *pgxpool.Pool satisfies it.
type Pool interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Config holds sign-in timing settings.
type Config struct {
	// LoginTimeout bounds the whole attempt, lookup through pinning.
	LoginTimeout time.Duration
	// ResetTokenTTL is how long an issued reset link stays valid.
	ResetTokenTTL time.Duration
}

// Deps are the collaborators of a Service.
type Deps struct {
	Pool        Pool
	Connector   session.Connector
	Registry    *session.Registry
	Credentials *postgres.CredentialRepository
	Hasher      auth.PasswordHasher
	Notifier    Notifier
	Logger      *slog.Logger
}

// Service authenticates users and manages password resets.
type Service struct {
	cfg       Config
	pool      Pool
	connector session.Connector
	registry  *session.Registry
	creds     *postgres.CredentialRepository
	hasher    auth.PasswordHasher
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time

	// dummyHash is verified against when no usable account exists so
	// unknown usernames take as long as wrong passwords.
	dummyHash string
}

// NewService creates a Service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Pool == nil:
		return nil, oops.Code("SIGNIN_INVALID_CONFIG").Errorf("pool is required")
	case deps.Connector == nil:
		return nil, oops.Code("SIGNIN_INVALID_CONFIG").Errorf("connector is required")
	case deps.Registry == nil:
		return nil, oops.Code("SIGNIN_INVALID_CONFIG").Errorf("registry is required")
	case deps.Hasher == nil:
		return nil, oops.Code("SIGNIN_INVALID_CONFIG").Errorf("hasher is required")
	}
	if cfg.LoginTimeout <= 0 {
		return nil, oops.Code("SIGNIN_INVALID_CONFIG").Errorf("login timeout must be positive")
	}
	if cfg.ResetTokenTTL <= 0 {
		cfg.ResetTokenTTL = auth.ResetTokenExpiry
	}

	creds := deps.Credentials
	if creds == nil {
		creds = postgres.NewCredentialRepository()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dummyHash, err := newDummyHash(deps.Hasher)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		pool:      deps.Pool,
		connector: deps.Connector,
		registry:  deps.Registry,
		creds:     creds,
		hasher:    deps.Hasher,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
		dummyHash: dummyHash,
	}, nil
}

// newDummyHash hashes a random secret with the configured parameters, so
// verifying against it costs the same as verifying a real password.
func newDummyHash(hasher auth.PasswordHasher) (string, error) {
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return "", oops.Code("SIGNIN_INVALID_CONFIG").With("operation", "generate dummy secret").Wrap(err)
	}
	hash, err := hasher.Hash(hex.EncodeToString(secret))
	if err != nil {
		return "", oops.Code("SIGNIN_INVALID_CONFIG").With("operation", "hash dummy secret").Wrap(err)
	}
	return hash, nil
}

// Registry returns the session registry the service signs users into.
func (s *Service) Registry() *session.Registry {
	return s.registry
}

// attempt tracks one pass through the state machine.
type attempt struct {
	id     ulid.ULID
	state  State
	logger *slog.Logger
	ctx    context.Context //nolint:containedctx // carries log attrs for the attempt's lifetime
}

func (a *attempt) advance(next State) {
	a.logger.DebugContext(a.ctx, "sign-in state", "from", a.state.String(), "to", next.String())
	a.state = next
}

// fail ends the attempt. The failure keeps the last state reached.
func (a *attempt) fail(reason Reason, err error) *Failure {
	f := &Failure{Reason: reason, State: a.state, Err: err}
	a.logger.DebugContext(a.ctx, "sign-in state", "from", a.state.String(), "to", StateFailed.String(),
		"reason", reason.String())
	a.state = StateFailed
	return f
}

// Authenticate runs the sign-in state machine. On success the returned
// session is registered and owns a connection pinned to the account's
// school. Failures are *Failure values.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*session.TenantSession, error) {
	start := time.Now()
	a := &attempt{id: ulid.Make(), state: StateUnauthenticated, logger: s.logger}
	ctx = logging.WithAttrs(ctx, slog.String("attempt_id", a.id.String()))
	a.ctx = ctx

	sess, err := s.authenticate(ctx, a, username, password)

	outcome := OutcomeSuccess
	var f *Failure
	if errors.As(err, &f) {
		outcome = f.Reason.String()
	}
	RecordLoginAttempt(outcome, time.Since(start))
	return sess, err
}

func (s *Service) authenticate(ctx context.Context, a *attempt, username, password string) (*session.TenantSession, error) {
	if s.registry.Active() {
		return nil, a.fail(ReasonAlreadyActive, oops.Code("SESSION_ALREADY_ACTIVE").Errorf("a session is already active"))
	}
	a.advance(StateCredentialsSubmitted)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.LoginTimeout)
	defer cancel()

	normalized := auth.NormalizeUsername(username)
	if normalized == "" {
		s.equalizeTiming(password)
		return nil, a.fail(ReasonNotFound, oops.Errorf("empty username"))
	}

	cred, err := s.verifyCredentials(ctx, a, normalized, password)
	if err != nil {
		return nil, err
	}

	if cred.SchoolID == "" {
		return nil, a.fail(ReasonNoTenant, oops.With("user_id", cred.ID.String()).Errorf("account has no school"))
	}

	return s.openSession(ctx, a, cred)
}

// verifyCredentials runs steps up to PasswordVerified on a pooled,
// read-only transaction and commits it.
func (s *Service) verifyCredentials(ctx context.Context, a *attempt, username, password string) (*auth.Credential, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, a.fail(classify(ctx, err), oops.With("operation", "begin lookup transaction").Wrap(err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // rollback after commit is a no-op

	var cred *auth.Credential
	err = rls.WithLoginBypass(ctx, tx, username, func(ctx context.Context) error {
		a.advance(StateBypassEnabled)
		c, err := s.creds.FindForLogin(ctx, tx, username)
		if err != nil {
			return err
		}
		cred = c
		return nil
	})
	switch {
	case errors.Is(err, auth.ErrNotFound):
		s.equalizeTiming(password)
		return nil, a.fail(ReasonNotFound, err)
	case errutil.HasCode(err, "AUTH_INVALID_ROLE"):
		s.logCorrupt(ctx, a, "", err)
		return nil, a.fail(ReasonCorruptAccount, err)
	case err != nil:
		return nil, a.fail(classify(ctx, err), err)
	}
	a.advance(StateRowFetched)

	if !cred.Active {
		s.equalizeTiming(password)
		return nil, a.fail(ReasonInactive, oops.With("user_id", cred.ID.String()).Errorf("account is inactive"))
	}
	if cred.PasswordHash == "" {
		err := oops.With("user_id", cred.ID.String()).Errorf("account has no password hash")
		s.logCorrupt(ctx, a, cred.ID.String(), err)
		return nil, a.fail(ReasonCorruptAccount, err)
	}
	a.advance(StateAccountChecked)

	ok, err := s.hasher.Verify(password, cred.PasswordHash)
	if err != nil {
		s.logCorrupt(ctx, a, cred.ID.String(), err)
		return nil, a.fail(ReasonCorruptAccount, err)
	}
	if !ok {
		return nil, a.fail(ReasonBadPassword, oops.With("user_id", cred.ID.String()).Errorf("password mismatch"))
	}
	a.advance(StatePasswordVerified)

	if err := tx.Commit(ctx); err != nil {
		return nil, a.fail(classify(ctx, err), oops.With("operation", "commit lookup transaction").Wrap(err))
	}
	return cred, nil
}

// openSession opens the dedicated connection, pins it and registers the
// session. The connection is closed on every failure path.
func (s *Service) openSession(ctx context.Context, a *attempt, cred *auth.Credential) (*session.TenantSession, error) {
	conn, err := s.connector.Connect(ctx)
	if err != nil {
		return nil, a.fail(classify(ctx, err), err)
	}

	if err := rls.PinTenant(ctx, conn, cred.SchoolID); err != nil {
		s.closeConn(ctx, conn)
		return nil, a.fail(classify(ctx, err), err)
	}
	a.advance(StateTenantPinned)

	sess, err := s.registry.Create(session.Identity{
		UserID:            cred.ID,
		Username:          cred.Username,
		SchoolID:          cred.SchoolID,
		Role:              cred.Role,
		ActiveCoordinator: cred.ActiveCoordinator,
	}, conn)
	if err != nil {
		s.closeConn(ctx, conn)
		if errutil.HasCode(err, "SESSION_ALREADY_ACTIVE") {
			return nil, a.fail(ReasonAlreadyActive, err)
		}
		return nil, a.fail(ReasonInternal, err)
	}
	a.advance(StateSessionActive)

	s.logger.InfoContext(ctx, "signed in",
		"user_id", cred.ID.String(),
		"school_id", cred.SchoolID,
		"session_id", sess.ID().String())
	return sess, nil
}

func (s *Service) equalizeTiming(password string) {
	_, _ = s.hasher.Verify(password, s.dummyHash) //nolint:errcheck // only the elapsed time matters
}

func (s *Service) logCorrupt(ctx context.Context, a *attempt, userID string, err error) {
	errutil.LogErrorContext(ctx, s.logger.With("user_id", userID, "state", a.state.String()),
		"account record is unusable", err)
}

func (s *Service) closeConn(ctx context.Context, conn session.Conn) {
	if err := conn.Close(context.WithoutCancel(ctx)); err != nil {
		s.logger.WarnContext(ctx, "close dedicated connection", "error", err)
	}
}

// Login is the boundary the user interface calls. It returns nil or a
// *LoginError; failure detail goes to the log.
func (s *Service) Login(ctx context.Context, username, password string) error {
	_, err := s.Authenticate(ctx, username, password)
	if err == nil {
		return nil
	}

	var f *Failure
	if !errors.As(err, &f) {
		errutil.LogErrorContext(ctx, s.logger, "sign-in failed", err)
		return ErrUnavailable
	}

	kind := kindFor(f.Reason)
	switch kind {
	case InvalidCredentials, AlreadySignedIn:
		s.logger.InfoContext(ctx, "sign-in rejected",
			"reason", f.Reason.String(),
			"state", f.State.String())
	default:
		errutil.LogErrorContext(ctx, s.logger.With("reason", f.Reason.String(), "state", f.State.String()),
			"sign-in failed", f.Err)
	}
	return &LoginError{Kind: kind}
}

// Logout destroys the current session. It is a no-op when nobody is signed
// in.
func (s *Service) Logout(ctx context.Context) error {
	return s.registry.Destroy(ctx)
}
