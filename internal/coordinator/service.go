// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

// Package coordinator enforces that each school has at most one active
// coordinator.
//
// Activation clears every coordinator flag in the school and sets the
// target's in one SERIALIZABLE transaction on the signed-in session's
// connection. Concurrent activations in the same school conflict; the
// loser is retried with backoff. A partial unique index in the schema
// backs the invariant if a write ever bypasses this service.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/rollcall/rollcall/internal/auth"
	"github.com/rollcall/rollcall/internal/auth/postgres"
	"github.com/rollcall/rollcall/internal/session"
)

// Operation label values.
const (
	OperationActivate   = "activate"
	OperationDeactivate = "deactivate"
)

// Config tunes activation.
type Config struct {
	// ActivationTimeout bounds an activation including retries.
	ActivationTimeout time.Duration
	// MaxRetries is how many times a conflicting transaction is retried.
	MaxRetries uint64
	// RetryBase is the first backoff delay; later delays double.
	RetryBase time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ActivationTimeout: 5 * time.Second,
		MaxRetries:        5,
		RetryBase:         20 * time.Millisecond,
	}
}

// Service changes coordinator activation for the signed-in user's school.
type Service struct {
	cfg      Config
	registry *session.Registry
	creds    *postgres.CredentialRepository
	logger   *slog.Logger
}

// NewService creates a Service. Zero fields of cfg take their
// DefaultConfig values.
func NewService(cfg Config, registry *session.Registry, creds *postgres.CredentialRepository, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.ActivationTimeout <= 0 {
		cfg.ActivationTimeout = def.ActivationTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if creds == nil {
		creds = postgres.NewCredentialRepository()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, registry: registry, creds: creds, logger: logger}
}

var serializable = pgx.TxOptions{IsoLevel: pgx.Serializable}

// Activate makes userID the only active coordinator of schoolID. The caller
// must be a coordinator signed in to schoolID.
func (s *Service) Activate(ctx context.Context, schoolID string, userID ulid.ULID) error {
	sess, err := s.authorize(schoolID, OperationActivate)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ActivationTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(s.cfg.MaxRetries, retry.NewExponential(s.cfg.RetryBase))
	attempts := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			ActivationRetries.Inc()
		}
		err := sess.InTx(ctx, serializable, func(ctx context.Context, tx session.Querier) error {
			cleared, err := s.creds.DeactivateCoordinators(ctx, tx, schoolID)
			if err != nil {
				return err
			}
			s.logger.DebugContext(ctx, "coordinator flags cleared", "school_id", schoolID, "rows", cleared)
			return s.creds.MarkActiveCoordinator(ctx, tx, schoolID, userID)
		})
		if isConflict(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return s.activationError(ctx, OperationActivate, schoolID, userID, attempts, err)
	}

	sess.RefreshCoordinatorFlag(userID == sess.UserID())
	RecordActivation(OperationActivate, StatusSuccess)
	s.logger.InfoContext(ctx, "coordinator activated",
		"school_id", schoolID,
		"user_id", userID.String(),
		"by", sess.UserID().String(),
		"attempts", attempts)
	return nil
}

// Deactivate clears userID's coordinator flag in the signed-in school.
func (s *Service) Deactivate(ctx context.Context, userID ulid.ULID) error {
	sess := s.registry.Current()
	if sess == nil {
		RecordActivation(OperationDeactivate, StatusNoSession)
		return errNoSession()
	}
	if _, err := s.authorize(sess.SchoolID(), OperationDeactivate); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ActivationTimeout)
	defer cancel()

	err := sess.Do(ctx, func(ctx context.Context, q session.Querier) error {
		return s.creds.ClearActiveCoordinator(ctx, q, sess.SchoolID(), userID)
	})
	if err != nil {
		return s.activationError(ctx, OperationDeactivate, sess.SchoolID(), userID, 1, err)
	}

	if userID == sess.UserID() {
		sess.RefreshCoordinatorFlag(false)
	}
	RecordActivation(OperationDeactivate, StatusSuccess)
	s.logger.InfoContext(ctx, "coordinator deactivated",
		"school_id", sess.SchoolID(),
		"user_id", userID.String(),
		"by", sess.UserID().String())
	return nil
}

// List returns the coordinators of the signed-in school and refreshes the
// session's cached flag from the result.
func (s *Service) List(ctx context.Context) ([]*auth.Credential, error) {
	sess := s.registry.Current()
	if sess == nil {
		return nil, errNoSession()
	}

	var coords []*auth.Credential
	err := sess.Do(ctx, func(ctx context.Context, q session.Querier) error {
		c, err := s.creds.ListCoordinators(ctx, q, sess.SchoolID())
		if err != nil {
			return err
		}
		coords = c
		return nil
	})
	if err != nil {
		return nil, oops.Code("COORDINATOR_LIST_FAILED").With("school_id", sess.SchoolID()).Wrap(err)
	}

	for _, c := range coords {
		if c.ID == sess.UserID() {
			sess.RefreshCoordinatorFlag(c.ActiveCoordinator)
		}
	}
	return coords, nil
}

func (s *Service) authorize(schoolID, operation string) (*session.TenantSession, error) {
	sess := s.registry.Current()
	if sess == nil {
		RecordActivation(operation, StatusNoSession)
		return nil, errNoSession()
	}
	if sess.SchoolID() != schoolID {
		RecordActivation(operation, StatusCrossTenant)
		return nil, oops.Code("COORDINATOR_CROSS_TENANT").
			With("school_id", schoolID).
			With("session_school_id", sess.SchoolID()).
			Errorf("cannot change coordinators of another school")
	}
	if !sess.IsCoordinator() {
		RecordActivation(operation, StatusForbidden)
		return nil, oops.Code("COORDINATOR_FORBIDDEN").
			With("user_id", sess.UserID().String()).
			Errorf("only coordinators can change coordinator activation")
	}
	return sess, nil
}

// activationError records the outcome and maps err to a coded error. Codes
// are attached to fresh errors so they are not shadowed by codes deeper in
// the chain.
func (s *Service) activationError(ctx context.Context, operation, schoolID string, userID ulid.ULID, attempts int, err error) error {
	base := oops.With("school_id", schoolID).With("user_id", userID.String()).With("attempts", attempts)

	switch {
	case errors.Is(err, auth.ErrNotFound):
		RecordActivation(operation, StatusNotFound)
		return base.Code("COORDINATOR_NOT_FOUND").Errorf("no coordinator %s in this school", userID)
	case isTimeout(ctx, err):
		RecordActivation(operation, StatusTimeout)
		return base.Code("COORDINATOR_TIMEOUT").With("cause", err.Error()).Errorf("%s timed out", operation)
	case isConflict(err):
		RecordActivation(operation, StatusConflict)
		return base.Code("COORDINATOR_CONFLICT").With("cause", err.Error()).
			Errorf("%s kept conflicting with concurrent changes", operation)
	default:
		RecordActivation(operation, StatusError)
		s.logger.ErrorContext(ctx, "coordinator change failed", "operation", operation, "error", err)
		return base.Code("COORDINATOR_FAILED").With("cause", err.Error()).Errorf("%s failed", operation)
	}
}

func errNoSession() error {
	return oops.Code("COORDINATOR_NO_SESSION").Errorf("nobody is signed in")
}

// isConflict reports errors that a retry of the whole transaction can fix.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.UniqueViolation:
		return true
	default:
		return false
	}
}

func isTimeout(ctx context.Context, err error) bool {
	var pgErr *pgconn.PgError
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		pgconn.Timeout(err) ||
		(errors.As(err, &pgErr) && pgErr.Code == pgerrcode.QueryCanceled)
}
