// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package signin

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/rollcall/rollcall/internal/auth"
	"github.com/rollcall/rollcall/internal/rls"
	"github.com/rollcall/rollcall/pkg/errutil"
)

// ResetNotice is what a Notifier delivers to the account holder.
type ResetNotice struct {
	Email     string
	Username  string
	Token     string
	ExpiresAt time.Time
}

// Notifier delivers password-reset links.
type Notifier interface {
	NotifyPasswordReset(ctx context.Context, notice ResetNotice) error
}

// NopNotifier discards notices.
type NopNotifier struct{}

// NotifyPasswordReset implements Notifier.
func (NopNotifier) NotifyPasswordReset(context.Context, ResetNotice) error { return nil }

// RequestPasswordReset issues a reset token for the account with email and
// hands it to the notifier. Unknown, inactive and unassigned accounts get
// the same nil result and no token, so callers cannot probe for accounts.
// Errors are *ResetError values; the detail is logged.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = auth.NormalizeEmail(email)
	if email == "" {
		RecordResetRequest(OutcomeInvalid)
		return &ResetError{Kind: ResetInvalidEmail}
	}

	notice, outcome, err := s.issueResetToken(ctx, email)
	RecordResetRequest(outcome)
	if err != nil {
		errutil.LogErrorContext(ctx, s.logger, "password reset request failed", err)
		return &ResetError{Kind: ResetUnavailable}
	}
	if notice == nil {
		s.logger.InfoContext(ctx, "password reset requested for ineligible address", "outcome", outcome)
		return nil
	}

	// The token is already committed; a lost mail only means the user asks
	// again.
	if err := s.notifier.NotifyPasswordReset(ctx, *notice); err != nil {
		errutil.LogErrorContext(ctx, s.logger, "deliver password reset", err)
	}
	return nil
}

func (s *Service) issueResetToken(ctx context.Context, email string) (*ResetNotice, string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, OutcomeError, oops.Code("RESET_REQUEST_FAILED").With("operation", "begin").Wrap(err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // rollback after commit is a no-op

	var cred *auth.Credential
	err = rls.WithResetBypass(ctx, tx, func(ctx context.Context) error {
		c, err := s.creds.FindByEmail(ctx, tx, email)
		if err != nil {
			return err
		}
		cred = c
		return nil
	})
	if errors.Is(err, auth.ErrNotFound) {
		return nil, OutcomeUnknown, nil
	}
	if err != nil {
		return nil, OutcomeError, oops.Code("RESET_REQUEST_FAILED").With("operation", "lookup").Wrap(err)
	}
	if !cred.Active || cred.SchoolID == "" {
		return nil, OutcomeIneligible, nil
	}

	token, tokenHash, err := auth.GenerateResetToken()
	if err != nil {
		return nil, OutcomeError, err
	}
	expiresAt := s.now().Add(s.cfg.ResetTokenTTL)

	if err := rls.ScopeTransaction(ctx, tx, cred.SchoolID); err != nil {
		return nil, OutcomeError, err
	}
	if err := s.creds.SetResetToken(ctx, tx, cred.ID, tokenHash, expiresAt); err != nil {
		return nil, OutcomeError, oops.Code("RESET_REQUEST_FAILED").With("operation", "store token").Wrap(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, OutcomeError, oops.Code("RESET_REQUEST_FAILED").With("operation", "commit").Wrap(err)
	}

	s.logger.InfoContext(ctx, "password reset issued",
		slog.String("user_id", cred.ID.String()),
		slog.String("school_id", cred.SchoolID),
		slog.Time("expires_at", expiresAt))

	return &ResetNotice{
		Email:     cred.Email,
		Username:  cred.Username,
		Token:     token,
		ExpiresAt: expiresAt,
	}, OutcomeIssued, nil
}

// CompletePasswordReset consumes a reset token and stores newPassword. An
// unknown, expired or already used token is ErrResetInvalidToken. Errors
// are *ResetError values; the detail is logged.
func (s *Service) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	err := s.completeReset(ctx, token, newPassword)
	switch {
	case err == nil:
		RecordResetCompletion(OutcomeSuccess)
		return nil
	case errutil.HasCode(err, "RESET_TOKEN_INVALID"):
		RecordResetCompletion(OutcomeInvalid)
		s.logger.InfoContext(ctx, "password reset rejected", "error", err.Error())
		return &ResetError{Kind: ResetInvalidToken}
	case errutil.HasCode(err, "AUTH_WEAK_PASSWORD"), errutil.HasCode(err, "AUTH_EMPTY_PASSWORD"):
		RecordResetCompletion(OutcomeInvalid)
		return &ResetError{Kind: ResetWeakPassword}
	default:
		RecordResetCompletion(OutcomeError)
		errutil.LogErrorContext(ctx, s.logger, "password reset completion failed", err)
		return &ResetError{Kind: ResetUnavailable}
	}
}

func (s *Service) completeReset(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return errInvalidToken("empty token")
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}
	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	tokenHash := auth.HashResetToken(token)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return oops.Code("RESET_COMPLETE_FAILED").With("operation", "begin").Wrap(err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // rollback after commit is a no-op

	var (
		cred      *auth.Credential
		expiresAt *time.Time
	)
	err = rls.WithResetBypass(ctx, tx, func(ctx context.Context) error {
		c, exp, err := s.creds.FindByResetTokenHash(ctx, tx, tokenHash)
		if err != nil {
			return err
		}
		cred, expiresAt = c, exp
		return nil
	})
	if errors.Is(err, auth.ErrNotFound) {
		return errInvalidToken("unknown token")
	}
	if err != nil {
		return oops.Code("RESET_COMPLETE_FAILED").With("operation", "lookup").Wrap(err)
	}
	if auth.ResetExpired(expiresAt, s.now()) {
		return errInvalidToken("expired token")
	}
	if !cred.Active || cred.SchoolID == "" {
		return errInvalidToken("account not eligible")
	}

	if err := rls.ScopeTransaction(ctx, tx, cred.SchoolID); err != nil {
		return err
	}
	err = s.creds.CompleteReset(ctx, tx, cred.ID, tokenHash, newHash)
	if errors.Is(err, auth.ErrNotFound) {
		return errInvalidToken("token already used")
	}
	if err != nil {
		return oops.Code("RESET_COMPLETE_FAILED").With("operation", "store password").Wrap(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("RESET_COMPLETE_FAILED").With("operation", "commit").Wrap(err)
	}

	s.logger.InfoContext(ctx, "password reset completed", "user_id", cred.ID.String())
	return nil
}

func errInvalidToken(why string) error {
	return oops.Code("RESET_TOKEN_INVALID").With("why", why).Errorf("reset link is invalid or has expired")
}
