// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

// Package postgres provides the PostgreSQL implementation of the account
// repository.
//
// Every method takes the querier to run on. Row visibility is decided by
// the caller: a transaction with a bypass flag set for lookups during
// sign-in and reset, a tenant-scoped transaction for writes, or a session's
// pinned connection for everything else.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/rollcall/rollcall/internal/auth"
)

// Querier abstracts statement execution for pgx.Tx, *pgx.Conn,
// *pgxpool.Pool and a session's guarded connection.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const credentialColumns = `id, school_id, username, email, password_hash, role,
		       is_active, is_active_coordinator, created_at, updated_at`

// CredentialRepository reads and writes rows of the accounts table.
type CredentialRepository struct{}

// NewCredentialRepository creates a CredentialRepository.
func NewCredentialRepository() *CredentialRepository {
	return &CredentialRepository{}
}

// FindForLogin retrieves the account for a normalized username. Under the
// login-lookup policy only the row whose lower-cased username equals the
// flag is visible.
func (r *CredentialRepository) FindForLogin(ctx context.Context, q Querier, username string) (*auth.Credential, error) {
	username = auth.NormalizeUsername(username)
	row := q.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM accounts
		WHERE LOWER(username) = $1
	`, username)

	cred, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.With("username", username).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.With("operation", "find account for login").Wrap(err)
	}
	return cred, nil
}

// FindByEmail retrieves an account by email (case-insensitive).
func (r *CredentialRepository) FindByEmail(ctx context.Context, q Querier, email string) (*auth.Credential, error) {
	row := q.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM accounts
		WHERE LOWER(email) = $1
	`, auth.NormalizeEmail(email))

	cred, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.With("operation", "find account by email").Wrap(err)
	}
	return cred, nil
}

// FindByResetTokenHash retrieves the account holding a pending reset token
// along with the token's expiry.
func (r *CredentialRepository) FindByResetTokenHash(ctx context.Context, q Querier, tokenHash string) (*auth.Credential, *time.Time, error) {
	row := q.QueryRow(ctx, `
		SELECT `+credentialColumns+`, reset_expires_at
		FROM accounts
		WHERE reset_token_hash = $1
	`, tokenHash)

	var expiresAt *time.Time
	cred, err := scanCredential(row, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, oops.Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, nil, oops.With("operation", "find account by reset token").Wrap(err)
	}
	return cred, expiresAt, nil
}

// SetResetToken stores a reset token hash and its expiry, replacing any
// earlier pending reset.
func (r *CredentialRepository) SetResetToken(ctx context.Context, q Querier, id ulid.ULID, tokenHash string, expiresAt time.Time) error {
	result, err := q.Exec(ctx, `
		UPDATE accounts
		SET reset_token_hash = $2, reset_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id.String(), tokenHash, expiresAt)
	if err != nil {
		return oops.With("operation", "set reset token").With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// CompleteReset stores a new password hash and consumes the pending reset.
// The token hash is part of the filter so a token is used at most once.
func (r *CredentialRepository) CompleteReset(ctx context.Context, q Querier, id ulid.ULID, tokenHash, passwordHash string) error {
	result, err := q.Exec(ctx, `
		UPDATE accounts
		SET password_hash = $3, reset_token_hash = NULL, reset_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND reset_token_hash = $2
	`, id.String(), tokenHash, passwordHash)
	if err != nil {
		return oops.With("operation", "complete reset").With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// Create inserts a new account.
func (r *CredentialRepository) Create(ctx context.Context, q Querier, cred *auth.Credential) error {
	_, err := q.Exec(ctx, `
		INSERT INTO accounts (
			id, school_id, username, email, password_hash, role,
			is_active, is_active_coordinator, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		cred.ID.String(),
		nullable(cred.SchoolID),
		cred.Username,
		nullable(cred.Email),
		nullable(cred.PasswordHash),
		string(cred.Role),
		cred.Active,
		cred.ActiveCoordinator,
		cred.CreatedAt,
		cred.UpdatedAt,
	)
	if err != nil {
		return oops.With("operation", "insert account").With("username", cred.Username).Wrap(err)
	}
	return nil
}

// ListCoordinators returns the coordinators of a school, ordered by username.
func (r *CredentialRepository) ListCoordinators(ctx context.Context, q Querier, schoolID string) ([]*auth.Credential, error) {
	rows, err := q.Query(ctx, `
		SELECT `+credentialColumns+`
		FROM accounts
		WHERE school_id = $1 AND role = 'coordinator'
		ORDER BY username
	`, schoolID)
	if err != nil {
		return nil, oops.With("operation", "list coordinators").With("school_id", schoolID).Wrap(err)
	}
	defer rows.Close()

	var creds []*auth.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, oops.With("operation", "scan coordinator").Wrap(err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate coordinators").Wrap(err)
	}
	return creds, nil
}

// DeactivateCoordinators clears the active flag for every coordinator of a
// school and returns how many rows changed.
func (r *CredentialRepository) DeactivateCoordinators(ctx context.Context, q Querier, schoolID string) (int64, error) {
	result, err := q.Exec(ctx, `
		UPDATE accounts
		SET is_active_coordinator = FALSE, updated_at = NOW()
		WHERE school_id = $1 AND is_active_coordinator
	`, schoolID)
	if err != nil {
		return 0, oops.With("operation", "deactivate coordinators").With("school_id", schoolID).Wrap(err)
	}
	return result.RowsAffected(), nil
}

// MarkActiveCoordinator sets the active flag on one coordinator. The filter
// includes the school and the role so a caller cannot promote an account
// from another school or a non-coordinator.
func (r *CredentialRepository) MarkActiveCoordinator(ctx context.Context, q Querier, schoolID string, id ulid.ULID) error {
	result, err := q.Exec(ctx, `
		UPDATE accounts
		SET is_active_coordinator = TRUE, updated_at = NOW()
		WHERE id = $1 AND school_id = $2 AND role = 'coordinator' AND is_active
	`, id.String(), schoolID)
	if err != nil {
		return oops.With("operation", "mark active coordinator").With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.With("id", id.String()).With("school_id", schoolID).Wrap(auth.ErrNotFound)
	}
	return nil
}

// ClearActiveCoordinator clears the active flag on one coordinator.
func (r *CredentialRepository) ClearActiveCoordinator(ctx context.Context, q Querier, schoolID string, id ulid.ULID) error {
	result, err := q.Exec(ctx, `
		UPDATE accounts
		SET is_active_coordinator = FALSE, updated_at = NOW()
		WHERE id = $1 AND school_id = $2 AND role = 'coordinator'
	`, id.String(), schoolID)
	if err != nil {
		return oops.With("operation", "clear active coordinator").With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.With("id", id.String()).With("school_id", schoolID).Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanCredential scans a row selected with credentialColumns, followed by
// any extra destinations. Callers handle pgx.ErrNoRows.
func scanCredential(row pgx.Row, extra ...any) (*auth.Credential, error) {
	var (
		idStr             string
		schoolID          *string
		username          string
		email             *string
		passwordHash      *string
		role              string
		active            bool
		activeCoordinator bool
		createdAt         time.Time
		updatedAt         time.Time
	)

	dest := []any{
		&idStr, &schoolID, &username, &email, &passwordHash, &role,
		&active, &activeCoordinator, &createdAt, &updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context-specific info
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.With("operation", "parse account id").With("id", idStr).Wrap(err)
	}
	parsedRole, err := auth.ParseRole(role)
	if err != nil {
		return nil, err
	}

	return &auth.Credential{
		ID:                id,
		SchoolID:          deref(schoolID),
		Username:          username,
		Email:             deref(email),
		PasswordHash:      deref(passwordHash),
		Role:              parsedRole,
		Active:            active,
		ActiveCoordinator: activeCoordinator,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
