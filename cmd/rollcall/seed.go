// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rollcall/rollcall/internal/auth"
	"github.com/rollcall/rollcall/internal/auth/postgres"
	"github.com/rollcall/rollcall/internal/rls"
	"github.com/rollcall/rollcall/internal/store"
)

// Default timeout for seed command.
const defaultSeedTimeout = 30 * time.Second

// seedConfig holds configuration for the seed command.
type seedConfig struct {
	timeout time.Duration
}

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	cfg := &seedConfig{}

	cmd := &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Create schools and accounts from a YAML file",
		Long: `Creates the schools and accounts listed in a YAML file.
Existing schools and usernames are skipped, so the command is safe to rerun.

Accounts without a school can only be written through a role that bypasses
row-level security; set database.admin_url for those.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, args, cfg)
		},
	}

	cmd.Flags().DurationVar(&cfg.timeout, "timeout", defaultSeedTimeout, "timeout for database operations (e.g., 30s, 1m)")

	return cmd
}

func runSeed(cmd *cobra.Command, args []string, cfg *seedConfig) error {
	appCfg, logger, err := loadValidConfig(cmd)
	if err != nil {
		return err
	}

	file, err := loadSeedFile(args[0])
	if err != nil {
		return err
	}

	hasher, err := auth.NewArgon2idHasher(appCfg.Auth.Argon2)
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("operation", "build password hasher").Wrap(err)
	}

	// Use cmd.Context() to respect SIGINT/SIGTERM signals
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
	defer cancel()

	dbCfg := appCfg.Database
	dbCfg.URL = dbCfg.MigrationURL()

	cmd.Println("Connecting to database...")
	pool, err := store.NewPool(ctx, dbCfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	s := &seeder{
		pool:   pool,
		creds:  postgres.NewCredentialRepository(),
		hasher: hasher,
		logger: logger,
		now:    time.Now,
	}
	report, err := s.apply(ctx, file)
	if err != nil {
		return err
	}

	report.print(cmd)
	return nil
}

// seedFile is the YAML document accepted by the seed command.
type seedFile struct {
	Schools  []seedSchool  `yaml:"schools"`
	Accounts []seedAccount `yaml:"accounts"`
}

type seedSchool struct {
	ID       string        `yaml:"id"`
	Name     string        `yaml:"name"`
	Accounts []seedAccount `yaml:"accounts"`
}

type seedAccount struct {
	Username          string `yaml:"username"`
	Email             string `yaml:"email"`
	Role              string `yaml:"role"`
	Password          string `yaml:"password"`
	PasswordHash      string `yaml:"password_hash"`
	Active            *bool  `yaml:"active"`
	ActiveCoordinator bool   `yaml:"active_coordinator"`
}

func loadSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied CLI argument
	if err != nil {
		return nil, oops.Code("SEED_READ_FAILED").With("path", path).Wrap(err)
	}
	return parseSeedFile(data)
}

func parseSeedFile(data []byte) (*seedFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f seedFile
	if err := dec.Decode(&f); err != nil {
		return nil, oops.Code("SEED_INVALID").With("operation", "parse seed file").Wrap(err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// validate checks the file before anything is written.
func (f *seedFile) validate() error {
	var problems []string
	usernames := make(map[string]bool)
	schools := make(map[string]bool)

	checkAccount := func(where string, a seedAccount) {
		name := auth.NormalizeUsername(a.Username)
		if err := auth.ValidateUsername(a.Username); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", where, err))
		} else if usernames[name] {
			problems = append(problems, fmt.Sprintf("%s: duplicate username %q", where, name))
		}
		usernames[name] = true

		role, err := auth.ParseRole(a.Role)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", where, err))
		}
		if a.ActiveCoordinator && role != auth.RoleCoordinator {
			problems = append(problems, fmt.Sprintf("%s: only coordinators can be the active coordinator", where))
		}
		if a.Password != "" && a.PasswordHash != "" {
			problems = append(problems, fmt.Sprintf("%s: set password or password_hash, not both", where))
		}
		if a.Password != "" {
			if err := auth.ValidatePassword(a.Password); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", where, err))
			}
		}
	}

	for i, s := range f.Schools {
		where := fmt.Sprintf("schools[%d]", i)
		if strings.TrimSpace(s.ID) == "" {
			problems = append(problems, where+": id is required")
		} else if schools[s.ID] {
			problems = append(problems, fmt.Sprintf("%s: duplicate school id %q", where, s.ID))
		}
		schools[s.ID] = true
		if strings.TrimSpace(s.Name) == "" {
			problems = append(problems, where+": name is required")
		}

		active := 0
		for j, a := range s.Accounts {
			checkAccount(fmt.Sprintf("%s.accounts[%d]", where, j), a)
			if a.ActiveCoordinator {
				active++
			}
		}
		if active > 1 {
			problems = append(problems, fmt.Sprintf("%s: %d active coordinators, at most one allowed", where, active))
		}
	}

	for i, a := range f.Accounts {
		where := fmt.Sprintf("accounts[%d]", i)
		checkAccount(where, a)
		if a.ActiveCoordinator {
			problems = append(problems, where+": an account without a school cannot be the active coordinator")
		}
	}

	if len(problems) > 0 {
		return oops.Code("SEED_INVALID").
			With("problems", problems).
			Errorf("invalid seed file: %s", strings.Join(problems, "; "))
	}
	return nil
}

// seedPool begins transactions. *pgxpool.Pool satisfies it.
type seedPool interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type seeder struct {
	pool   seedPool
	creds  *postgres.CredentialRepository
	hasher auth.PasswordHasher
	logger *slog.Logger
	now    func() time.Time
}

type seedReport struct {
	schoolsCreated  int
	accountsCreated int
	skipped         []string
	needsUpgrade    []string
}

func (r *seedReport) print(cmd *cobra.Command) {
	cmd.Printf("Created %d schools and %d accounts\n", r.schoolsCreated, r.accountsCreated)
	for _, name := range r.skipped {
		cmd.Printf("  skipped %s: already exists\n", name)
	}
	for _, name := range r.needsUpgrade {
		cmd.Printf("  %s: stored hash uses outdated parameters, it is upgraded at next password reset\n", name)
	}
	cmd.Println("Seeding complete!")
}

// apply writes f one school per transaction. Each account runs in a
// savepoint so an existing username skips that account only.
func (s *seeder) apply(ctx context.Context, f *seedFile) (*seedReport, error) {
	report := &seedReport{}

	for _, school := range f.Schools {
		if err := s.applySchool(ctx, school, report); err != nil {
			return report, err
		}
	}
	if len(f.Accounts) > 0 {
		if err := s.applyTenantless(ctx, f.Accounts, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *seeder) applySchool(ctx context.Context, school seedSchool, report *seedReport) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := rls.ScopeTransaction(ctx, tx, school.ID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO schools (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING
		`, school.ID, school.Name)
		if err != nil {
			return oops.Code("SEED_FAILED").With("school_id", school.ID).With("operation", "insert school").Wrap(err)
		}
		if tag.RowsAffected() == 1 {
			report.schoolsCreated++
			s.logger.InfoContext(ctx, "created school", "school_id", school.ID)
		}

		for _, a := range school.Accounts {
			if err := s.createAccount(ctx, tx, school.ID, a, report); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *seeder) applyTenantless(ctx context.Context, accounts []seedAccount, report *seedReport) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, a := range accounts {
			err := s.createAccount(ctx, tx, "", a, report)
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.InsufficientPrivilege {
				return oops.Code("SEED_NEEDS_ADMIN").
					With("username", a.Username).
					Wrapf(err, "accounts without a school need database.admin_url with a role that bypasses row security")
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *seeder) createAccount(ctx context.Context, tx pgx.Tx, schoolID string, a seedAccount, report *seedReport) error {
	cred, err := s.credential(schoolID, a)
	if err != nil {
		return err
	}
	if a.PasswordHash != "" && s.hasher.NeedsUpgrade(a.PasswordHash) {
		report.needsUpgrade = append(report.needsUpgrade, cred.Username)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return oops.Code("SEED_FAILED").With("operation", "begin savepoint").Wrap(err)
	}
	if err := s.creds.Create(ctx, sp, cred); err != nil {
		_ = sp.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			report.skipped = append(report.skipped, cred.Username)
			s.logger.InfoContext(ctx, "account already exists, skipping",
				"username", cred.Username,
				"constraint", pgErr.ConstraintName)
			return nil
		}
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.InsufficientPrivilege {
			return err
		}
		return oops.Code("SEED_FAILED").With("username", cred.Username).Wrap(err)
	}
	if err := sp.Commit(ctx); err != nil {
		return oops.Code("SEED_FAILED").With("operation", "release savepoint").Wrap(err)
	}

	report.accountsCreated++
	s.logger.InfoContext(ctx, "created account",
		"username", cred.Username,
		"school_id", schoolID,
		"role", string(cred.Role))
	return nil
}

func (s *seeder) credential(schoolID string, a seedAccount) (*auth.Credential, error) {
	role, err := auth.ParseRole(a.Role)
	if err != nil {
		return nil, err
	}

	hash := a.PasswordHash
	if a.Password != "" {
		hash, err = s.hasher.Hash(a.Password)
		if err != nil {
			return nil, oops.Code("SEED_FAILED").With("username", a.Username).Wrap(err)
		}
	}

	active := true
	if a.Active != nil {
		active = *a.Active
	}

	now := s.now().UTC()
	return &auth.Credential{
		ID:                ulid.Make(),
		SchoolID:          schoolID,
		Username:          auth.NormalizeUsername(a.Username),
		Email:             auth.NormalizeEmail(a.Email),
		PasswordHash:      hash,
		Role:              role,
		Active:            active,
		ActiveCoordinator: a.ActiveCoordinator,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (s *seeder) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return oops.Code("SEED_FAILED").With("operation", "begin transaction").Wrap(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("SEED_FAILED").With("operation", "commit").Wrap(err)
	}
	return nil
}
