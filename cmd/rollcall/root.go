// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package main

import (
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/rollcall/rollcall/internal/config"
	"github.com/rollcall/rollcall/internal/logging"
)

// NewRootCmd creates the root command for the rollcall CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollcall",
		Short: "Rollcall - club attendance and scheduling",
		Long: `Rollcall keeps attendance, enrollment and schedules for clubs.
Each school's data is isolated by PostgreSQL row-level security; these
commands manage the schema, seed data and sign-in sessions.`,
		SilenceUsage: true,
	}

	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSeedCmd())
	cmd.AddCommand(NewShellCmd())
	cmd.AddCommand(NewResetPasswordCmd())
	cmd.AddCommand(NewConfigCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// loadConfig reads configuration for cmd and builds its logger. Validation
// is left to callers because not every command needs a database.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}

	cfg, err := config.Load(config.Options{Path: path, Flags: cmd.Flags()})
	if err != nil {
		return nil, nil, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.SetupWithLevel("rollcall", version, cfg.Log.Format, level, cmd.ErrOrStderr())
	return cfg, logger, nil
}

// loadValidConfig is loadConfig followed by validation.
func loadValidConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
