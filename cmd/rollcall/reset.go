// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rollcall/rollcall/internal/signin"
)

// resetter runs the password-reset flow. *signin.Service satisfies it.
type resetter interface {
	RequestPasswordReset(ctx context.Context, email string) error
	CompletePasswordReset(ctx context.Context, token, newPassword string) error
}

// NewResetPasswordCmd creates the reset-password subcommand.
func NewResetPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Request or complete a password reset",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "request <email>",
		Short: "Send a reset link to the account with this email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withResetter(cmd, func(ctx context.Context, r resetter) error {
				return requestReset(ctx, cmd, r, args[0])
			})
		},
	})

	complete := &cobra.Command{
		Use:   "complete <token>",
		Short: "Set a new password using a reset token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromStdin, err := cmd.Flags().GetBool("password-stdin")
			if err != nil {
				return oops.Code("CONFIG_INVALID").Wrap(err)
			}
			password, err := newPassword(cmd, fromStdin)
			if err != nil {
				return err
			}
			return withResetter(cmd, func(ctx context.Context, r resetter) error {
				return completeReset(ctx, cmd, r, args[0], password)
			})
		},
	}
	complete.Flags().Bool("password-stdin", false, "read the new password from stdin")
	cmd.AddCommand(complete)

	return cmd
}

func withResetter(cmd *cobra.Command, fn func(context.Context, resetter) error) error {
	cfg, logger, err := loadValidConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a.signin)
}

func requestReset(ctx context.Context, cmd *cobra.Command, r resetter, email string) error {
	if err := r.RequestPasswordReset(ctx, email); err != nil {
		return publicResetError(err)
	}
	cmd.Println("If an account uses that address, a reset link is on its way.")
	return nil
}

func completeReset(ctx context.Context, cmd *cobra.Command, r resetter, token, password string) error {
	err := r.CompletePasswordReset(ctx, strings.TrimSpace(token), password)
	switch {
	case err == nil:
		cmd.Println("Password updated. Sign in with the new password.")
		return nil
	case errors.Is(err, signin.ErrResetInvalidToken):
		return oops.Code("RESET_TOKEN_INVALID").Errorf("the reset link is invalid or has expired, request a new one")
	default:
		return publicResetError(err)
	}
}

// publicResetError passes *signin.ResetError through and replaces anything
// else with the generic unavailable error.
func publicResetError(err error) error {
	var resetErr *signin.ResetError
	if errors.As(err, &resetErr) {
		return resetErr
	}
	return &signin.ResetError{Kind: signin.ResetUnavailable}
}

// newPassword reads the new password from stdin, or prompts twice without
// echo when stdin is a terminal.
func newPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	in := cmd.InOrStdin()
	if fromStdin {
		return readPasswordLine(in)
	}

	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) { //nolint:gosec // fd fits in int
		return "", oops.Code("PASSWORD_REQUIRED").Errorf("stdin is not a terminal, use --password-stdin")
	}

	cmd.Print("New password: ")
	first, err := term.ReadPassword(int(f.Fd())) //nolint:gosec // fd fits in int
	cmd.Println()
	if err != nil {
		return "", oops.Code("PASSWORD_REQUIRED").Wrap(err)
	}
	cmd.Print("Repeat password: ")
	second, err := term.ReadPassword(int(f.Fd())) //nolint:gosec // fd fits in int
	cmd.Println()
	if err != nil {
		return "", oops.Code("PASSWORD_REQUIRED").Wrap(err)
	}
	if string(first) != string(second) {
		return "", oops.Code("PASSWORD_MISMATCH").Errorf("passwords do not match")
	}
	return string(first), nil
}

func readPasswordLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", oops.Code("PASSWORD_REQUIRED").Wrap(err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", oops.Code("PASSWORD_REQUIRED").Errorf("no password on stdin")
	}
	return line, nil
}
