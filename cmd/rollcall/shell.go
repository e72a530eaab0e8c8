// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rollcall/rollcall/internal/auth"
	"github.com/rollcall/rollcall/internal/session"
	"github.com/rollcall/rollcall/internal/signin"
	"github.com/rollcall/rollcall/pkg/errutil"
)

// NewShellCmd creates the shell subcommand.
func NewShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive sign-in shell",
		Long: `Starts an interactive shell that holds one signed-in session at a time.
Closing the shell, or interrupting it, signs the user out and releases the
session's database connection.`,
		Args: cobra.NoArgs,
		RunE: runShell,
	}
}

func runShell(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadValidConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.startMetrics(ctx, cancel); err != nil {
		return err
	}

	in := bufio.NewReader(cmd.InOrStdin())
	sh := &shell{
		in:       in,
		out:      cmd.OutOrStdout(),
		auth:     a.signin,
		coords:   a.coordinators,
		registry: a.registry,
		logger:   logger,
	}
	sh.readPassword = stdinPassword(cmd.InOrStdin(), in)
	return sh.run(ctx)
}

// authenticator signs users in and out. *signin.Service satisfies it.
type authenticator interface {
	Login(ctx context.Context, username, password string) error
	Logout(ctx context.Context) error
}

// coordinatorAdmin manages coordinator activation. *coordinator.Service
// satisfies it.
type coordinatorAdmin interface {
	Activate(ctx context.Context, schoolID string, userID ulid.ULID) error
	Deactivate(ctx context.Context, userID ulid.ULID) error
	List(ctx context.Context) ([]*auth.Credential, error)
}

type shell struct {
	in           *bufio.Reader
	out          io.Writer
	auth         authenticator
	coords       coordinatorAdmin
	registry     *session.Registry
	logger       *slog.Logger
	readPassword func() (string, error)
}

const shellHelp = `Commands:
  login <username>        sign in (prompts for the password)
  logout                  sign out
  whoami                  show the signed-in user
  coordinators            list the school's coordinators
  activate <username>     make a coordinator the active one
  deactivate <username>   clear a coordinator's active flag
  ping                    check the session's database connection
  help                    show this help
  quit                    sign out and exit`

// run reads commands until quit, end of input or ctx is cancelled. The
// session is destroyed on every exit path.
func (s *shell) run(ctx context.Context) error {
	defer func() {
		if err := s.registry.Destroy(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("error closing session", "error", err)
		}
	}()

	s.println("rollcall shell. Type 'help' for commands.")
	for {
		s.prompt()
		line, err := readContext(ctx, s.readLine)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.println("")
			return nil
		case errors.Is(err, io.EOF) && line == "":
			s.println("")
			return nil
		case err != nil && !errors.Is(err, io.EOF):
			return oops.Code("SHELL_READ_FAILED").Wrap(err)
		}

		if quit := s.dispatch(ctx, line); quit {
			return nil
		}
	}
}

func (s *shell) prompt() {
	if sess := s.registry.Current(); sess != nil {
		fmt.Fprintf(s.out, "%s@%s> ", sess.Username(), sess.SchoolID())
		return
	}
	fmt.Fprint(s.out, "> ")
}

// dispatch runs one command line and reports whether the shell should exit.
func (s *shell) dispatch(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "quit", "exit":
		return true
	case "help", "?":
		s.println(shellHelp)
	case "login":
		s.login(ctx, args)
	case "logout":
		s.logout(ctx)
	case "whoami":
		s.whoami()
	case "coordinators":
		s.listCoordinators(ctx)
	case "activate":
		s.changeCoordinator(ctx, args, true)
	case "deactivate":
		s.changeCoordinator(ctx, args, false)
	case "ping":
		s.ping(ctx)
	default:
		s.printf("unknown command %q, type 'help'\n", name)
	}
	return false
}

func (s *shell) login(ctx context.Context, args []string) {
	if len(args) != 1 {
		s.println("usage: login <username>")
		return
	}
	fmt.Fprint(s.out, "Password: ")
	password, err := readContext(ctx, s.readPassword)
	s.println("")
	if err != nil {
		s.logger.Debug("password prompt aborted", "error", err)
		return
	}

	// Login only returns *signin.LoginError, whose text is safe to show.
	if err := s.auth.Login(ctx, args[0], password); err != nil {
		s.println(err.Error())
		return
	}
	sess := s.registry.Current()
	if sess == nil {
		s.println("signed in")
		return
	}
	s.printf("Signed in as %s (%s, %s)\n", sess.Username(), sess.Role(), sess.SchoolID())
}

func (s *shell) logout(ctx context.Context) {
	if s.registry.Current() == nil {
		s.println("not signed in")
		return
	}
	if err := s.auth.Logout(ctx); err != nil {
		errutil.LogErrorContext(ctx, s.logger, "sign-out failed", err)
		s.println("sign-out failed, see the log")
		return
	}
	s.println("Signed out")
}

func (s *shell) whoami() {
	sess := s.registry.Current()
	if sess == nil {
		s.println("not signed in")
		return
	}
	s.printf("%s  role=%s  school=%s  active_coordinator=%t\n",
		sess.Username(), sess.Role(), sess.SchoolID(), sess.IsActiveCoordinator())
}

func (s *shell) listCoordinators(ctx context.Context) {
	coords, err := s.coords.List(ctx)
	if err != nil {
		s.println(describeError(err))
		return
	}
	if len(coords) == 0 {
		s.println("no coordinators")
		return
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tEMAIL\tACTIVE")
	for _, c := range coords {
		marker := ""
		if c.ActiveCoordinator {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Username, c.Email, marker)
	}
	_ = tw.Flush()
}

func (s *shell) changeCoordinator(ctx context.Context, args []string, activate bool) {
	verb := "deactivate"
	if activate {
		verb = "activate"
	}
	if len(args) != 1 {
		s.printf("usage: %s <username>\n", verb)
		return
	}
	sess := s.registry.Current()
	if sess == nil {
		s.println("not signed in")
		return
	}

	id, err := s.resolveCoordinator(ctx, args[0])
	if err != nil {
		s.println(describeError(err))
		return
	}

	if activate {
		err = s.coords.Activate(ctx, sess.SchoolID(), id)
	} else {
		err = s.coords.Deactivate(ctx, id)
	}
	if err != nil {
		s.println(describeError(err))
		return
	}
	s.printf("%sd %s\n", strings.ToUpper(verb[:1])+verb[1:], args[0])
}

// resolveCoordinator accepts a username or an account ID.
func (s *shell) resolveCoordinator(ctx context.Context, ref string) (ulid.ULID, error) {
	if id, err := ulid.ParseStrict(ref); err == nil {
		return id, nil
	}
	coords, err := s.coords.List(ctx)
	if err != nil {
		return ulid.ULID{}, err
	}
	name := auth.NormalizeUsername(ref)
	for _, c := range coords {
		if c.Username == name {
			return c.ID, nil
		}
	}
	return ulid.ULID{}, oops.Code("COORDINATOR_NOT_FOUND").With("username", name).Errorf("no coordinator %q", name)
}

func (s *shell) ping(ctx context.Context) {
	sess := s.registry.Current()
	if sess == nil {
		s.println("not signed in")
		return
	}
	if err := sess.Ping(ctx); err != nil {
		errutil.LogErrorContext(ctx, s.logger, "session ping failed", err)
		s.println("connection lost, sign in again")
		return
	}
	s.println("ok")
}

func (s *shell) readLine() (string, error) {
	line, err := s.in.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func (s *shell) println(msg string) {
	fmt.Fprintln(s.out, msg)
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// describeError turns a coordinator error into a message for the user.
func describeError(err error) string {
	var loginErr *signin.LoginError
	if errors.As(err, &loginErr) {
		return loginErr.Error()
	}
	switch errutil.Code(err) {
	case "COORDINATOR_NO_SESSION":
		return "not signed in"
	case "COORDINATOR_FORBIDDEN":
		return "only coordinators can do that"
	case "COORDINATOR_CROSS_TENANT":
		return "that account belongs to another school"
	case "COORDINATOR_NOT_FOUND":
		return "no such coordinator in this school"
	case "COORDINATOR_CONFLICT":
		return "another change is in progress, try again"
	case "COORDINATOR_TIMEOUT":
		return "the database did not answer in time, try again"
	default:
		return "something went wrong, see the log"
	}
}

// readContext runs read on its own goroutine so a cancelled ctx is not
// held up by a blocked read.
func readContext(ctx context.Context, read func() (string, error)) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := read()
		ch <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

// stdinPassword reads a password without echo when in is a terminal and
// falls back to the next buffered line otherwise.
func stdinPassword(in io.Reader, buffered *bufio.Reader) func() (string, error) {
	return func() (string, error) {
		if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) { //nolint:gosec // fd fits in int
			b, err := term.ReadPassword(int(f.Fd())) //nolint:gosec // fd fits in int
			if err != nil {
				return "", oops.Code("SHELL_READ_FAILED").Wrap(err)
			}
			return string(b), nil
		}
		line, err := buffered.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", oops.Code("SHELL_READ_FAILED").Wrap(err)
		}
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}
