// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/rollcall/rollcall/pkg/errutil"
)

// Registry holds the process's single active session.
type Registry struct {
	mu      sync.Mutex
	current *TenantSession
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Create registers a session for identity over conn. It fails with
// SESSION_ALREADY_ACTIVE while another session exists; the caller keeps
// ownership of conn in that case.
func (r *Registry) Create(identity Identity, conn Conn) (*TenantSession, error) {
	if identity.SchoolID == "" {
		return nil, oops.Code("SESSION_NO_TENANT").
			With("user_id", identity.UserID.String()).
			Errorf("session requires a school")
	}
	if conn == nil {
		return nil, oops.Code("SESSION_NO_CONNECTION").Errorf("session requires a connection")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return nil, oops.Code("SESSION_ALREADY_ACTIVE").
			With("session_id", r.current.ID().String()).
			Errorf("a session is already active")
	}

	s := newTenantSession(identity, conn, r.handleFatal)
	r.current = s
	RecordSessionOpened()

	r.logger.Info("session started",
		"session_id", s.ID().String(),
		"user_id", identity.UserID.String(),
		"school_id", identity.SchoolID,
		"role", string(identity.Role))
	return s, nil
}

// Current returns the active session, or nil.
func (r *Registry) Current() *TenantSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Active reports whether a session is registered.
func (r *Registry) Active() bool {
	return r.Current() != nil
}

// Destroy closes the active session's connection and clears the registry.
// It is a no-op when no session is active.
func (r *Registry) Destroy(ctx context.Context) error {
	r.mu.Lock()
	s := r.current
	r.current = nil
	r.mu.Unlock()

	if s == nil {
		return nil
	}
	return r.release(ctx, s, "destroyed")
}

// IsCoordinator reports whether the signed-in user is a coordinator.
func (r *Registry) IsCoordinator() bool {
	s := r.Current()
	return s != nil && s.IsCoordinator()
}

// IsActiveCoordinator reports whether the signed-in user is the school's
// active coordinator, from the cached flag.
func (r *Registry) IsActiveCoordinator() bool {
	s := r.Current()
	return s != nil && s.IsActiveCoordinator()
}

// IsTeacher reports whether the signed-in user is a teacher.
func (r *Registry) IsTeacher() bool {
	s := r.Current()
	return s != nil && s.IsTeacher()
}

func (r *Registry) handleFatal(s *TenantSession) {
	r.mu.Lock()
	if r.current != s {
		r.mu.Unlock()
		return
	}
	r.current = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.release(ctx, s, "connection lost"); err != nil {
		r.logger.Debug("close after fatal error", "session_id", s.ID().String(), "error", err)
	}
}

func (r *Registry) release(ctx context.Context, s *TenantSession, reason string) error {
	err := s.close(ctx)
	RecordSessionClosed()
	if err != nil {
		errutil.LogError(r.logger, "session close failed", err)
	}
	r.logger.Info("session ended",
		"session_id", s.ID().String(),
		"user_id", s.UserID().String(),
		"reason", reason,
		"duration", time.Since(s.CreatedAt()).String())
	return err
}
