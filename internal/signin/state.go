// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package signin

import (
	"errors"
	"fmt"
)

// State is a step of a sign-in attempt. Attempts move forward through the
// states in order; any step may end the attempt in StateFailed.
type State int

// Sign-in states.
const (
	StateUnauthenticated State = iota
	StateCredentialsSubmitted
	StateBypassEnabled
	StateRowFetched
	StateAccountChecked
	StatePasswordVerified
	StateTenantPinned
	StateSessionActive
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateCredentialsSubmitted:
		return "credentials_submitted"
	case StateBypassEnabled:
		return "bypass_enabled"
	case StateRowFetched:
		return "row_fetched"
	case StateAccountChecked:
		return "account_checked"
	case StatePasswordVerified:
		return "password_verified"
	case StateTenantPinned:
		return "tenant_pinned"
	case StateSessionActive:
		return "session_active"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason says why an attempt failed.
type Reason int

// Failure reasons.
const (
	ReasonNotFound Reason = iota + 1
	ReasonInactive
	ReasonCorruptAccount
	ReasonBadPassword
	ReasonNoTenant
	ReasonAlreadyActive
	ReasonTimeout
	ReasonConnectionLost
	ReasonInternal
)

func (r Reason) String() string {
	switch r {
	case ReasonNotFound:
		return "not_found"
	case ReasonInactive:
		return "inactive"
	case ReasonCorruptAccount:
		return "corrupt_account"
	case ReasonBadPassword:
		return "bad_password"
	case ReasonNoTenant:
		return "no_tenant"
	case ReasonAlreadyActive:
		return "already_active"
	case ReasonTimeout:
		return "timeout"
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonInternal:
		return "internal"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Failure is the error returned by Authenticate. State is the last state
// the attempt reached before failing.
type Failure struct {
	Reason Reason
	State  State
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("sign-in failed after %s: %s", f.State, f.Reason)
	}
	return fmt.Sprintf("sign-in failed after %s: %s: %v", f.State, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ReasonOf extracts the failure reason from err.
func ReasonOf(err error) (Reason, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason, true
	}
	return 0, false
}
