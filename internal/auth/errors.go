// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package auth

import "errors"

// ErrNotFound is returned when a requested account does not exist or is not
// visible under the row-security policies in force.
var ErrNotFound = errors.New("not found")
