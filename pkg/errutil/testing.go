// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package errutil

import (
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TB is the part of testing.TB the assertions need. GinkgoT() satisfies it
// too, so integration specs can share the helpers.
type TB interface {
	require.TestingT
	Helper()
}

// AssertErrorCode asserts that err carries the oops code. On mismatch the
// whole error is printed, since the code alone rarely says what went wrong.
func AssertErrorCode(t TB, err error, code string) {
	t.Helper()
	require.Error(t, err, "expected an error with code %s", code)
	_, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T: %v", err, err)
	assert.Equal(t, code, Code(err), "error: %v", err)
}

// AssertErrorContext asserts that err carries the context key with value.
// Context set anywhere in the wrapped chain counts.
func AssertErrorContext(t TB, err error, key string, value any) {
	t.Helper()
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T: %v", err, err)
	kv := oopsErr.Context()
	if assert.Contains(t, kv, key, "error: %v", err) {
		assert.Equal(t, value, kv[key])
	}
}
