// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package auth_test

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall/rollcall/internal/auth"
)

func TestGenerateResetToken(t *testing.T) {
	t.Run("generates 64 hex chars", func(t *testing.T) {
		token, hash, err := auth.GenerateResetToken()
		require.NoError(t, err)
		assert.Len(t, token, 64)
		_, err = hex.DecodeString(token)
		assert.NoError(t, err)
		assert.NotEqual(t, token, hash)
	})

	t.Run("generates unique tokens", func(t *testing.T) {
		token1, hash1, err := auth.GenerateResetToken()
		require.NoError(t, err)
		token2, hash2, err := auth.GenerateResetToken()
		require.NoError(t, err)

		assert.NotEqual(t, token1, token2)
		assert.NotEqual(t, hash1, hash2)
	})

	t.Run("hash matches HashResetToken", func(t *testing.T) {
		token, hash, err := auth.GenerateResetToken()
		require.NoError(t, err)
		assert.Equal(t, auth.HashResetToken(token), hash)
		assert.Len(t, hash, 64)
	})
}

func TestResetExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	assert.True(t, auth.ResetExpired(nil, now), "no pending reset")
	assert.False(t, auth.ResetExpired(&later, now))
	assert.True(t, auth.ResetExpired(&earlier, now))
	assert.True(t, auth.ResetExpired(&now, now), "expiry instant is already expired")
}
