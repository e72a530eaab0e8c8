// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rollcall/rollcall/internal/config"
	"github.com/rollcall/rollcall/internal/store"
)

func TestMigrator_FullCycle(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	defer pgContainer.Terminate(ctx) //nolint:errcheck // test cleanup

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrator, err := store.NewMigrator(connStr, nil)
	require.NoError(t, err)
	defer migrator.Close() //nolint:errcheck // test cleanup

	st, err := migrator.Status()
	require.NoError(t, err)
	assert.Zero(t, st.Version)
	assert.NotEmpty(t, st.Pending)

	require.NoError(t, migrator.Up())
	st, err = migrator.Status()
	require.NoError(t, err)
	assert.Equal(t, "000001_schema", st.Name)
	assert.Empty(t, st.Pending)
	assert.False(t, st.Dirty)

	pool, err := store.NewPool(ctx, config.DatabaseConfig{URL: connStr, ConnectTimeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	var forced bool
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT relforcerowsecurity FROM pg_class WHERE relname = 'accounts'`).Scan(&forced))
	assert.True(t, forced)
	pool.Close()

	require.NoError(t, migrator.Down())
	version, dirty, err := migrator.Version()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)

	require.NoError(t, migrator.Steps(1))
	version, _, err = migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}
