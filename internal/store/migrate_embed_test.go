// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package store

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsFS_EmbeddedFiles(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^\d{6}_\w+\.(up|down)\.sql$`)
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		assert.True(t, pattern.MatchString(name), "file %s should match NNNNNN_name.(up|down).sql", name)
		if base, ok := strings.CutSuffix(name, ".up.sql"); ok {
			ups[base] = true
		}
		if base, ok := strings.CutSuffix(name, ".down.sql"); ok {
			downs[base] = true
		}
	}
	assert.Equal(t, ups, downs, "every migration needs an up and a down file")
}

func TestSchemaMigration_ForcesRowLevelSecurity(t *testing.T) {
	sql, err := migrationsFS.ReadFile("migrations/000001_schema.up.sql")
	require.NoError(t, err)

	for _, stmt := range []string{
		"ALTER TABLE accounts FORCE ROW LEVEL SECURITY",
		"ALTER TABLE schools FORCE ROW LEVEL SECURITY",
		"CREATE POLICY accounts_tenant_isolation",
		"CREATE POLICY accounts_login_lookup",
		"CREATE POLICY accounts_reset_lookup",
		"CREATE POLICY schools_tenant_isolation",
		"CREATE UNIQUE INDEX accounts_one_active_coordinator",
		"CREATE UNIQUE INDEX accounts_username_lower_key",
	} {
		assert.Contains(t, string(sql), stmt)
	}
}
