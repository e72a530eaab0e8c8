// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package xdg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall/rollcall/pkg/errutil"
)

func TestDirs(t *testing.T) {
	tests := []struct {
		name     string
		fn       func() (string, error)
		env      string
		custom   string
		fallback string
	}{
		{"config", ConfigDir, "XDG_CONFIG_HOME", "/custom/config/rollcall", "/home/testuser/.config/rollcall"},
		{"data", DataDir, "XDG_DATA_HOME", "/custom/data/rollcall", "/home/testuser/.local/share/rollcall"},
		{"state", StateDir, "XDG_STATE_HOME", "/custom/state/rollcall", "/home/testuser/.local/state/rollcall"},
	}

	for _, tt := range tests {
		t.Run(tt.name+" from env", func(t *testing.T) {
			t.Setenv(tt.env, filepath.Dir(tt.custom))
			got, err := tt.fn()
			require.NoError(t, err)
			assert.Equal(t, tt.custom, got)
		})

		t.Run(tt.name+" default", func(t *testing.T) {
			t.Setenv(tt.env, "")
			t.Setenv("HOME", "/home/testuser")
			got, err := tt.fn()
			require.NoError(t, err)
			assert.Equal(t, tt.fallback, got)
		})

		t.Run(tt.name+" without home", func(t *testing.T) {
			t.Setenv(tt.env, "")
			t.Setenv("HOME", "")
			_, err := tt.fn()
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "XDG_NO_HOME")
		})
	}
}

func TestConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	got, err := ConfigFile()
	require.NoError(t, err)
	assert.Equal(t, "/custom/config/rollcall/config.yaml", got)
}

func TestEnsureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
