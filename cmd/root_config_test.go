package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runPreRun runs the root PersistentPreRunE in a temp dir holding configYAML
// (no file when empty) and restores cfg afterwards.
func runPreRun(t *testing.T, configYAML string) error {
	t.Helper()
	dir := t.TempDir()
	if configYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0o644))
	}
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	oldCfg := cfg
	cfg = nil
	t.Cleanup(func() { cfg = oldCfg })

	return rootCmd.PersistentPreRunE(rootCmd, nil)
}

func TestRootPreRun_ConfigFile(t *testing.T) {
	err := runPreRun(t, `
store:
  driver: sqlite
  database_url: reqident.db
queue:
  backend: memory
monitoring:
  enabled: true
log:
  level: info
  format: console
`)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.True(t, cfg.Monitoring.Enabled)
}

func TestRootPreRun_Defaults(t *testing.T) {
	require.NoError(t, runPreRun(t, ""))
	require.NotNil(t, cfg)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres", cfg.Queue.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestRootPreRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad log level", "log:\n  level: NOT_A_LEVEL\n", "init logger"},
		{"invalid yaml", "queue: [yaml: bad", "load config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runPreRun(t, tt.yaml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRootPostRun_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		rootCmd.PersistentPostRun(rootCmd, nil)
	})
}
