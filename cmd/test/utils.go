// Package test provides utility functions for testing conductor CLI commands
package test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/oar-cd/conductor/app"
	"github.com/oar-cd/conductor/cmd/output"
	"github.com/oar-cd/conductor/config"
	"github.com/oar-cd/conductor/encryption"
)

// mapEnv serves configuration from a fixed set of variables
type mapEnv struct {
	home string
	vars map[string]string
}

func (e *mapEnv) Getenv(key string) string {
	return e.vars[key]
}

func (e *mapEnv) UserHomeDir() (string, error) {
	return e.home, nil
}

// NewConfig builds a valid configuration rooted in a fresh temporary directory.
// Extra variables use their full CONDUCTOR_ names.
func NewConfig(t *testing.T, vars map[string]string) *config.Config {
	t.Helper()

	key, err := encryption.GenerateKey()
	require.NoError(t, err)

	dir := t.TempDir()
	env := &mapEnv{home: dir, vars: map[string]string{
		"CONDUCTOR_DATA_DIR":       filepath.Join(dir, "data"),
		"CONDUCTOR_ENCRYPTION_KEY": key,
	}}
	for k, v := range vars {
		env.vars[k] = v
	}

	cfg, err := config.NewConfigWithEnv("", env)
	require.NoError(t, err)
	return cfg
}

// InitApp initializes the application against a throwaway database
func InitApp(t *testing.T, vars map[string]string) *config.Config {
	t.Helper()
	cfg := NewConfig(t, vars)
	require.NoError(t, app.InitializeWithConfig(cfg))
	t.Cleanup(func() {
		if sqlDB, err := app.GetDatabase().DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return cfg
}

// WriteFile writes content under dir and returns the path
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// Execute runs cmd with args and returns what it wrote to stdout
func Execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	output.InitColors(true)

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}
