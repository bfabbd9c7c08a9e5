package test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oar-cd/conductor/app"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig(t, map[string]string{"CONDUCTOR_JWT_SECRET": "s3cret"})

	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.NotEmpty(t, cfg.EncryptionKey)
	assert.Equal(t, filepath.Join(cfg.DataDir, "conductor.db"), cfg.DatabasePath)
}

func TestInitApp(t *testing.T) {
	cfg := InitApp(t, nil)

	assert.Same(t, cfg, app.GetConfig())
	assert.NotNil(t, app.GetEngine())
	assert.DirExists(t, cfg.TmpDir)
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := WriteFile(t, dir, "nested/file.yml", "a: 1\n")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", string(content))
}

func TestExecute(t *testing.T) {
	cmd := &cobra.Command{
		Use: "echo",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Print(args[0])
			return nil
		},
	}

	out, err := Execute(t, cmd, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}
