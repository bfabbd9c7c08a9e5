package vault

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oar-cd/conductor/app"
	cmdtest "github.com/oar-cd/conductor/cmd/test"
	"github.com/oar-cd/conductor/encryption"
)

func TestNewCmdVault(t *testing.T) {
	cmd := NewCmdVault()
	names := []string{}
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"import", "list"}, names)
}

func TestVaultImport(t *testing.T) {
	cmdtest.InitApp(t, nil)
	dir := t.TempDir()
	secrets := cmdtest.WriteFile(t, dir, "prod.yml", "db_password: s3cret\n")
	password := cmdtest.WriteFile(t, dir, "pass.txt", "hunter2\n")

	out, err := cmdtest.Execute(t, NewCmdVaultImport(),
		"prod", "--file", secrets, "--password-file", password, "--description", "production")
	require.NoError(t, err)
	assert.Contains(t, out, "Vault prod imported")

	stored, err := app.GetVaultRepository().FindByName("prod")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", stored.Password)
	assert.Equal(t, "prod.yml", stored.FileName)
	assert.Equal(t, "production", stored.Description)

	plain, err := encryption.OpenWithPassword(stored.Blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "db_password: s3cret\n", string(plain))

	h, err := app.GetVaultResolver().Acquire(context.Background(), &stored.ID, uuid.New())
	require.NoError(t, err)
	assert.True(t, h.HasSecrets())
	require.NoError(t, h.Release())
}

func TestVaultImport_Errors(t *testing.T) {
	cmdtest.InitApp(t, nil)
	dir := t.TempDir()
	password := cmdtest.WriteFile(t, dir, "pass.txt", "hunter2\n")
	empty := cmdtest.WriteFile(t, dir, "empty.txt", "\n")
	list := cmdtest.WriteFile(t, dir, "list.yml", "- a\n- b\n")

	tests := []struct {
		name    string
		args    []string
		message string
	}{
		{"missing password flag", []string{"prod"}, "password-file"},
		{"unreadable password file", []string{"prod", "--password-file", dir + "/missing"}, "failed to read password file"},
		{"empty password", []string{"prod", "--password-file", empty}, "is empty"},
		{"unreadable vault file", []string{"prod", "--password-file", password, "--file", dir + "/missing"}, "failed to read vault file"},
		{"not a mapping", []string{"prod", "--password-file", password, "--file", list}, "YAML mapping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cmdtest.Execute(t, NewCmdVaultImport(), tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestVaultImport_Duplicate(t *testing.T) {
	cmdtest.InitApp(t, nil)
	password := cmdtest.WriteFile(t, t.TempDir(), "pass.txt", "pw")

	_, err := cmdtest.Execute(t, NewCmdVaultImport(), "become", "--password-file", password)
	require.NoError(t, err)

	_, err = cmdtest.Execute(t, NewCmdVaultImport(), "become", "--password-file", password)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestVaultList(t *testing.T) {
	cmdtest.InitApp(t, nil)

	out, err := cmdtest.Execute(t, NewCmdVaultList())
	require.NoError(t, err)
	assert.Contains(t, out, "No vaults found.")

	password := cmdtest.WriteFile(t, t.TempDir(), "pass.txt", "pw")
	_, err = cmdtest.Execute(t, NewCmdVaultImport(), "become", "--password-file", password)
	require.NoError(t, err)

	out, err = cmdtest.Execute(t, NewCmdVaultList())
	require.NoError(t, err)
	assert.Contains(t, out, "become")
	assert.Contains(t, strings.ToUpper(out), "DESCRIPTION")
	assert.NotContains(t, out, "pw\n")
}
