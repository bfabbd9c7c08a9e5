package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/oar-cd/conductor/audit"
	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/encryption"
)

type fakeVaults struct {
	vaults map[uuid.UUID]*domain.Vault
}

func (f *fakeVaults) FindByID(id uuid.UUID) (*domain.Vault, error) {
	v, ok := f.vaults[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return v, nil
}

func (f *fakeVaults) FindByName(name string) (*domain.Vault, error) {
	for _, v := range f.vaults {
		if v.Name == name {
			return v, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeVaults) Create(v *domain.Vault) (*domain.Vault, error) {
	f.vaults[v.ID] = v
	return v, nil
}

func (f *fakeVaults) List() ([]*domain.Vault, error) {
	var out []*domain.Vault
	for _, v := range f.vaults {
		out = append(out, &domain.Vault{ID: v.ID, Name: v.Name, Description: v.Description, FileName: v.FileName})
	}
	return out, nil
}

type recordingSink struct {
	entries []audit.Entry
}

func (s *recordingSink) Record(ctx context.Context, entry audit.Entry) {
	s.entries = append(s.entries, entry)
}

func sealedVault(t *testing.T, plaintext, password string) *domain.Vault {
	t.Helper()
	blob, err := encryption.SealWithPassword([]byte(plaintext), password)
	require.NoError(t, err)
	return &domain.Vault{ID: uuid.New(), Name: "prod", Password: password, Blob: blob}
}

func setup(t *testing.T, vaults ...*domain.Vault) (*Resolver, *recordingSink, string) {
	t.Helper()
	repo := &fakeVaults{vaults: map[uuid.UUID]*domain.Vault{}}
	for _, v := range vaults {
		repo.vaults[v.ID] = v
	}
	sink := &recordingSink{}
	tmp := filepath.Join(t.TempDir(), "tmp")
	return NewResolver(repo, sink, tmp), sink, tmp
}

func TestResolver_NoVault(t *testing.T) {
	r, sink, _ := setup(t)

	h, err := r.Acquire(context.Background(), nil, uuid.New())
	require.NoError(t, err)
	assert.True(t, h.Empty())
	assert.False(t, h.HasSecrets())
	assert.NoError(t, h.Release())
	assert.Empty(t, sink.entries)
}

func TestResolver_AcquireAndRelease(t *testing.T) {
	v := sealedVault(t, "db_password: hunter2\n", "pw")
	r, sink, _ := setup(t, v)

	h, err := r.Acquire(context.Background(), &v.ID, uuid.New())
	require.NoError(t, err)
	assert.False(t, h.Empty())
	assert.Equal(t, "pw", h.Password)
	require.True(t, h.HasSecrets())

	content, err := os.ReadFile(h.SecretsPath)
	require.NoError(t, err)
	assert.Equal(t, "db_password: hunter2\n", string(content))

	info, err := os.Stat(h.SecretsPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())
	_, err = os.Stat(filepath.Dir(h.SecretsPath))
	assert.True(t, os.IsNotExist(err))

	require.Len(t, sink.entries, 1)
	assert.Equal(t, audit.ActionVaultAccess, sink.entries[0].Action)
	assert.Equal(t, true, sink.entries[0].Details["granted"])
}

func TestResolver_EmptyBlob(t *testing.T) {
	v := &domain.Vault{ID: uuid.New(), Name: "password-only", Password: "pw"}
	r, _, _ := setup(t, v)

	h, err := r.Acquire(context.Background(), &v.ID, uuid.New())
	require.NoError(t, err)
	defer h.Release()

	assert.False(t, h.Empty())
	assert.False(t, h.HasSecrets())
	assert.Equal(t, "pw", h.Password)
}

func TestResolver_Failures(t *testing.T) {
	wrongPassword := sealedVault(t, "a: 1", "right")
	wrongPassword.Password = "wrong"
	notYAML := sealedVault(t, "- just\n- a list\n", "pw")

	tests := []struct {
		name    string
		vault   *domain.Vault
		lookup  uuid.UUID
		granted bool
		reason  string
		checkFn func(t *testing.T, err error)
	}{
		{
			name:   "wrong password",
			vault:  wrongPassword,
			lookup: wrongPassword.ID,
			reason: "decryption_failed",
			checkFn: func(t *testing.T, err error) {
				var target *domain.DecryptionError
				assert.ErrorAs(t, err, &target)
			},
		},
		{
			name:    "secrets are not a mapping",
			vault:   notYAML,
			lookup:  notYAML.ID,
			granted: true,
			checkFn: func(t *testing.T, err error) {
				var target *domain.DecryptionError
				assert.ErrorAs(t, err, &target)
			},
		},
		{
			name:   "missing vault",
			vault:  wrongPassword,
			lookup: uuid.New(),
			reason: "not_found",
			checkFn: func(t *testing.T, err error) {
				var target *domain.ConfigurationError
				assert.ErrorAs(t, err, &target)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, sink, tmp := setup(t, tt.vault)

			h, err := r.Acquire(context.Background(), &tt.lookup, uuid.New())
			assert.Nil(t, h)
			tt.checkFn(t, err)
			require.Len(t, sink.entries, 1)
			assert.Equal(t, audit.ActionVaultAccess, sink.entries[0].Action)
			assert.Equal(t, tt.granted, sink.entries[0].Details["granted"])
			if tt.reason != "" {
				assert.Equal(t, tt.reason, sink.entries[0].Details["reason"])
			} else {
				assert.NotContains(t, sink.entries[0].Details, "reason")
			}

			entries, _ := os.ReadDir(tmp)
			assert.Empty(t, entries, "no decrypted material may remain")
		})
	}
}

func TestResolver_Sweep(t *testing.T) {
	r, _, tmp := setup(t)
	live := uuid.New()

	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "vault-"+uuid.NewString()), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "vault-"+uuid.NewString()), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "vault-garbage"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "vault-"+live.String()), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "unrelated"), 0o700))

	removed, err := r.Sweep(func(runID uuid.UUID) bool { return runID == live })
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"unrelated", "vault-" + live.String()}, names)
}

func TestResolver_SweepMissingDir(t *testing.T) {
	r, _, _ := setup(t)
	removed, err := r.Sweep(func(uuid.UUID) bool { return false })
	assert.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestResolver_Import(t *testing.T) {
	r, sink, _ := setup(t)
	admin := domain.Actor{Username: "alice", Role: domain.RoleAdmin}

	v, err := r.Import(context.Background(), admin, ImportRequest{
		Name:     "prod",
		Password: "hunter2",
		FileName: "prod.yml",
		Secrets:  []byte("db_password: s3cret\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "prod", v.Name)
	assert.True(t, v.HasFile())

	plain, err := encryption.OpenWithPassword(v.Blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "db_password: s3cret\n", string(plain))

	require.Len(t, sink.entries, 1)
	assert.Equal(t, audit.ActionConfigChange, sink.entries[0].Action)
	assert.Equal(t, v.ID.String(), sink.entries[0].ResourceID)

	h, err := r.Acquire(context.Background(), &v.ID, uuid.New())
	require.NoError(t, err)
	defer func() { _ = h.Release() }()
	assert.True(t, h.HasSecrets())
}

func TestResolver_ImportPasswordOnly(t *testing.T) {
	r, _, _ := setup(t)

	v, err := r.Import(context.Background(), domain.Actor{Role: domain.RoleAdmin}, ImportRequest{
		Name:     "become",
		Password: "pw",
	})
	require.NoError(t, err)
	assert.False(t, v.HasFile())
}

func TestResolver_ImportRejected(t *testing.T) {
	existing := sealedVault(t, "a: 1\n", "pw")
	admin := domain.Actor{Role: domain.RoleAdmin}

	tests := []struct {
		name  string
		actor domain.Actor
		req   ImportRequest
		check func(t *testing.T, err error)
	}{
		{
			name:  "editor",
			actor: domain.Actor{Role: domain.RoleEditor},
			req:   ImportRequest{Name: "x", Password: "pw"},
			check: func(t *testing.T, err error) {
				var authErr *domain.AuthorizationError
				assert.ErrorAs(t, err, &authErr)
			},
		},
		{
			name:  "missing name",
			actor: admin,
			req:   ImportRequest{Password: "pw"},
			check: func(t *testing.T, err error) {
				var vErr *domain.ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.Equal(t, "name", vErr.Field)
			},
		},
		{
			name:  "missing password",
			actor: admin,
			req:   ImportRequest{Name: "x"},
			check: func(t *testing.T, err error) {
				var vErr *domain.ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.Equal(t, "password", vErr.Field)
			},
		},
		{
			name:  "not a mapping",
			actor: admin,
			req:   ImportRequest{Name: "x", Password: "pw", Secrets: []byte("- a\n- b\n")},
			check: func(t *testing.T, err error) {
				var vErr *domain.ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.Equal(t, "file", vErr.Field)
			},
		},
		{
			name:  "duplicate name",
			actor: admin,
			req:   ImportRequest{Name: "prod", Password: "pw"},
			check: func(t *testing.T, err error) {
				var vErr *domain.ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.Contains(t, vErr.Reason, "already exists")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, sink, _ := setup(t, existing)
			_, err := r.Import(context.Background(), tt.actor, tt.req)
			require.Error(t, err)
			tt.check(t, err)
			assert.Empty(t, sink.entries)
		})
	}
}

func TestResolver_List(t *testing.T) {
	r, _, _ := setup(t, sealedVault(t, "a: 1\n", "pw"))

	vaults, err := r.List()
	require.NoError(t, err)
	require.Len(t, vaults, 1)
	assert.Equal(t, "prod", vaults[0].Name)
	assert.Empty(t, vaults[0].Password)
	assert.Empty(t, vaults[0].Blob)
}
