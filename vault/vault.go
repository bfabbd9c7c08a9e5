// Package vault exposes decrypted vault material to a single run.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/oar-cd/conductor/audit"
	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/encryption"
	"github.com/oar-cd/conductor/repository"
)

const dirPrefix = "vault-"

// Handle is the run-scoped view of a decrypted vault. The zero value is an
// empty handle with no secrets.
type Handle struct {
	VaultID     uuid.UUID
	Password    string
	SecretsPath string // empty when the vault has no file

	dir  string
	once sync.Once
	err  error
}

// Empty reports whether the handle carries no vault at all
func (h *Handle) Empty() bool {
	return h == nil || h.VaultID == uuid.Nil
}

// HasSecrets reports whether a decrypted secrets file is available
func (h *Handle) HasSecrets() bool {
	return h != nil && h.SecretsPath != ""
}

// Release removes the decrypted material. Safe to call more than once.
func (h *Handle) Release() error {
	if h == nil || h.dir == "" {
		return nil
	}
	h.once.Do(func() {
		h.err = os.RemoveAll(h.dir)
		h.Password = ""
	})
	return h.err
}

type Resolver struct {
	vaults repository.VaultRepository
	audit  audit.Sink
	tmpDir string
}

func NewResolver(vaults repository.VaultRepository, auditSink audit.Sink, tmpDir string) *Resolver {
	return &Resolver{
		vaults: vaults,
		audit:  auditSink,
		tmpDir: tmpDir,
	}
}

// Acquire decrypts the vault for runID. A nil vaultID yields an empty handle.
// The caller must Release the handle on every exit path.
func (r *Resolver) Acquire(ctx context.Context, vaultID *uuid.UUID, runID uuid.UUID) (*Handle, error) {
	if vaultID == nil {
		return &Handle{}, nil
	}

	v, err := r.vaults.FindByID(*vaultID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			r.recordAccess(ctx, *vaultID, runID, "not_found", err)
			return nil, domain.NewConfigurationError("vault %s does not exist", vaultID)
		}
		r.recordAccess(ctx, *vaultID, runID, "lookup_failed", err)
		return nil, fmt.Errorf("failed to load vault: %w", err)
	}

	// Access is granted only once the material actually decrypts
	secrets, err := encryption.OpenWithPassword(v.Blob, v.Password)
	if err != nil {
		r.recordAccess(ctx, v.ID, runID, "decryption_failed", err)
		return nil, err
	}
	r.recordAccess(ctx, v.ID, runID, "", nil)

	handle := &Handle{VaultID: v.ID, Password: v.Password}

	if err := os.MkdirAll(r.tmpDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	dir := filepath.Join(r.tmpDir, dirPrefix+runID.String())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create run vault directory: %w", err)
	}
	handle.dir = dir

	if len(secrets) > 0 {
		if err := validateSecrets(secrets); err != nil {
			_ = handle.Release()
			return nil, err
		}
		path := filepath.Join(dir, "secrets.yml")
		if err := os.WriteFile(path, secrets, 0o600); err != nil {
			_ = handle.Release()
			return nil, fmt.Errorf("failed to write secrets file: %w", err)
		}
		handle.SecretsPath = path
	}

	slog.Debug("Vault acquired",
		"layer", "vault",
		"vault_id", v.ID,
		"run_id", runID,
		"has_secrets", handle.HasSecrets())
	return handle, nil
}

func (r *Resolver) recordAccess(ctx context.Context, vaultID, runID uuid.UUID, reason string, err error) {
	details := map[string]any{
		"run_id":  runID.String(),
		"granted": err == nil,
	}
	if err != nil {
		details["reason"] = reason
		details["error"] = err.Error()
	}
	r.audit.Record(ctx, audit.Entry{
		Actor:      domain.SystemActor("engine", ""),
		Action:     audit.ActionVaultAccess,
		Resource:   "vault",
		ResourceID: vaultID.String(),
		Details:    details,
	})
}

// Sweep removes decrypted material whose run is no longer active. The
// directory is shared with other engine processes, so material of a run
// still executing anywhere is kept.
func (r *Resolver) Sweep(isActive func(runID uuid.UUID) bool) (int, error) {
	entries, err := os.ReadDir(r.tmpDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read vault directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		// Unparsable names cannot belong to a run and are always removed
		if runID, err := uuid.Parse(strings.TrimPrefix(entry.Name(), dirPrefix)); err == nil && isActive(runID) {
			continue
		}
		path := filepath.Join(r.tmpDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Error("Failed to remove orphaned vault material",
				"layer", "vault",
				"path", path,
				"error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		slog.Warn("Removed orphaned vault material", "layer", "vault", "count", removed)
	}
	return removed, nil
}

// validateSecrets requires the decrypted file to be a YAML mapping usable as extra vars
func validateSecrets(secrets []byte) error {
	var vars map[string]any
	if err := yaml.Unmarshal(secrets, &vars); err != nil {
		return &domain.DecryptionError{Reason: "vault secrets are not valid YAML"}
	}
	if vars == nil {
		return &domain.DecryptionError{Reason: "vault secrets are not a YAML mapping"}
	}
	return nil
}

// ImportRequest carries a plaintext vault file to seal and store
type ImportRequest struct {
	Name        string
	Description string
	Password    string
	FileName    string
	Secrets     []byte // empty for a password-only vault
}

// Import seals the secrets with the vault password and stores the vault
func (r *Resolver) Import(ctx context.Context, actor domain.Actor, req ImportRequest) (*domain.Vault, error) {
	if !actor.CanAdminister() {
		return nil, &domain.AuthorizationError{Reason: "only admins may import vaults"}
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, &domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if req.Password == "" {
		return nil, &domain.ValidationError{Field: "password", Reason: "is required"}
	}
	if len(req.Secrets) > 0 {
		if err := validateSecrets(req.Secrets); err != nil {
			return nil, &domain.ValidationError{Field: "file", Reason: "must be a YAML mapping"}
		}
	}

	if _, err := r.vaults.FindByName(req.Name); err == nil {
		return nil, &domain.ValidationError{Field: "name", Reason: fmt.Sprintf("vault %q already exists", req.Name)}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up vault: %w", err)
	}

	var blob []byte
	if len(req.Secrets) > 0 {
		sealed, err := encryption.SealWithPassword(req.Secrets, req.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to seal vault: %w", err)
		}
		blob = sealed
	}

	v, err := r.vaults.Create(&domain.Vault{
		ID:          uuid.New(),
		Name:        req.Name,
		Description: req.Description,
		Password:    req.Password,
		Blob:        blob,
		FileName:    req.FileName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store vault: %w", err)
	}

	r.audit.Record(ctx, audit.Entry{
		Actor:      actor,
		Action:     audit.ActionConfigChange,
		Resource:   "vault",
		ResourceID: v.ID.String(),
		Details: map[string]any{
			"operation": "import",
			"name":      v.Name,
			"has_file":  v.HasFile(),
		},
	})

	slog.Info("Vault imported",
		"layer", "vault",
		"operation", "import",
		"vault_id", v.ID,
		"vault_name", v.Name)
	return v, nil
}

// List returns vault metadata without secrets
func (r *Resolver) List() ([]*domain.Vault, error) {
	vaults, err := r.vaults.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	return vaults, nil
}
