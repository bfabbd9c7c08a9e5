package repository

import (
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/oar-cd/conductor/db"
	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/encryption"
)

type ServerRepository interface {
	FindByID(id uuid.UUID) (*domain.Server, error)
	FindByName(name string) (*domain.Server, error)
	Create(server *domain.Server) (*domain.Server, error)
	Update(server *domain.Server) error
	List() ([]*domain.Server, error)
	Delete(id uuid.UUID) error
}

type serverRepository struct {
	db     *gorm.DB
	mapper *ServerMapper
}

func (r *serverRepository) FindByID(id uuid.UUID) (*domain.Server, error) {
	var m db.ServerModel
	if err := r.db.Where("id = ?", id).First(&m).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "find_server",
			"server_id", id,
			"error", err)
		return nil, err
	}
	return r.mapper.ToDomain(&m), nil
}

func (r *serverRepository) FindByName(name string) (*domain.Server, error) {
	var m db.ServerModel
	if err := r.db.Where("name = ?", name).First(&m).Error; err != nil {
		return nil, err
	}
	return r.mapper.ToDomain(&m), nil
}

func (r *serverRepository) Create(server *domain.Server) (*domain.Server, error) {
	if server.ID == uuid.Nil {
		server.ID = uuid.New()
	}
	m, err := r.mapper.ToModel(server)
	if err != nil {
		return nil, err
	}
	if err := r.db.Create(m).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "create_server",
			"server_name", server.Name,
			"error", err)
		return nil, err
	}
	return r.mapper.ToDomain(m), nil
}

func (r *serverRepository) Update(server *domain.Server) error {
	m, err := r.mapper.ToModel(server)
	if err != nil {
		return err
	}
	return r.db.Model(&db.ServerModel{}).
		Where("id = ?", m.ID).
		Select("*").
		Omit("created_at").
		Updates(m).
		Error
}

func (r *serverRepository) List() ([]*domain.Server, error) {
	var models []db.ServerModel
	if err := r.db.Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	servers := make([]*domain.Server, len(models))
	for i := range models {
		servers[i] = r.mapper.ToDomain(&models[i])
	}
	return servers, nil
}

func (r *serverRepository) Delete(id uuid.UUID) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM server_group_members WHERE server_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&db.ServerModel{}).Error
	})
}

func NewServerRepository(db *gorm.DB, encryptionSvc *encryption.EncryptionService) ServerRepository {
	return &serverRepository{
		db:     db,
		mapper: NewServerMapper(encryptionSvc),
	}
}

type ServerGroupRepository interface {
	FindByID(id uuid.UUID) (*domain.ServerGroup, error)
	FindByName(name string) (*domain.ServerGroup, error)
	Create(group *domain.ServerGroup) (*domain.ServerGroup, error)
	Update(group *domain.ServerGroup) error
	// SetMembers replaces the membership of a group
	SetMembers(groupID uuid.UUID, serverIDs []uuid.UUID) error
	// Members returns the servers of a group ordered by name
	Members(groupID uuid.UUID) ([]*domain.Server, error)
}

type serverGroupRepository struct {
	db     *gorm.DB
	mapper *ServerMapper
}

func groupToDomain(m *db.ServerGroupModel) *domain.ServerGroup {
	return &domain.ServerGroup{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func (r *serverGroupRepository) FindByID(id uuid.UUID) (*domain.ServerGroup, error) {
	var m db.ServerGroupModel
	if err := r.db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return groupToDomain(&m), nil
}

func (r *serverGroupRepository) FindByName(name string) (*domain.ServerGroup, error) {
	var m db.ServerGroupModel
	if err := r.db.Where("name = ?", name).First(&m).Error; err != nil {
		return nil, err
	}
	return groupToDomain(&m), nil
}

func (r *serverGroupRepository) Create(group *domain.ServerGroup) (*domain.ServerGroup, error) {
	if group.ID == uuid.Nil {
		group.ID = uuid.New()
	}
	m := &db.ServerGroupModel{
		BaseModel:   db.BaseModel{ID: group.ID},
		Name:        group.Name,
		Description: group.Description,
	}
	if err := r.db.Create(m).Error; err != nil {
		return nil, err
	}
	return groupToDomain(m), nil
}

func (r *serverGroupRepository) Update(group *domain.ServerGroup) error {
	return r.db.Model(&db.ServerGroupModel{}).
		Where("id = ?", group.ID).
		Updates(map[string]any{
			"name":        group.Name,
			"description": group.Description,
		}).Error
}

func (r *serverGroupRepository) SetMembers(groupID uuid.UUID, serverIDs []uuid.UUID) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM server_group_members WHERE group_id = ?", groupID).Error; err != nil {
			return err
		}
		for _, serverID := range serverIDs {
			err := tx.Exec(
				"INSERT OR IGNORE INTO server_group_members (group_id, server_id) VALUES (?, ?)",
				groupID, serverID,
			).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *serverGroupRepository) Members(groupID uuid.UUID) ([]*domain.Server, error) {
	var models []db.ServerModel
	err := r.db.
		Joins("JOIN server_group_members m ON m.server_id = servers.id").
		Where("m.group_id = ?", groupID).
		Order("servers.name ASC").
		Find(&models).Error
	if err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "list_group_members",
			"group_id", groupID,
			"error", err)
		return nil, err
	}

	servers := make([]*domain.Server, len(models))
	for i := range models {
		servers[i] = r.mapper.ToDomain(&models[i])
	}
	return servers, nil
}

func NewServerGroupRepository(db *gorm.DB, encryptionSvc *encryption.EncryptionService) ServerGroupRepository {
	return &serverGroupRepository{
		db:     db,
		mapper: NewServerMapper(encryptionSvc),
	}
}

type PlaybookRepository interface {
	// FindByID excludes deleted playbooks
	FindByID(id uuid.UUID) (*domain.Playbook, error)
	FindByName(name string) (*domain.Playbook, error)
	Create(playbook *domain.Playbook) (*domain.Playbook, error)
	Update(playbook *domain.Playbook) error
	List() ([]*domain.Playbook, error)
	// Delete is a soft delete; runs keep referencing the row
	Delete(id uuid.UUID) error
}

type playbookRepository struct {
	db *gorm.DB
}

func playbookToDomain(m *db.PlaybookModel) *domain.Playbook {
	return &domain.Playbook{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		FilePath:    m.FilePath,
		Deleted:     m.DeletedAt.Valid,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func (r *playbookRepository) FindByID(id uuid.UUID) (*domain.Playbook, error) {
	var m db.PlaybookModel
	if err := r.db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return playbookToDomain(&m), nil
}

func (r *playbookRepository) FindByName(name string) (*domain.Playbook, error) {
	var m db.PlaybookModel
	if err := r.db.Where("name = ?", name).First(&m).Error; err != nil {
		return nil, err
	}
	return playbookToDomain(&m), nil
}

func (r *playbookRepository) Create(playbook *domain.Playbook) (*domain.Playbook, error) {
	if playbook.ID == uuid.Nil {
		playbook.ID = uuid.New()
	}
	m := &db.PlaybookModel{
		BaseModel:   db.BaseModel{ID: playbook.ID},
		Name:        playbook.Name,
		Description: playbook.Description,
		FilePath:    playbook.FilePath,
	}
	if err := r.db.Create(m).Error; err != nil {
		return nil, err
	}
	return playbookToDomain(m), nil
}

func (r *playbookRepository) Update(playbook *domain.Playbook) error {
	return r.db.Model(&db.PlaybookModel{}).
		Where("id = ?", playbook.ID).
		Updates(map[string]any{
			"name":        playbook.Name,
			"description": playbook.Description,
			"file_path":   playbook.FilePath,
		}).Error
}

func (r *playbookRepository) List() ([]*domain.Playbook, error) {
	var models []db.PlaybookModel
	if err := r.db.Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	playbooks := make([]*domain.Playbook, len(models))
	for i := range models {
		playbooks[i] = playbookToDomain(&models[i])
	}
	return playbooks, nil
}

func (r *playbookRepository) Delete(id uuid.UUID) error {
	return r.db.Where("id = ?", id).Delete(&db.PlaybookModel{}).Error
}

func NewPlaybookRepository(db *gorm.DB) PlaybookRepository {
	return &playbookRepository{db: db}
}

type VaultRepository interface {
	FindByID(id uuid.UUID) (*domain.Vault, error)
	FindByName(name string) (*domain.Vault, error)
	Create(vault *domain.Vault) (*domain.Vault, error)
	List() ([]*domain.Vault, error)
}

type vaultRepository struct {
	db     *gorm.DB
	mapper *VaultMapper
}

func (r *vaultRepository) FindByID(id uuid.UUID) (*domain.Vault, error) {
	var m db.VaultModel
	if err := r.db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return r.mapper.ToDomain(&m)
}

func (r *vaultRepository) FindByName(name string) (*domain.Vault, error) {
	var m db.VaultModel
	if err := r.db.Where("name = ?", name).First(&m).Error; err != nil {
		return nil, err
	}
	return r.mapper.ToDomain(&m)
}

func (r *vaultRepository) Create(vault *domain.Vault) (*domain.Vault, error) {
	if vault.ID == uuid.Nil {
		vault.ID = uuid.New()
	}
	m, err := r.mapper.ToModel(vault)
	if err != nil {
		return nil, err
	}
	if err := r.db.Create(m).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "create_vault",
			"vault_name", vault.Name,
			"error", err)
		return nil, err
	}
	return r.mapper.ToDomain(m)
}

// List omits blobs and passwords
func (r *vaultRepository) List() ([]*domain.Vault, error) {
	var models []db.VaultModel
	if err := r.db.Select("id", "name", "description", "file_name", "created_at", "updated_at").
		Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	vaults := make([]*domain.Vault, len(models))
	for i, m := range models {
		vaults[i] = &domain.Vault{
			ID:          m.ID,
			Name:        m.Name,
			Description: m.Description,
			FileName:    m.FileName,
			CreatedAt:   m.CreatedAt,
			UpdatedAt:   m.UpdatedAt,
		}
	}
	return vaults, nil
}

func NewVaultRepository(db *gorm.DB, encryptionSvc *encryption.EncryptionService) VaultRepository {
	return &vaultRepository{
		db:     db,
		mapper: &VaultMapper{encryption: encryptionSvc},
	}
}
