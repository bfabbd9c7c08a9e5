package repository

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/oar-cd/conductor/db"
	"github.com/oar-cd/conductor/domain"
)

// AuditRepository is append-only: there is no update or delete
type AuditRepository interface {
	Create(entry *domain.AuditLog) error
	List(limit, offset int) ([]*domain.AuditLog, int64, error)
}

type auditRepository struct {
	db *gorm.DB
}

func (r *auditRepository) Create(entry *domain.AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	m, err := auditToModel(entry)
	if err != nil {
		return err
	}
	if err := r.db.Create(m).Error; err != nil {
		return err
	}
	entry.CreatedAt = m.CreatedAt
	return nil
}

func (r *auditRepository) List(limit, offset int) ([]*domain.AuditLog, int64, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	var total int64
	if err := r.db.Model(&db.AuditLogModel{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var models []db.AuditLogModel
	if err := r.db.Order("created_at DESC").Limit(limit).Offset(offset).Find(&models).Error; err != nil {
		return nil, 0, err
	}

	entries := make([]*domain.AuditLog, len(models))
	for i := range models {
		entries[i] = auditToDomain(&models[i])
	}
	return entries, total, nil
}

func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}
