package repository

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/oar-cd/conductor/db"
	"github.com/oar-cd/conductor/domain"
)

type FormRepository interface {
	FindByID(id uuid.UUID) (*domain.Form, error)
	FindByName(name string) (*domain.Form, error)
	Create(form *domain.Form) (*domain.Form, error)
	// Update replaces the form's columns and fields; NextRunAt is left untouched
	Update(form *domain.Form) error
	List() ([]*domain.Form, error)
	ListScheduled() ([]*domain.Form, error)
	ListDue(now time.Time) ([]*domain.Form, error)
	ListWithWebhook() ([]*domain.Form, error)
	SetNextRunAt(id uuid.UUID, next *time.Time) error
	DisableSchedule(id uuid.UUID) error
	Delete(id uuid.UUID) error
}

type formRepository struct {
	db     *gorm.DB
	mapper *FormMapper
}

func orderedFields(tx *gorm.DB) *gorm.DB {
	return tx.Order("sort_order ASC, name ASC")
}

func (r *formRepository) withFields() *gorm.DB {
	return r.db.Preload("Fields", orderedFields)
}

func (r *formRepository) toDomain(models []db.FormModel) ([]*domain.Form, error) {
	forms := make([]*domain.Form, 0, len(models))
	for i := range models {
		form, err := r.mapper.ToDomain(&models[i])
		if err != nil {
			slog.Error("Skipping unreadable form",
				"layer", "repository",
				"form_id", models[i].ID,
				"form_name", models[i].Name,
				"error", err)
			continue
		}
		forms = append(forms, form)
	}
	return forms, nil
}

func (r *formRepository) FindByID(id uuid.UUID) (*domain.Form, error) {
	var m db.FormModel
	if err := r.withFields().Where("id = ?", id).First(&m).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "find_form",
			"form_id", id,
			"error", err)
		return nil, err
	}
	return r.mapper.ToDomain(&m)
}

func (r *formRepository) FindByName(name string) (*domain.Form, error) {
	var m db.FormModel
	if err := r.withFields().Where("name = ?", name).First(&m).Error; err != nil {
		return nil, err
	}
	return r.mapper.ToDomain(&m)
}

func (r *formRepository) Create(form *domain.Form) (*domain.Form, error) {
	if form.ID == uuid.Nil {
		form.ID = uuid.New()
	}
	assignFieldIDs(form)

	m, err := r.mapper.ToModel(form)
	if err != nil {
		return nil, err
	}
	if err := r.db.Create(m).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "create_form",
			"form_name", form.Name,
			"error", err)
		return nil, err
	}
	return r.FindByID(form.ID)
}

func (r *formRepository) Update(form *domain.Form) error {
	assignFieldIDs(form)
	m, err := r.mapper.ToModel(form)
	if err != nil {
		return err
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&db.FormModel{}).
			Where("id = ?", m.ID).
			Select("*").
			Omit("id", "created_at", "next_run_at", "Fields").
			Updates(m).Error
		if err != nil {
			return err
		}
		if err := tx.Where("form_id = ?", m.ID).Delete(&db.FormFieldModel{}).Error; err != nil {
			return err
		}
		if len(m.Fields) == 0 {
			return nil
		}
		return tx.Create(&m.Fields).Error
	})
}

func (r *formRepository) List() ([]*domain.Form, error) {
	var models []db.FormModel
	if err := r.withFields().Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return r.toDomain(models)
}

func (r *formRepository) ListScheduled() ([]*domain.Form, error) {
	var models []db.FormModel
	err := r.withFields().
		Where("schedule_enabled = ? AND schedule_cron <> ''", true).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return r.toDomain(models)
}

func (r *formRepository) ListDue(now time.Time) ([]*domain.Form, error) {
	var models []db.FormModel
	err := r.withFields().
		Where("schedule_enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return r.toDomain(models)
}

func (r *formRepository) ListWithWebhook() ([]*domain.Form, error) {
	var models []db.FormModel
	if err := r.withFields().Where("webhook_token <> ''").Find(&models).Error; err != nil {
		return nil, err
	}
	return r.toDomain(models)
}

func (r *formRepository) SetNextRunAt(id uuid.UUID, next *time.Time) error {
	return r.db.Model(&db.FormModel{}).
		Where("id = ?", id).
		Update("next_run_at", next).Error
}

func (r *formRepository) DisableSchedule(id uuid.UUID) error {
	return r.db.Model(&db.FormModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"schedule_enabled": false,
			"next_run_at":      nil,
		}).Error
}

func (r *formRepository) Delete(id uuid.UUID) error {
	err := r.db.Where("id = ?", id).Delete(&db.FormModel{}).Error
	if err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "delete_form",
			"form_id", id,
			"error", err)
	}
	return err
}

func assignFieldIDs(form *domain.Form) {
	for i := range form.Fields {
		if form.Fields[i].ID == uuid.Nil {
			form.Fields[i].ID = uuid.New()
		}
		form.Fields[i].FormID = form.ID
	}
}

func NewFormRepository(db *gorm.DB) FormRepository {
	return &formRepository{
		db:     db,
		mapper: &FormMapper{},
	}
}
