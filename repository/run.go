package repository

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/oar-cd/conductor/db"
	"github.com/oar-cd/conductor/domain"
)

// ErrTransitionRejected is returned when a conditional status update matched no row
var ErrTransitionRejected = errors.New("run status transition rejected")

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// RunFilter narrows run listings. Nil fields are ignored.
type RunFilter struct {
	FormID   *uuid.UUID
	BatchID  *uuid.UUID
	ServerID *uuid.UUID
	Status   *domain.RunStatus
	Limit    int
	Offset   int
}

func (f RunFilter) scope(tx *gorm.DB) *gorm.DB {
	if f.FormID != nil {
		tx = tx.Where("form_id = ?", *f.FormID)
	}
	if f.BatchID != nil {
		tx = tx.Where("batch_id = ?", *f.BatchID)
	}
	if f.ServerID != nil {
		tx = tx.Where("server_id = ?", *f.ServerID)
	}
	if f.Status != nil {
		tx = tx.Where("status = ?", f.Status.String())
	}
	return tx
}

func (f RunFilter) pageSize() int {
	switch {
	case f.Limit <= 0:
		return defaultPageSize
	case f.Limit > maxPageSize:
		return maxPageSize
	default:
		return f.Limit
	}
}

type RunRepository interface {
	// CreateBatch inserts all runs in one transaction
	CreateBatch(runs []*domain.Run) error
	FindByID(id uuid.UUID) (*domain.Run, error)
	List(filter RunFilter) ([]*domain.Run, int64, error)
	ListByBatchID(batchID uuid.UUID) ([]*domain.Run, error)
	// ListActive returns runs that are pending or running
	ListActive() ([]*domain.Run, error)
	// ListStale returns active runs whose owner has not sent a heartbeat since before
	ListStale(before time.Time) ([]*domain.Run, error)
	// Heartbeat refreshes an active run. ErrTransitionRejected means the run
	// already reached a terminal status.
	Heartbeat(id uuid.UUID, at time.Time) error
	// MarkRunning moves a pending run to running
	MarkRunning(id uuid.UUID, startedAt time.Time) error
	// AppendOutput appends to the output of a running run
	AppendOutput(id uuid.UUID, chunk string) error
	// Finish moves a non-terminal run to a terminal status, appending trailer to its output
	Finish(id uuid.UUID, status domain.RunStatus, finishedAt time.Time, trailer string) error
}

type runRepository struct {
	db     *gorm.DB
	mapper *RunMapper
}

func (r *runRepository) CreateBatch(runs []*domain.Run) error {
	models := make([]*db.RunModel, len(runs))
	for i, run := range runs {
		m, err := r.mapper.ToModel(run)
		if err != nil {
			return err
		}
		models[i] = m
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		for _, m := range models {
			if err := tx.Create(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "create_runs",
			"count", len(runs),
			"error", err)
		return err
	}

	for i, m := range models {
		runs[i].CreatedAt = m.CreatedAt
		runs[i].UpdatedAt = m.UpdatedAt
	}
	return nil
}

func (r *runRepository) FindByID(id uuid.UUID) (*domain.Run, error) {
	var m db.RunModel
	if err := r.db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return r.mapper.ToDomain(&m), nil
}

func (r *runRepository) List(filter RunFilter) ([]*domain.Run, int64, error) {
	var total int64
	if err := r.db.Model(&db.RunModel{}).Scopes(filter.scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var models []db.RunModel
	err := r.db.Scopes(filter.scope).
		Order("created_at DESC").
		Limit(filter.pageSize()).
		Offset(filter.Offset).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return r.toDomain(models), total, nil
}

func (r *runRepository) ListByBatchID(batchID uuid.UUID) ([]*domain.Run, error) {
	var models []db.RunModel
	if err := r.db.Where("batch_id = ?", batchID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return r.toDomain(models), nil
}

func (r *runRepository) ListActive() ([]*domain.Run, error) {
	var models []db.RunModel
	err := r.db.Where("status IN ?", activeStatuses()).Find(&models).Error
	if err != nil {
		return nil, err
	}
	return r.toDomain(models), nil
}

func (r *runRepository) ListStale(before time.Time) ([]*domain.Run, error) {
	var models []db.RunModel
	err := r.db.Where("status IN ?", activeStatuses()).
		Where("(heartbeat_at IS NULL OR heartbeat_at < ?)", before.UTC()).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return r.toDomain(models), nil
}

func (r *runRepository) Heartbeat(id uuid.UUID, at time.Time) error {
	res := r.db.Model(&db.RunModel{}).
		Where("id = ? AND status IN ?", id, activeStatuses()).
		UpdateColumn("heartbeat_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTransitionRejected
	}
	return nil
}

func (r *runRepository) MarkRunning(id uuid.UUID, startedAt time.Time) error {
	res := r.db.Model(&db.RunModel{}).
		Where("id = ? AND status = ?", id, domain.RunStatusPending.String()).
		Updates(map[string]any{
			"status":     domain.RunStatusRunning.String(),
			"started_at": startedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTransitionRejected
	}
	return nil
}

func (r *runRepository) AppendOutput(id uuid.UUID, chunk string) error {
	if chunk == "" {
		return nil
	}
	return r.db.Model(&db.RunModel{}).
		Where("id = ? AND status = ?", id, domain.RunStatusRunning.String()).
		UpdateColumn("output", gorm.Expr("output || ?", chunk)).Error
}

func (r *runRepository) Finish(id uuid.UUID, status domain.RunStatus, finishedAt time.Time, trailer string) error {
	if !status.IsTerminal() {
		return ErrTransitionRejected
	}
	res := r.db.Model(&db.RunModel{}).
		Where("id = ? AND status IN ?", id, activeStatuses()).
		Updates(map[string]any{
			"status":      status.String(),
			"finished_at": finishedAt,
			"output":      gorm.Expr("output || ?", trailer),
		})
	if res.Error != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "finish_run",
			"run_id", id,
			"status", status.String(),
			"error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTransitionRejected
	}
	return nil
}

func activeStatuses() []string {
	return []string{domain.RunStatusPending.String(), domain.RunStatusRunning.String()}
}

func (r *runRepository) toDomain(models []db.RunModel) []*domain.Run {
	runs := make([]*domain.Run, len(models))
	for i := range models {
		runs[i] = r.mapper.ToDomain(&models[i])
	}
	return runs
}

func NewRunRepository(db *gorm.DB) RunRepository {
	return &runRepository{
		db:     db,
		mapper: &RunMapper{},
	}
}
