package repository

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oar-cd/conductor/db"
)

// ServerLeaseRepository stores the per-server locks shared by every engine
// process using the same database.
type ServerLeaseRepository interface {
	// TryAcquire takes the lease on serverID for runID unless a live lease
	// exists. An expired lease is taken over.
	TryAcquire(serverID, runID uuid.UUID, ownerID string, now time.Time, ttl time.Duration) (bool, error)
	// Renew extends a lease still held by runID. False means the lease was lost.
	Renew(serverID, runID uuid.UUID, expiresAt time.Time) (bool, error)
	// Release drops the lease if runID still holds it
	Release(serverID, runID uuid.UUID) error
}

type serverLeaseRepository struct {
	db *gorm.DB
}

func (r *serverLeaseRepository) TryAcquire(serverID, runID uuid.UUID, ownerID string, now time.Time, ttl time.Duration) (bool, error) {
	now = now.UTC()

	// Leases of dead processes are reclaimed once they expire
	err := r.db.Where("server_id = ? AND expires_at < ?", serverID, now).
		Delete(&db.ServerLeaseModel{}).Error
	if err != nil {
		return false, err
	}

	res := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&db.ServerLeaseModel{
		ServerID:  serverID,
		RunID:     runID,
		OwnerID:   ownerID,
		ExpiresAt: now.Add(ttl),
	})
	if res.Error != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "acquire_lease",
			"server_id", serverID,
			"run_id", runID,
			"error", res.Error)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *serverLeaseRepository) Renew(serverID, runID uuid.UUID, expiresAt time.Time) (bool, error) {
	res := r.db.Model(&db.ServerLeaseModel{}).
		Where("server_id = ? AND run_id = ?", serverID, runID).
		UpdateColumn("expires_at", expiresAt.UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *serverLeaseRepository) Release(serverID, runID uuid.UUID) error {
	return r.db.Where("server_id = ? AND run_id = ?", serverID, runID).
		Delete(&db.ServerLeaseModel{}).Error
}

func NewServerLeaseRepository(db *gorm.DB) ServerLeaseRepository {
	return &serverLeaseRepository{db: db}
}
