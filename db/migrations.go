package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Migration represents a single database migration
type Migration struct {
	ID   int
	Name string
	Up   func(*gorm.DB) error
}

// allMigrations is the ordered list of all migrations.
// They run before AutoMigrate, so each one must tolerate a fresh database.
var allMigrations = []Migration{
	{
		ID:   1,
		Name: "0001_default_audit_details",
		Up:   migration0001DefaultAuditDetails,
	},
	{
		ID:   2,
		Name: "0002_default_run_trigger",
		Up:   migration0002DefaultRunTrigger,
	},
}

// AllModels returns all the models that need to be migrated
func AllModels() []any {
	return []any{
		&MigrationModel{},
		&ServerModel{},
		&ServerGroupModel{},
		&PlaybookModel{},
		&VaultModel{},
		&FormModel{},
		&FormFieldModel{},
		&RunModel{},
		&ServerLeaseModel{},
		&AuditLogModel{},
	}
}

// AutoMigrateAll runs manual migrations followed by auto-migration for all models
func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(&MigrationModel{}); err != nil {
		return err
	}

	if err := RunMigrations(db, len(allMigrations)); err != nil {
		return err
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return err
	}

	return nil
}

// RunMigrations runs all migrations up to and including the specified ID
// If targetID is 0 or negative, all migrations are run
func RunMigrations(db *gorm.DB, targetID int) error {
	if targetID <= 0 {
		targetID = len(allMigrations)
	}

	for _, migration := range allMigrations {
		if migration.ID > targetID {
			break
		}

		applied, err := migrationApplied(db, migration.Name)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", migration.Name, err)
		}
		if applied {
			continue
		}

		if err := migration.Up(db); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Name, err)
		}

		if err := recordMigration(db, migration.Name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Name, err)
		}
	}

	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var count int64
	err := db.Model(&MigrationModel{}).Where("name = ?", name).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func recordMigration(db *gorm.DB, name string) error {
	migration := MigrationModel{
		Name:      name,
		AppliedAt: time.Now(),
	}
	return db.Create(&migration).Error
}

// migration0001DefaultAuditDetails backfills empty audit details with an empty JSON object
func migration0001DefaultAuditDetails(db *gorm.DB) error {
	if !db.Migrator().HasTable(&AuditLogModel{}) {
		return nil
	}
	return db.Exec("UPDATE audit_logs SET details = '{}' WHERE details IS NULL OR details = ''").Error
}

// migration0002DefaultRunTrigger marks runs created before triggers were tracked as manual
func migration0002DefaultRunTrigger(db *gorm.DB) error {
	if !db.Migrator().HasTable(&RunModel{}) || !db.Migrator().HasColumn(&RunModel{}, "triggered_by") {
		return nil
	}
	return db.Exec("UPDATE runs SET triggered_by = 'manual' WHERE triggered_by IS NULL OR triggered_by = ''").Error
}
