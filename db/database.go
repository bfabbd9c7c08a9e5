package db

import (
	"context"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the database at path and applies all migrations
func InitDB(path string) (*gorm.DB, error) {
	slog.Debug("Initializing database", "path", path)

	db, err := InitDatabase(DBConfig{
		Path:     path,
		LogLevel: getGormLogLevel(),
	})
	if err != nil {
		return nil, err
	}

	if err := AutoMigrateAll(db); err != nil {
		return nil, err
	}

	return db, nil
}

// getGormLogLevel maps application log level to corresponding GORM log level
func getGormLogLevel() logger.LogLevel {
	l := slog.Default()

	switch {
	case l.Enabled(context.TODO(), slog.LevelDebug):
		return logger.Info // SQL queries only with debug logging
	case l.Enabled(context.TODO(), slog.LevelWarn):
		return logger.Warn
	case l.Enabled(context.TODO(), slog.LevelError):
		return logger.Error
	default:
		return logger.Silent
	}
}
