package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const memoryPath = ":memory:"

// DBConfig holds configuration options for database initialization
type DBConfig struct {
	// Path specifies the database file path. Use ":memory:" for in-memory database
	Path string
	// LogLevel specifies the GORM logging level
	LogLevel logger.LogLevel
}

// InitDatabase opens a SQLite database. The caller runs migrations.
func InitDatabase(config DBConfig) (*gorm.DB, error) {
	dsn := config.Path
	inMemory := config.Path == memoryPath

	if inMemory {
		slog.Debug("Initializing in-memory database")
	} else {
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create database directory", "dir", dir, "error", err)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		slog.Debug("Initializing file-based database", "path", config.Path)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(config.LogLevel),
	})
	if err != nil {
		slog.Error("Failed to connect to database", "dsn", dsn, "error", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection serializes concurrent output appends and keeps an
	// in-memory database alive for the lifetime of the pool.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	pragmas := "PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;"
	if !inMemory {
		pragmas += `
		PRAGMA journal_mode       = WAL;
		PRAGMA synchronous        = NORMAL;
		PRAGMA journal_size_limit = 27103364;
		PRAGMA cache_size         = 2000;`
	}

	if err := db.Exec(pragmas).Error; err != nil {
		slog.Error("Failed to configure database", "error", err)
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return db, nil
}
