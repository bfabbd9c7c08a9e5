package repository

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/oar-cd/conductor/db"
	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/encryption"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.InitDatabase(db.DBConfig{Path: ":memory:", LogLevel: logger.Silent})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrateAll(database))
	return database
}

func setupEncryption(t *testing.T) *encryption.EncryptionService {
	t.Helper()
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	svc, err := encryption.NewEncryptionService(key)
	require.NoError(t, err)
	return svc
}

func createServer(t *testing.T, repo ServerRepository, name string) *domain.Server {
	t.Helper()
	server, err := repo.Create(&domain.Server{
		Name:     name,
		Host:     name + ".internal",
		Username: "deploy",
	})
	require.NoError(t, err)
	return server
}
