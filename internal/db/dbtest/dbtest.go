// Package dbtest provides migrated in-memory databases for tests.
package dbtest

import (
	"testing"

	"github.com/bookstore/services/storefront/internal/db"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
)

// New returns a fresh sqlite database with every migration applied.
// A single connection keeps the in-memory database shared by all queries.
func New(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(sqlite.Open("file::memory:?_foreign_keys=on"), zap.NewNop())
	require.NoError(t, err)

	sqlDB, err := database.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.RunMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	return database
}
