package sync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/clinicore/dentsyncgo/internal/database"
	"github.com/clinicore/dentsyncgo/internal/models"
)

// testDB opens a throwaway SQLite store with the sync schema migrated.
// A file-backed database (not :memory:) so concurrent connections share
// state; _busy_timeout makes writers wait instead of failing.
func testDB(t *testing.T) *database.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "sync.db") + "?_busy_timeout=5000"
	g, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	db := database.Wrap(g)
	require.NoError(t, db.AutoMigrate(
		&models.OfflineChange{},
		&models.TenantSequence{},
		&models.EntityState{},
		&models.SyncCheckpoint{},
		&models.DeviceRegistration{},
		&models.OutboxEvent{},
	))
	return db
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
