package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/momentum/internal/taskgraph"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func openMigratedSchema(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&taskgraph.EntityRow{}, &taskgraph.FeedMutation{}, &taskgraph.SyncEpoch{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsSeedsSyncEpochOnce(testContext *testing.T) {
	database := openMigratedSchema(testContext)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}

	var epochs []taskgraph.SyncEpoch
	if err := database.Find(&epochs).Error; err != nil {
		testContext.Fatalf("failed to load epochs: %v", err)
	}
	if len(epochs) != 1 {
		testContext.Fatalf("expected exactly one epoch, got %d", len(epochs))
	}
	if epochs[0].Epoch == "" {
		testContext.Fatalf("expected epoch identifier to be set")
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationSeedSyncEpoch).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsBackfillsEntityHashes(testContext *testing.T) {
	database := openMigratedSchema(testContext)

	row := taskgraph.EntityRow{
		UserID:          "user-1",
		Kind:            "Task",
		EntityID:        "task-1",
		Fields:          datatypes.JSONMap{"title": "write report"},
		UpdatedAtMillis: 1_700_000_000_000,
		StateHash:       "",
		Version:         1,
	}
	if err := database.Create(&row).Error; err != nil {
		testContext.Fatalf("failed to insert entity: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored taskgraph.EntityRow
	if err := database.Where("user_id = ? AND kind = ? AND entity_id = ?", row.UserID, row.Kind, row.EntityID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload entity: %v", err)
	}
	expected, err := taskgraph.RowHash(stored)
	if err != nil {
		testContext.Fatalf("failed to hash row: %v", err)
	}
	if stored.StateHash != expected {
		testContext.Fatalf("expected backfilled hash %q, got %q", expected, stored.StateHash)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
