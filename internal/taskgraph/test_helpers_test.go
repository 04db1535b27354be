package taskgraph

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testEpoch = "epoch-test"

func newTestService(t *testing.T, pageLimit int) (*Service, *gorm.DB) {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "taskgraph.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&EntityRow{}, &FeedMutation{}, &SyncEpoch{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Create(&SyncEpoch{Epoch: testEpoch, CreatedAtMs: 1}).Error; err != nil {
		t.Fatalf("failed to seed epoch: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:      db,
		Clock:         func() time.Time { return time.UnixMilli(1_800_000_000_000).UTC() },
		Logger:        zap.NewNop(),
		PullPageLimit: pageLimit,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db
}

func mustRecord(t *testing.T, cfg entities.MutationConfig) PushRecord {
	t.Helper()
	mutation, err := entities.NewMutation(cfg)
	if err != nil {
		t.Fatalf("unexpected mutation error: %v", err)
	}
	return PushRecord{EntityID: mutation.ID.String(), Mutation: mutation}
}

func upsertTask(t *testing.T, id string, updatedAt int64, device string, fields map[string]any) PushRecord {
	t.Helper()
	return mustRecord(t, entities.MutationConfig{
		Entity:       "Task",
		Op:           "upsert",
		ID:           id,
		Fields:       fields,
		UpdatedAt:    entities.Timestamp(updatedAt),
		OriginDevice: device,
	})
}

func deleteTask(t *testing.T, id string, updatedAt int64, device string) PushRecord {
	t.Helper()
	return mustRecord(t, entities.MutationConfig{
		Entity:       "Task",
		Op:           "delete",
		ID:           id,
		UpdatedAt:    entities.Timestamp(updatedAt),
		OriginDevice: device,
	})
}
