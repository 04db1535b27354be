package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"github.com/MarcoPoloResearchLab/momentum/internal/taskgraph"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSeedSyncEpoch        = "2026-09-01_seed_sync_epoch"
	migrationBackfillEntityHashes = "2026-09-20_backfill_entity_hashes"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var epochIDProvider = entities.NewUUIDProvider()

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedSyncEpoch, apply: seedSyncEpoch},
		{name: migrationBackfillEntityHashes, apply: backfillEntityHashes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// seedSyncEpoch opens the first feed generation. Cursors carry the epoch, so
// a database recreated from scratch invalidates every cursor devices hold.
func seedSyncEpoch(db *gorm.DB) error {
	var count int64
	if err := db.Model(&taskgraph.SyncEpoch{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	epoch, err := epochIDProvider.NewID()
	if err != nil {
		return err
	}
	return db.Create(&taskgraph.SyncEpoch{
		Epoch:       epoch,
		CreatedAtMs: time.Now().UTC().UnixMilli(),
	}).Error
}

// backfillEntityHashes recomputes state hashes for rows written without one.
func backfillEntityHashes(db *gorm.DB) error {
	var rows []taskgraph.EntityRow
	if err := db.Where("state_hash = ?", "").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		hash, err := taskgraph.RowHash(row)
		if err != nil {
			return err
		}
		if err := db.Model(&taskgraph.EntityRow{}).
			Where("user_id = ? AND kind = ? AND entity_id = ?", row.UserID, row.Kind, row.EntityID).
			Update("state_hash", hash).Error; err != nil {
			return err
		}
	}
	return nil
}
