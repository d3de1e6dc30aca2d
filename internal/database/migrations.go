package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/cadenzalab/woodshed/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillRecordChecksums = "2026-07-14_backfill_record_checksums"

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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillRecordChecksums, apply: backfillRecordChecksums},
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

// backfillRecordChecksums computes content hashes for rows written before the
// checksum column existed. Rows whose payload no longer parses are left alone.
func backfillRecordChecksums(db *gorm.DB) error {
	var records []store.Record
	if err := db.Where("checksum = ''").Find(&records).Error; err != nil {
		return err
	}

	for _, record := range records {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(record.Data), &payload); err != nil {
			continue
		}
		sum, err := store.Checksum(payload)
		if err != nil {
			continue
		}
		err = db.Model(&store.Record{}).
			Where("user_id = ? AND entity_type = ? AND entity_id = ?", record.UserID, record.EntityType, record.EntityID).
			Update("checksum", sum).Error
		if err != nil {
			return err
		}
	}
	return nil
}
