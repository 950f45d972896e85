package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tempo/backend/internal/events"
)

const migrationBackfillVersionKind = "2026-06-18_backfill_version_change_kind"

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
		{name: migrationBackfillVersionKind, apply: backfillVersionKind},
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

// Version rows written before the change-kind column existed carry an empty
// kind; version 1 is always a create, everything later an update.
func backfillVersionKind(db *gorm.DB) error {
	if err := db.Model(&events.EventVersion{}).
		Where("kind = '' AND version_number = 1").
		Update("kind", events.ChangeKindCreate).Error; err != nil {
		return err
	}
	return db.Model(&events.EventVersion{}).
		Where("kind = '' AND version_number > 1").
		Update("kind", events.ChangeKindUpdate).Error
}
