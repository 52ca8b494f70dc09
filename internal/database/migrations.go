package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/receiptsync/internal/images"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationEnforceUploadedAt = "2026-10-01_enforce_uploaded_at"

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
		{name: migrationEnforceUploadedAt, apply: enforceUploadedAt},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// enforceUploadedAt backfills uploaded_at so quota recomputation counts every uploaded row,
// and clears it from rows that never finished uploading.
func enforceUploadedAt(db *gorm.DB) error {
	if err := db.Model(&images.Image{}).
		Where("status = ? AND uploaded_at IS NULL", images.StatusUploaded).
		Update("uploaded_at", gorm.Expr("updated_at")).Error; err != nil {
		return err
	}
	return db.Model(&images.Image{}).
		Where("status <> ? AND uploaded_at IS NOT NULL", images.StatusUploaded).
		Update("uploaded_at", nil).Error
}
