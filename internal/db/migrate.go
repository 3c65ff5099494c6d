package db

import (
	"fmt"

	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.ModelEntry{},
	}
}

// AutoMigrate creates or updates all tables. It is idempotent and safe to
// run on every process start.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
