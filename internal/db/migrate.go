package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/modmail/internal/models"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Category{},
		&models.CategoryRole{},
		&models.Thread{},
		&models.Message{},
		&models.Edit{},
		&models.Attachment{},
		&models.MuteStatus{},
		&models.StandardReply{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// OpenTest opens a migrated in-memory SQLite database. It is used by package
// tests across the repo and by `mm db migrate --dry-run`.
func OpenTest() (*gorm.DB, error) {
	db, err := OpenSQLite(":memory:")
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
