package models

import (
	"fmt"

	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}
	if err := db.AutoMigrate(&ActionRecord{}, &User{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
