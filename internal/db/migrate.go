package db

import (
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Template{},
		&models.Screen{},
		&models.Component{},
		&models.Operator{},
		&models.Conversation{},
		&models.Message{},
		&models.BusMessage{},
		&models.Bot{},
		&models.BotOperator{},
		&models.BotChat{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
