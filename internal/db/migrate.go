package db

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_dbchange/internal/model"
)

// Models lists every table managed by the service
func Models() []interface{} {
	return []interface{}{
		&model.User{},
		&model.Environment{},
		&model.DBInstance{},
		&model.DBSchema{},
		&model.Order{},
		&model.OrderUser{},
		&model.OrderHook{},
		&model.OrderTask{},
		&model.OrderOpLog{},
	}
}

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB) error {
	logrus.Info("Starting database migration...")

	models := Models()
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	logrus.Infof("Database migration completed successfully (%d tables)", len(models))
	return nil
}
