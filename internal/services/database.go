package services

import (
	"time"

	"github.com/labstack/gommon/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"school_billing_echo/internal/models"
)

// InitDB initializes the database connection with connection pooling
func InitDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("Database connection established")
	return db, nil
}

// AllModels lists every table the billing engine owns
func AllModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Parent{},
		&models.Student{},
		&models.Invoice{},
		&models.InvoiceApplication{},
		&models.Payment{},
		&models.PaymentSession{},
		&models.Reconciliation{},
		&models.PaymentCallbackHistory{},
		&models.ParentNotifPreference{},
		&models.ScheduledTask{},
		&models.ScheduledTaskHistory{},
	}
}

// AutoMigrate runs database migrations for all models
func AutoMigrate(db *gorm.DB) error {
	log.Info("Running database migrations...")

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return err
	}

	log.Info("Database migrations completed")
	return nil
}
