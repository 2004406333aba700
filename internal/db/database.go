package db

import (
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bridge-backend/internal/config"
	"bridge-backend/internal/models"
)

// Connect opens the operator's database and migrates the bridge schema.
// The handle is returned to the caller; nothing in this package keeps
// global state.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	database, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		DisableAutomaticPing:                     true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	log.Println("✅ Database connected successfully")

	if err := Migrate(database); err != nil {
		return nil, err
	}

	return database, nil
}

// Migrate applies the bridge schema. Split out so tests can run it
// against their own database handle.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.AddressMapping{},
		&models.ProcessedDeposit{},
		&models.ProcessedWithdrawal{},
		&models.BridgeState{},
		&models.OperatorKeyShare{},
	); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}

	log.Println("✅ Database schema migrated successfully")
	return nil
}
