package db

import (
	"fmt"

	"github.com/router-for-me/CreditMeter/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the schema for all metering entities.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.Setting{},
		&models.VendorPricing{},
		&models.PricingConfig{},
		&models.CreditBalance{},
		&models.CreditDeductionRecord{},
		&models.Usage{},
	)
}
