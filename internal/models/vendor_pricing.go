package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VendorPricing stores per-model token prices charged by an upstream provider.
// Prices are USD per 1,000 tokens. At most one active row covers a given
// (provider, model, instant); lookups fail closed when none matches.
type VendorPricing struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider string `gorm:"type:varchar(255);not null;index:idx_vendor_pricing_scope"` // Provider name, lowercase.
	Model    string `gorm:"type:varchar(255);not null;index:idx_vendor_pricing_scope"` // Model name.

	InputPricePer1K  decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Input token price per 1K.
	OutputPricePer1K decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Output token price per 1K.

	CacheWritePricePer1K decimal.NullDecimal `gorm:"type:decimal(20,10)"` // Cache write price per 1K, if priced explicitly.
	CacheReadPricePer1K  decimal.NullDecimal `gorm:"type:decimal(20,10)"` // Cache read price per 1K, if priced explicitly.

	EffectiveFrom  time.Time  `gorm:"not null;index"` // Start of the effective window.
	EffectiveUntil *time.Time `gorm:"index"`          // End of the effective window, open when nil.

	IsActive bool `gorm:"not null;default:true"` // Whether the row participates in lookups.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Covers reports whether the row is effective at the given instant.
func (p *VendorPricing) Covers(at time.Time) bool {
	if p == nil || !p.IsActive {
		return false
	}
	if at.Before(p.EffectiveFrom) {
		return false
	}
	if p.EffectiveUntil != nil && at.After(*p.EffectiveUntil) {
		return false
	}
	return true
}
