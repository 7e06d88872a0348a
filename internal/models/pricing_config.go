package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScopeType identifies which cascade level a pricing config binds to.
type ScopeType string

// Cascade levels in descending priority.
const (
	// ScopeCombination matches tier + provider + model.
	ScopeCombination ScopeType = "combination"
	// ScopeModel matches provider + model for any tier.
	ScopeModel ScopeType = "model"
	// ScopeProvider matches provider only.
	ScopeProvider ScopeType = "provider"
	// ScopeTier matches subscription tier only.
	ScopeTier ScopeType = "tier"
)

// ApprovalStatus tracks the review state of a pricing config.
type ApprovalStatus string

// ApprovalStatus values.
const (
	// ApprovalPending marks a config awaiting review.
	ApprovalPending ApprovalStatus = "pending"
	// ApprovalApproved marks a config cleared for resolution.
	ApprovalApproved ApprovalStatus = "approved"
	// ApprovalRejected marks a config declined by review.
	ApprovalRejected ApprovalStatus = "rejected"
)

// PricingConfig defines a margin multiplier for one cascade scope.
// Only active and approved rows participate in resolution.
type PricingConfig struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ScopeType ScopeType `gorm:"type:varchar(32);not null;index"` // Cascade level.

	Tier     string `gorm:"type:varchar(255);index"` // Subscription tier filter, empty when unscoped.
	Provider string `gorm:"type:varchar(255);index"` // Provider filter, lowercase, empty when unscoped.
	Model    string `gorm:"type:varchar(255);index"` // Model filter, empty when unscoped.

	MarginMultiplier    decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Factor applied to vendor cost, > 0.
	TargetMarginPercent decimal.Decimal `gorm:"type:decimal(20,10)"`          // Advisory target margin percentage.

	EffectiveFrom  time.Time  `gorm:"not null;index"` // Start of the effective window.
	EffectiveUntil *time.Time `gorm:"index"`          // End of the effective window, open when nil.

	ApprovalStatus ApprovalStatus `gorm:"type:varchar(32);not null;default:'pending';index"` // Review state.
	IsActive       bool           `gorm:"not null;default:true"`                             // Whether the row is live.

	CreatedBy          string              `gorm:"type:varchar(255)"`   // Actor who created or changed the row.
	ApprovedBy         string              `gorm:"type:varchar(255)"`   // Actor who approved or rejected the row.
	Reason             string              `gorm:"type:text"`           // Free-form change justification.
	PreviousMultiplier decimal.NullDecimal `gorm:"type:decimal(20,10)"` // Multiplier before the last change.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Resolvable reports whether the config may participate in multiplier
// resolution at the given instant.
func (c *PricingConfig) Resolvable(at time.Time) bool {
	if c == nil || !c.IsActive || c.ApprovalStatus != ApprovalApproved {
		return false
	}
	if at.Before(c.EffectiveFrom) {
		return false
	}
	if c.EffectiveUntil != nil && at.After(*c.EffectiveUntil) {
		return false
	}
	return true
}
