package models

import "time"

// CreditType distinguishes credit pools with different drain priority.
type CreditType string

// CreditType values. Free credits drain before purchased ones.
const (
	// CreditTypeFree covers promotional or plan-included credits.
	CreditTypeFree CreditType = "free"
	// CreditTypePurchased covers credits bought by the user.
	CreditTypePurchased CreditType = "purchased"
)

// CreditBalance is one credit pool for a user and billing period.
// Rows are created by an external allocation process and mutated only
// by the ledger. Invariant: UsedCredits <= TotalCredits.
type CreditBalance struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"` // Owning user.

	CreditType CreditType `gorm:"type:varchar(32);not null;default:'purchased'"` // Pool kind.

	TotalCredits int64 `gorm:"not null;default:0"` // Allocated credits for the period.
	UsedCredits  int64 `gorm:"not null;default:0"` // Credits consumed so far.

	PeriodStart time.Time `gorm:"not null;index"` // Billing period start.
	PeriodEnd   time.Time `gorm:"not null;index"` // Billing period end.

	IsActive bool `gorm:"not null;default:true"` // Whether the pool is chargeable.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Remaining returns the unconsumed credits in the pool, never negative.
func (b *CreditBalance) Remaining() int64 {
	if b == nil {
		return 0
	}
	left := b.TotalCredits - b.UsedCredits
	if left < 0 {
		return 0
	}
	return left
}

// Chargeable reports whether the pool can be drained at the given instant.
func (b *CreditBalance) Chargeable(at time.Time) bool {
	if b == nil || !b.IsActive {
		return false
	}
	if at.Before(b.PeriodStart) || at.After(b.PeriodEnd) {
		return false
	}
	return b.Remaining() > 0
}
