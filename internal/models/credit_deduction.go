package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// DeductionStatus is the lifecycle state of a credit deduction record.
type DeductionStatus string

// DeductionStatus values. The only legal transitions are
// pending -> completed and completed -> reversed; reversed is terminal.
const (
	// DeductionPending marks a deduction that has not been applied yet.
	DeductionPending DeductionStatus = "pending"
	// DeductionCompleted marks an applied deduction.
	DeductionCompleted DeductionStatus = "completed"
	// DeductionReversed marks a deduction undone by a compensating credit.
	DeductionReversed DeductionStatus = "reversed"
)

// deductionTransitions is the closed set of legal status transitions.
var deductionTransitions = map[DeductionStatus]DeductionStatus{
	DeductionPending:   DeductionCompleted,
	DeductionCompleted: DeductionReversed,
}

// TransitionDeductionStatus validates a status transition. All status
// changes on deduction records must go through this function.
func TransitionDeductionStatus(from, to DeductionStatus) error {
	if next, ok := deductionTransitions[from]; ok && next == to {
		return nil
	}
	return fmt.Errorf("models: illegal deduction transition %s -> %s", from, to)
}

// CreditDeductionRecord is the immutable audit record of one charge
// against a user's credit pools. Completed records never change except
// for the reversed transition.
type CreditDeductionRecord struct {
	ID  uint64 `gorm:"primaryKey;autoIncrement"`              // Primary key.
	UID string `gorm:"type:varchar(64);not null;uniqueIndex"` // Public record identifier.

	UserID    uint64 `gorm:"not null;index"`                     // Charged user.
	RequestID string `gorm:"type:varchar(255);not null;uniqueIndex"` // Correlated request, idempotency key.

	Credits       int64 `gorm:"not null"` // Deducted credit amount.
	BalanceBefore int64 `gorm:"not null"` // Remaining credits across pools before the charge.
	BalanceAfter  int64 `gorm:"not null"` // Remaining credits across pools after the charge.

	Reason string          `gorm:"type:text"`                                         // Charge description.
	Status DeductionStatus `gorm:"type:varchar(32);not null;default:'pending';index"` // Lifecycle state.

	UsageDetail   datatypes.JSON `gorm:"type:jsonb"` // Token usage snapshot backing the charge.
	PoolBreakdown datatypes.JSON `gorm:"type:jsonb"` // Per-pool drain amounts, used for reversal.

	ReversedAt     *time.Time `gorm:"index"`             // Reversal timestamp.
	ReversalReason string     `gorm:"type:text"`         // Why the charge was reversed.
	ReversedBy     string     `gorm:"type:varchar(255)"` // Actor who reversed the charge.

	CreatedAt   time.Time  `gorm:"not null;autoCreateTime"` // Creation timestamp.
	CompletedAt *time.Time // Completion timestamp.
	UpdatedAt   time.Time  `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// PoolDeduction is one slice of a deduction drained from a single pool.
// Serialized into CreditDeductionRecord.PoolBreakdown.
type PoolDeduction struct {
	BalanceID uint64 `json:"balance_id"` // Pool the credits came from.
	Credits   int64  `json:"credits"`    // Credits drained from the pool.
}
