package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Usage is the immutable ledger entry for one metered request.
// Rows are append-only and never mutated after creation; reversals of
// the associated charge live on the deduction record, not here.
type Usage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider string `gorm:"type:text;not null;index"` // Provider name.
	Model    string `gorm:"type:text;not null;index"` // Model name.

	UserID      *uint64 `gorm:"index"`                   // Billed user, when known.
	RequestID   string  `gorm:"type:varchar(255);index"` // Correlated request ID.
	DeductionID *uint64 `gorm:"index"`                   // Related credit deduction record.

	RequestedAt time.Time `gorm:"not null;index"`         // Request timestamp.
	Failed      bool      `gorm:"not null;default:false"` // Failure flag.

	ErrorStatusCode *int           `gorm:"index"`      // Upstream status code for failed requests.
	ErrorDetail     datatypes.JSON `gorm:"type:jsonb"` // Structured error detail JSON.

	InputTokens         int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens        int64 `gorm:"not null;default:0"` // Output token count.
	CacheCreationTokens int64 `gorm:"not null;default:0"` // Cache write token count (Anthropic).
	CacheReadTokens     int64 `gorm:"not null;default:0"` // Cache read token count (Anthropic).
	CachedTokens        int64 `gorm:"not null;default:0"` // Cached prompt token count (OpenAI/Gemini).
	TotalTokens         int64 `gorm:"not null;default:0"` // Total token count.

	VendorCostMicros  int64           `gorm:"not null;default:0"`           // Vendor cost in micro-USD.
	AppliedMultiplier decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Margin multiplier applied.
	CreditsDeducted   int64           `gorm:"not null;default:0"`           // Credits charged for the request.

	LatencyMS int64 `gorm:"not null;default:0"` // End-to-end latency in milliseconds.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
