package models

import (
	"encoding/json"
	"time"
)

// Setting is one row of the billing-policy table. Each policy knob
// (conversion rate, rounding mode, charge increment, fallback
// multiplier, estimate fallback price) lives under its own key as a
// JSON value. Rows are read in bulk into the process-wide policy
// snapshot; nothing on the charge path queries this table directly.
type Setting struct {
	Key       string          `gorm:"type:varchar(255);primaryKey"`                      // Billing-policy key.
	Value     json.RawMessage `gorm:"type:jsonb"`                                        // JSON-encoded policy value.
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP"` // Last update timestamp.
}
