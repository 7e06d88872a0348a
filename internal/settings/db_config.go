package settings

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// billingPolicy is the parsed snapshot of the DB-backed billing policy:
// the USD-to-credit rate, how fractional credits round, the charge
// increment, the cascade fallback multiplier, and the estimate fallback
// price. One snapshot is built per refresh so readers on the charge
// path never touch JSON or the database.
type billingPolicy struct {
	updatedAt time.Time

	creditsPerUSD      int64
	roundingMode       string
	creditIncrement    int64
	marginFallback     decimal.Decimal
	estimateFallback1K decimal.Decimal
}

// currentPolicy stores the latest billingPolicy atomically.
var currentPolicy atomic.Value // stores billingPolicy

func init() {
	currentPolicy.Store(defaultPolicy())
}

// defaultPolicy returns the compiled-in billing policy.
func defaultPolicy() billingPolicy {
	return billingPolicy{
		creditsPerUSD:      DefaultCreditsPerUSD,
		roundingMode:       DefaultCreditRoundingMode,
		creditIncrement:    DefaultCreditIncrement,
		marginFallback:     decimal.RequireFromString(DefaultMarginMultiplier),
		estimateFallback1K: decimal.Zero,
	}
}

// StoreDBConfig rebuilds the billing-policy snapshot from raw settings
// rows. Unknown keys are ignored. A missing or malformed value keeps
// its compiled-in default so a bad row can never zero out the
// conversion rate or the fallback multiplier.
func StoreDBConfig(updatedAt time.Time, values map[string]json.RawMessage) {
	next := defaultPolicy()
	next.updatedAt = updatedAt.UTC()

	if raw, ok := values[CreditsPerUSDKey]; ok {
		if parsed, okParse := parseDBConfigInt(raw); okParse && parsed > 0 {
			next.creditsPerUSD = int64(parsed)
		}
	}
	if raw, ok := values[CreditRoundingModeKey]; ok {
		if parsed, okParse := parseDBConfigString(raw); okParse {
			switch strings.ToLower(strings.TrimSpace(parsed)) {
			case RoundingModeCeil:
				next.roundingMode = RoundingModeCeil
			case RoundingModeNearest:
				next.roundingMode = RoundingModeNearest
			}
		}
	}
	if raw, ok := values[CreditIncrementKey]; ok {
		if parsed, okParse := parseDBConfigInt(raw); okParse && parsed > 0 {
			next.creditIncrement = int64(parsed)
		}
	}
	if raw, ok := values[DefaultMarginMultiplierKey]; ok {
		if parsed, okParse := parseDBConfigDecimal(raw); okParse && parsed.IsPositive() {
			next.marginFallback = parsed
		}
	}
	if raw, ok := values[EstimateFallbackPricePer1KKey]; ok {
		if parsed, okParse := parseDBConfigDecimal(raw); okParse && parsed.IsPositive() {
			next.estimateFallback1K = parsed
		}
	}

	currentPolicy.Store(next)
}

// loadPolicy returns the current billing-policy snapshot.
func loadPolicy() billingPolicy {
	if policy, ok := currentPolicy.Load().(billingPolicy); ok {
		return policy
	}
	return defaultPolicy()
}

// DBConfigUpdatedAt returns the timestamp of the newest settings row
// the current snapshot was built from.
func DBConfigUpdatedAt() time.Time {
	return loadPolicy().updatedAt
}
