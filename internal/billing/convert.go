// Package billing owns the USD-to-credit conversion. Every call site that
// needs to turn a vendor cost into credits goes through CreditsForVendorCost
// so the rate, rounding mode, and charge granularity are applied in exactly
// one place.
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/router-for-me/CreditMeter/internal/settings"
)

var microsPerUSD = decimal.NewFromInt(1_000_000)

// CreditValueUSD returns the credit-equivalent price in USD for a vendor
// cost under the given margin multiplier.
func CreditValueUSD(vendorCostUSD, multiplier decimal.Decimal) decimal.Decimal {
	return vendorCostUSD.Mul(multiplier)
}

// CreditsForVendorCost converts a vendor cost and margin multiplier into
// whole platform credits using the configured rate, rounding mode, and
// credit increment. Results are never negative.
func CreditsForVendorCost(vendorCostUSD, multiplier decimal.Decimal) int64 {
	value := CreditValueUSD(vendorCostUSD, multiplier)
	raw := value.Mul(decimal.NewFromInt(settings.CreditsPerUSD()))

	var credits int64
	switch settings.CreditRoundingMode() {
	case settings.RoundingModeNearest:
		credits = raw.Round(0).IntPart()
	default:
		credits = raw.Ceil().IntPart()
	}
	if credits < 0 {
		return 0
	}

	return roundUpToIncrement(credits, settings.CreditIncrement())
}

// roundUpToIncrement rounds credits up to the configured granularity.
func roundUpToIncrement(credits, increment int64) int64 {
	if increment <= 1 || credits <= 0 {
		return credits
	}
	if rem := credits % increment; rem != 0 {
		return credits + increment - rem
	}
	return credits
}

// MicrosFromUSD converts a decimal USD amount to integer micro-USD for
// storage. Rounds half-up at the sixth decimal place.
func MicrosFromUSD(usd decimal.Decimal) int64 {
	return usd.Mul(microsPerUSD).Round(0).IntPart()
}

// USDFromMicros converts stored micro-USD back to a decimal USD amount.
func USDFromMicros(micros int64) decimal.Decimal {
	return decimal.NewFromInt(micros).Div(microsPerUSD)
}
