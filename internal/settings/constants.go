package settings

// DB config keys and defaults for billing policy.
const (
	// CreditsPerUSDKey is the DB config key for the USD-to-credit rate.
	CreditsPerUSDKey = "CREDITS_PER_USD"
	// CreditRoundingModeKey selects how fractional credits are rounded.
	CreditRoundingModeKey = "CREDIT_ROUNDING_MODE"
	// CreditIncrementKey is the granularity credit charges are rounded to.
	CreditIncrementKey = "CREDIT_INCREMENT"
	// DefaultMarginMultiplierKey is the cascade fallback multiplier.
	DefaultMarginMultiplierKey = "DEFAULT_MARGIN_MULTIPLIER"
	// EstimateFallbackPricePer1KKey prices pre-flight estimates when no
	// vendor pricing row is available. Unset or zero disables the fallback.
	EstimateFallbackPricePer1KKey = "ESTIMATE_FALLBACK_PRICE_PER_1K"

	// RoundingModeCeil rounds fractional credits up.
	RoundingModeCeil = "ceil"
	// RoundingModeNearest rounds fractional credits half-up.
	RoundingModeNearest = "nearest"

	// DefaultCreditsPerUSD is the fallback USD-to-credit rate.
	DefaultCreditsPerUSD = 2500
	// DefaultCreditRoundingMode is the fallback rounding mode.
	DefaultCreditRoundingMode = RoundingModeCeil
	// DefaultCreditIncrement is the fallback charge granularity.
	DefaultCreditIncrement = 1
	// DefaultMarginMultiplier is the fallback margin multiplier.
	DefaultMarginMultiplier = "1.5"
)
