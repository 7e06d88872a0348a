package settings

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// CreditsPerUSD returns the USD-to-credit conversion rate in effect.
func CreditsPerUSD() int64 {
	return loadPolicy().creditsPerUSD
}

// CreditRoundingMode returns the rounding mode in effect, one of
// RoundingModeCeil or RoundingModeNearest.
func CreditRoundingMode() string {
	return loadPolicy().roundingMode
}

// CreditIncrement returns the granularity credit charges are rounded to.
func CreditIncrement() int64 {
	return loadPolicy().creditIncrement
}

// MarginMultiplierFallback returns the global default margin multiplier
// used when no pricing config matches.
func MarginMultiplierFallback() decimal.Decimal {
	return loadPolicy().marginFallback
}

// EstimateFallbackPricePer1K returns the USD-per-1K-token price used to
// estimate request cost when no vendor pricing row is available. Zero
// means the fallback is disabled and estimates degrade to zero credits.
func EstimateFallbackPricePer1K() decimal.Decimal {
	return loadPolicy().estimateFallback1K
}

// parseDBConfigInt accepts numbers, numeric strings, and {"value": ...}
// wrappers, matching whatever shape admin tooling happened to store.
func parseDBConfigInt(raw json.RawMessage) (int, bool) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if errUnmarshal := json.Unmarshal(raw, &n); errUnmarshal == nil {
		return n, true
	}
	var f float64
	if errUnmarshal := json.Unmarshal(raw, &f); errUnmarshal == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return 0, false
		}
		return int(f), true
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(s))
		if errParse == nil {
			return parsed, true
		}
	}
	var wrapper struct {
		Value json.RawMessage `json:"value"`
	}
	if errUnmarshal := json.Unmarshal(raw, &wrapper); errUnmarshal == nil && len(wrapper.Value) > 0 {
		return parseDBConfigInt(wrapper.Value)
	}
	return 0, false
}

// parseDBConfigString accepts JSON strings and {"value": ...} wrappers.
func parseDBConfigString(raw json.RawMessage) (string, bool) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		return s, true
	}
	var wrapper struct {
		Value json.RawMessage `json:"value"`
	}
	if errUnmarshal := json.Unmarshal(raw, &wrapper); errUnmarshal == nil && len(wrapper.Value) > 0 {
		return parseDBConfigString(wrapper.Value)
	}
	return "", false
}

// parseDBConfigDecimal accepts numbers, numeric strings, and wrappers.
func parseDBConfigDecimal(raw json.RawMessage) (decimal.Decimal, bool) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return decimal.Zero, false
	}
	var f float64
	if errUnmarshal := json.Unmarshal(raw, &f); errUnmarshal == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(f), true
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		parsed, errParse := decimal.NewFromString(strings.TrimSpace(s))
		if errParse == nil {
			return parsed, true
		}
	}
	var wrapper struct {
		Value json.RawMessage `json:"value"`
	}
	if errUnmarshal := json.Unmarshal(raw, &wrapper); errUnmarshal == nil && len(wrapper.Value) > 0 {
		return parseDBConfigDecimal(wrapper.Value)
	}
	return decimal.Zero, false
}
