package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/router-for-me/CreditMeter/internal/billing"
	"github.com/router-for-me/CreditMeter/internal/models"
)

// Cache price conventions by vendor, as multiples of the base input price.
// Used when the pricing row carries no explicit cache prices.
var (
	anthropicCacheWriteFactor = decimal.RequireFromString("1.25")
	anthropicCacheReadFactor  = decimal.RequireFromString("0.1")
	subsetCacheReadFactor     = decimal.RequireFromString("0.5")
)

var per1K = decimal.NewFromInt(1000)

// TokenUsage is the provider-reported token accounting for one request.
// Anthropic reports cache activity in dedicated fields that do not overlap
// InputTokens; OpenAI and Gemini report CachedPromptTokens as a subset of
// InputTokens.
type TokenUsage struct {
	Provider string
	Model    string

	InputTokens  int64
	OutputTokens int64

	CacheCreationInputTokens int64 // Anthropic cache writes.
	CacheReadInputTokens     int64 // Anthropic cache reads.
	CachedPromptTokens       int64 // OpenAI/Gemini cache hits, subset of InputTokens.

	// At selects the pricing row effective at that instant; zero means now.
	// Non-zero values support audit recomputation against historical prices.
	At time.Time
}

// Validate checks the usage for malformed values.
func (u TokenUsage) Validate() error {
	if strings.TrimSpace(u.Provider) == "" || strings.TrimSpace(u.Model) == "" {
		return fmt.Errorf("%w: empty provider or model", ErrInvalidUsage)
	}
	for name, n := range map[string]int64{
		"input_tokens":                u.InputTokens,
		"output_tokens":               u.OutputTokens,
		"cache_creation_input_tokens": u.CacheCreationInputTokens,
		"cache_read_input_tokens":     u.CacheReadInputTokens,
		"cached_prompt_tokens":        u.CachedPromptTokens,
	} {
		if n < 0 {
			return fmt.Errorf("%w: negative %s (%d)", ErrInvalidUsage, name, n)
		}
	}
	return nil
}

// TotalTokens returns the all-in token count for the usage.
func (u TokenUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// CostBreakdown itemizes the vendor cost of one request in USD.
type CostBreakdown struct {
	Provider  string
	Model     string
	PricingID uint64 // Vendor pricing row the costs were derived from.

	InputUSD      decimal.Decimal
	OutputUSD     decimal.Decimal
	CacheWriteUSD decimal.Decimal
	CacheReadUSD  decimal.Decimal

	TotalUSD    decimal.Decimal
	TotalMicros int64

	// UncachedUSD prices the same token counts as if no cache discount
	// applied, for reporting savings.
	UncachedUSD    decimal.Decimal
	SavingsPercent decimal.Decimal
}

// Calculator converts token usage into an itemized vendor cost.
type Calculator struct {
	store *Store
}

// NewCalculator constructs a Calculator over a pricing store.
func NewCalculator(store *Store) *Calculator {
	return &Calculator{store: store}
}

// Calculate computes the vendor cost for the usage using the authoritative
// database pricing lookup. Fails closed with ErrPricingNotFound when no
// active pricing row covers the usage instant.
func (c *Calculator) Calculate(ctx context.Context, usage TokenUsage) (*CostBreakdown, error) {
	return c.calculate(ctx, usage, false)
}

// Estimate computes the vendor cost using the cache-backed pricing lookup.
// Suitable only for pre-flight estimates; never for the deduction path.
func (c *Calculator) Estimate(ctx context.Context, usage TokenUsage) (*CostBreakdown, error) {
	return c.calculate(ctx, usage, true)
}

func (c *Calculator) calculate(ctx context.Context, usage TokenUsage, cached bool) (*CostBreakdown, error) {
	if c == nil || c.store == nil {
		return nil, errors.New("pricing: nil calculator")
	}
	if errValidate := usage.Validate(); errValidate != nil {
		return nil, errValidate
	}

	at := usage.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var row *models.VendorPricing
	var errLookup error
	if cached {
		row, errLookup = c.store.ActivePricingCached(ctx, usage.Provider, usage.Model, at)
	} else {
		row, errLookup = c.store.ActivePricing(ctx, usage.Provider, usage.Model, at)
	}
	if errLookup != nil {
		return nil, errLookup
	}

	return costFromPricing(row, usage), nil
}

// costFromPricing prices the usage against one pricing row, applying the
// vendor's cache billing convention.
func costFromPricing(row *models.VendorPricing, usage TokenUsage) *CostBreakdown {
	out := &CostBreakdown{
		Provider:  row.Provider,
		Model:     row.Model,
		PricingID: row.ID,
	}

	inputPrice := row.InputPricePer1K
	outputPrice := row.OutputPricePer1K
	out.OutputUSD = tokenCost(usage.OutputTokens, outputPrice)

	if isAnthropic(row.Provider) {
		cacheWritePrice := inputPrice.Mul(anthropicCacheWriteFactor)
		if row.CacheWritePricePer1K.Valid {
			cacheWritePrice = row.CacheWritePricePer1K.Decimal
		}
		cacheReadPrice := inputPrice.Mul(anthropicCacheReadFactor)
		if row.CacheReadPricePer1K.Valid {
			cacheReadPrice = row.CacheReadPricePer1K.Decimal
		}

		out.InputUSD = tokenCost(usage.InputTokens, inputPrice)
		out.CacheWriteUSD = tokenCost(usage.CacheCreationInputTokens, cacheWritePrice)
		out.CacheReadUSD = tokenCost(usage.CacheReadInputTokens, cacheReadPrice)
		out.UncachedUSD = tokenCost(usage.InputTokens+usage.CacheCreationInputTokens+usage.CacheReadInputTokens, inputPrice).
			Add(out.OutputUSD)
	} else {
		// CachedPromptTokens is a subset of InputTokens on these vendors.
		// Charging InputTokens in full AND the cached portion again would
		// double-charge cache hits, so billable input excludes them.
		billableInput := usage.InputTokens
		if usage.CachedPromptTokens > 0 && usage.CachedPromptTokens <= billableInput {
			billableInput -= usage.CachedPromptTokens
		}
		cacheReadPrice := inputPrice.Mul(subsetCacheReadFactor)
		if row.CacheReadPricePer1K.Valid {
			cacheReadPrice = row.CacheReadPricePer1K.Decimal
		}

		out.InputUSD = tokenCost(billableInput, inputPrice)
		out.CacheReadUSD = tokenCost(usage.CachedPromptTokens, cacheReadPrice)
		out.UncachedUSD = tokenCost(usage.InputTokens, inputPrice).Add(out.OutputUSD)
	}

	out.TotalUSD = out.InputUSD.Add(out.OutputUSD).Add(out.CacheWriteUSD).Add(out.CacheReadUSD)
	out.TotalMicros = billing.MicrosFromUSD(out.TotalUSD)

	if out.UncachedUSD.IsPositive() && out.UncachedUSD.GreaterThan(out.TotalUSD) {
		out.SavingsPercent = out.UncachedUSD.Sub(out.TotalUSD).
			Div(out.UncachedUSD).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}

	return out
}

// tokenCost prices a token count at a per-1K rate.
func tokenCost(tokens int64, pricePer1K decimal.Decimal) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Mul(pricePer1K).Div(per1K)
}

// isAnthropic reports whether the provider uses Anthropic cache accounting.
func isAnthropic(provider string) bool {
	return strings.EqualFold(strings.TrimSpace(provider), "anthropic")
}
