package pricing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/router-for-me/CreditMeter/internal/db"
	"github.com/router-for-me/CreditMeter/internal/models"
)

func setupPricingDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:pricing_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func seedPricing(t *testing.T, conn *gorm.DB, row models.VendorPricing) models.VendorPricing {
	t.Helper()
	if row.EffectiveFrom.IsZero() {
		row.EffectiveFrom = time.Now().UTC().Add(-time.Hour)
	}
	row.IsActive = true
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("create pricing: %v", errCreate)
	}
	return row
}

func TestCalculateBaseCost(t *testing.T) {
	conn := setupPricingDB(t)
	calc := NewCalculator(NewStore(conn))

	// $5 per 1M input and $15 per 1M output tokens.
	seedPricing(t, conn, models.VendorPricing{
		Provider:         "openai",
		Model:            "gpt-4o",
		InputPricePer1K:  decimal.RequireFromString("0.005"),
		OutputPricePer1K: decimal.RequireFromString("0.015"),
	})

	cost, errCalc := calc.Calculate(context.Background(), TokenUsage{
		Provider:     "openai",
		Model:        "gpt-4o",
		InputTokens:  500,
		OutputTokens: 300,
	})
	if errCalc != nil {
		t.Fatalf("calculate: %v", errCalc)
	}
	if !cost.TotalUSD.Equal(decimal.RequireFromString("0.007")) {
		t.Fatalf("expected total $0.007, got %s", cost.TotalUSD)
	}
	if cost.TotalMicros != 7000 {
		t.Fatalf("expected 7000 micros, got %d", cost.TotalMicros)
	}

	itemized := cost.InputUSD.Add(cost.OutputUSD).Add(cost.CacheWriteUSD).Add(cost.CacheReadUSD)
	if !itemized.Equal(cost.TotalUSD) {
		t.Fatalf("itemized sum %s does not match total %s", itemized, cost.TotalUSD)
	}
}

func TestCalculateAnthropicCacheConvention(t *testing.T) {
	conn := setupPricingDB(t)
	calc := NewCalculator(NewStore(conn))

	seedPricing(t, conn, models.VendorPricing{
		Provider:         "anthropic",
		Model:            "claude-sonnet",
		InputPricePer1K:  decimal.RequireFromString("0.003"),
		OutputPricePer1K: decimal.RequireFromString("0.015"),
	})

	cost, errCalc := calc.Calculate(context.Background(), TokenUsage{
		Provider:                 "anthropic",
		Model:                    "claude-sonnet",
		InputTokens:              1000,
		CacheCreationInputTokens: 1000,
		CacheReadInputTokens:     1000,
	})
	if errCalc != nil {
		t.Fatalf("calculate: %v", errCalc)
	}
	if !cost.InputUSD.Equal(decimal.RequireFromString("0.003")) {
		t.Fatalf("expected input $0.003, got %s", cost.InputUSD)
	}
	// Cache writes bill at 1.25x and reads at 0.1x of the input price.
	if !cost.CacheWriteUSD.Equal(decimal.RequireFromString("0.00375")) {
		t.Fatalf("expected cache write $0.00375, got %s", cost.CacheWriteUSD)
	}
	if !cost.CacheReadUSD.Equal(decimal.RequireFromString("0.0003")) {
		t.Fatalf("expected cache read $0.0003, got %s", cost.CacheReadUSD)
	}
	if !cost.TotalUSD.Equal(decimal.RequireFromString("0.00705")) {
		t.Fatalf("expected total $0.00705, got %s", cost.TotalUSD)
	}
	if !cost.UncachedUSD.Equal(decimal.RequireFromString("0.009")) {
		t.Fatalf("expected uncached $0.009, got %s", cost.UncachedUSD)
	}
	if cost.SavingsPercent.IsZero() {
		t.Fatalf("expected non-zero savings percent")
	}
}

func TestCalculateSubsetCacheConvention(t *testing.T) {
	conn := setupPricingDB(t)
	calc := NewCalculator(NewStore(conn))

	seedPricing(t, conn, models.VendorPricing{
		Provider:         "openai",
		Model:            "gpt-4o",
		InputPricePer1K:  decimal.RequireFromString("0.005"),
		OutputPricePer1K: decimal.RequireFromString("0.015"),
	})

	// CachedPromptTokens overlap InputTokens: 600 of the 1000 input tokens
	// were cache hits, billed at half the input price, never twice.
	cost, errCalc := calc.Calculate(context.Background(), TokenUsage{
		Provider:           "openai",
		Model:              "gpt-4o",
		InputTokens:        1000,
		CachedPromptTokens: 600,
	})
	if errCalc != nil {
		t.Fatalf("calculate: %v", errCalc)
	}
	if !cost.InputUSD.Equal(decimal.RequireFromString("0.002")) {
		t.Fatalf("expected billable input $0.002, got %s", cost.InputUSD)
	}
	if !cost.CacheReadUSD.Equal(decimal.RequireFromString("0.0015")) {
		t.Fatalf("expected cache read $0.0015, got %s", cost.CacheReadUSD)
	}
	if !cost.TotalUSD.Equal(decimal.RequireFromString("0.0035")) {
		t.Fatalf("expected total $0.0035, got %s", cost.TotalUSD)
	}
	if !cost.UncachedUSD.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("expected uncached $0.005, got %s", cost.UncachedUSD)
	}
}

func TestCalculateExplicitCachePricesWin(t *testing.T) {
	conn := setupPricingDB(t)
	calc := NewCalculator(NewStore(conn))

	seedPricing(t, conn, models.VendorPricing{
		Provider:             "anthropic",
		Model:                "claude-sonnet",
		InputPricePer1K:      decimal.RequireFromString("0.003"),
		OutputPricePer1K:     decimal.RequireFromString("0.015"),
		CacheWritePricePer1K: decimal.NewNullDecimal(decimal.RequireFromString("0.01")),
		CacheReadPricePer1K:  decimal.NewNullDecimal(decimal.RequireFromString("0.001")),
	})

	cost, errCalc := calc.Calculate(context.Background(), TokenUsage{
		Provider:                 "anthropic",
		Model:                    "claude-sonnet",
		CacheCreationInputTokens: 1000,
		CacheReadInputTokens:     1000,
	})
	if errCalc != nil {
		t.Fatalf("calculate: %v", errCalc)
	}
	if !cost.CacheWriteUSD.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("expected explicit cache write price, got %s", cost.CacheWriteUSD)
	}
	if !cost.CacheReadUSD.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("expected explicit cache read price, got %s", cost.CacheReadUSD)
	}
}

func TestCalculateFailsClosedWithoutPricing(t *testing.T) {
	conn := setupPricingDB(t)
	calc := NewCalculator(NewStore(conn))

	_, errCalc := calc.Calculate(context.Background(), TokenUsage{
		Provider:    "openai",
		Model:       "unknown-model",
		InputTokens: 10,
	})
	if !errors.Is(errCalc, ErrPricingNotFound) {
		t.Fatalf("expected ErrPricingNotFound, got %v", errCalc)
	}
}

func TestCalculateRejectsMalformedUsage(t *testing.T) {
	conn := setupPricingDB(t)
	calc := NewCalculator(NewStore(conn))

	cases := []TokenUsage{
		{Provider: "", Model: "gpt-4o"},
		{Provider: "openai", Model: ""},
		{Provider: "openai", Model: "gpt-4o", InputTokens: -1},
		{Provider: "openai", Model: "gpt-4o", OutputTokens: -5},
		{Provider: "openai", Model: "gpt-4o", CachedPromptTokens: -2},
	}
	for _, usage := range cases {
		if _, errCalc := calc.Calculate(context.Background(), usage); !errors.Is(errCalc, ErrInvalidUsage) {
			t.Fatalf("expected ErrInvalidUsage for %+v, got %v", usage, errCalc)
		}
	}
}

func TestCalculateZeroTokensCostNothing(t *testing.T) {
	conn := setupPricingDB(t)
	calc := NewCalculator(NewStore(conn))

	seedPricing(t, conn, models.VendorPricing{
		Provider:         "openai",
		Model:            "gpt-4o",
		InputPricePer1K:  decimal.RequireFromString("0.005"),
		OutputPricePer1K: decimal.RequireFromString("0.015"),
	})

	cost, errCalc := calc.Calculate(context.Background(), TokenUsage{
		Provider: "openai",
		Model:    "gpt-4o",
	})
	if errCalc != nil {
		t.Fatalf("calculate: %v", errCalc)
	}
	if !cost.TotalUSD.IsZero() || cost.TotalMicros != 0 {
		t.Fatalf("expected zero cost, got %s (%d micros)", cost.TotalUSD, cost.TotalMicros)
	}
}
