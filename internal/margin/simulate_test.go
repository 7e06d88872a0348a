package margin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/router-for-me/CreditMeter/internal/models"
)

func seedUsage(t *testing.T, conn *gorm.DB, userID uint64, provider, model string, costMicros int64) {
	t.Helper()
	entry := models.Usage{
		Provider:          provider,
		Model:             model,
		UserID:            &userID,
		RequestedAt:       time.Now().UTC().Add(-time.Hour),
		VendorCostMicros:  costMicros,
		AppliedMultiplier: decimal.RequireFromString("1.5"),
	}
	if errCreate := conn.Create(&entry).Error; errCreate != nil {
		t.Fatalf("create usage: %v", errCreate)
	}
}

func TestSimulateMultiplierChange(t *testing.T) {
	conn := setupMarginDB(t)
	resolver := NewResolver(conn, nil)
	ctx := context.Background()

	cfg := seedConfig(t, conn, models.PricingConfig{
		ScopeType:        models.ScopeModel,
		Provider:         "openai",
		Model:            "gpt-4o",
		MarginMultiplier: decimal.RequireFromString("1.5"),
	})

	// $3 of matching vendor cost across two users, plus noise that must
	// stay out of the aggregate.
	seedUsage(t, conn, 1, "openai", "gpt-4o", 1_000_000)
	seedUsage(t, conn, 1, "openai", "gpt-4o", 1_000_000)
	seedUsage(t, conn, 2, "openai", "gpt-4o", 1_000_000)
	seedUsage(t, conn, 3, "anthropic", "claude-sonnet", 5_000_000)

	result, errSim := resolver.SimulateMultiplierChange(ctx, cfg.ID, decimal.RequireFromString("2.0"))
	if errSim != nil {
		t.Fatalf("simulate: %v", errSim)
	}
	if result.AffectedUsers != 2 {
		t.Fatalf("expected 2 affected users, got %d", result.AffectedUsers)
	}
	if !result.TotalVendorCost.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected $3 vendor cost, got %s", result.TotalVendorCost)
	}
	if !result.MarginDelta.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("expected margin delta $1.5, got %s", result.MarginDelta)
	}
	// A 33% increase hits the churn risk cap.
	if !result.ChurnRisk.Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("expected churn risk capped at 0.10, got %s", result.ChurnRisk)
	}
}

func TestSimulateMultiplierDecreaseNoChurn(t *testing.T) {
	conn := setupMarginDB(t)
	resolver := NewResolver(conn, nil)

	cfg := seedConfig(t, conn, models.PricingConfig{
		ScopeType:        models.ScopeProvider,
		Provider:         "openai",
		MarginMultiplier: decimal.RequireFromString("1.5"),
	})
	seedUsage(t, conn, 1, "openai", "gpt-4o", 2_000_000)

	result, errSim := resolver.SimulateMultiplierChange(context.Background(), cfg.ID, decimal.RequireFromString("1.2"))
	if errSim != nil {
		t.Fatalf("simulate: %v", errSim)
	}
	if !result.ChurnRisk.IsZero() {
		t.Fatalf("expected zero churn risk on decrease, got %s", result.ChurnRisk)
	}
	if !result.MarginDelta.Equal(decimal.RequireFromString("-0.6")) {
		t.Fatalf("expected margin delta -$0.6, got %s", result.MarginDelta)
	}
}

func TestSimulateUnknownConfig(t *testing.T) {
	conn := setupMarginDB(t)
	resolver := NewResolver(conn, nil)

	_, errSim := resolver.SimulateMultiplierChange(context.Background(), 31337, decimal.RequireFromString("2.0"))
	if !errors.Is(errSim, ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", errSim)
	}
	if _, errSim := resolver.SimulateMultiplierChange(context.Background(), 1, decimal.Zero); errSim == nil {
		t.Fatalf("expected error for non-positive multiplier")
	}
}
