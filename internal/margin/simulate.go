package margin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/router-for-me/CreditMeter/internal/billing"
	"github.com/router-for-me/CreditMeter/internal/models"
)

// simulationWindowDays is the trailing usage window simulations aggregate.
const simulationWindowDays = 30

// churnRiskPerPercent is the estimated churn probability added per percent
// of price increase. churnRiskCap bounds the estimate.
var (
	churnRiskPerPercent = decimal.RequireFromString("0.005")
	churnRiskCap        = decimal.RequireFromString("0.10")
)

// SimulationResult projects the impact of a multiplier change. Purely
// advisory; nothing on the deduction path reads it.
type SimulationResult struct {
	ConfigID          uint64
	WindowDays        int
	AffectedUsers     int64
	TotalVendorCost   decimal.Decimal // USD over the window.
	CurrentMultiplier decimal.Decimal
	NewMultiplier     decimal.Decimal
	MarginDelta       decimal.Decimal // USD: window vendor cost x (new - current).
	ChurnRisk         decimal.Decimal // Probability estimate in [0, 0.10].
}

// SimulateMultiplierChange aggregates the trailing 30-day usage matching
// the config's scope and projects the margin delta and churn risk of
// moving it to newMultiplier.
func (r *Resolver) SimulateMultiplierChange(ctx context.Context, configID uint64, newMultiplier decimal.Decimal) (*SimulationResult, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("margin: nil resolver")
	}
	if !newMultiplier.IsPositive() {
		return nil, fmt.Errorf("margin: multiplier must be positive, got %s", newMultiplier)
	}

	var cfg models.PricingConfig
	if errFind := r.db.WithContext(ctx).First(&cfg, configID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrConfigNotFound, configID)
		}
		return nil, errFind
	}

	since := time.Now().UTC().AddDate(0, 0, -simulationWindowDays)
	q := r.db.WithContext(ctx).
		Model(&models.Usage{}).
		Where("requested_at >= ? AND failed = ?", since, false)
	// Tier scope cannot be projected onto historical usage rows, which do
	// not snapshot the tier; those simulations cover all matching usage.
	if cfg.Provider != "" {
		q = q.Where("provider = ?", cfg.Provider)
	}
	if cfg.Model != "" {
		q = q.Where("model = ?", cfg.Model)
	}

	var agg struct {
		Users      int64
		CostMicros int64
	}
	if errScan := q.
		Select("COUNT(DISTINCT user_id) AS users, COALESCE(SUM(vendor_cost_micros), 0) AS cost_micros").
		Scan(&agg).Error; errScan != nil {
		return nil, errScan
	}

	totalVendorCost := billing.USDFromMicros(agg.CostMicros)
	result := &SimulationResult{
		ConfigID:          cfg.ID,
		WindowDays:        simulationWindowDays,
		AffectedUsers:     agg.Users,
		TotalVendorCost:   totalVendorCost,
		CurrentMultiplier: cfg.MarginMultiplier,
		NewMultiplier:     newMultiplier,
		MarginDelta:       totalVendorCost.Mul(newMultiplier.Sub(cfg.MarginMultiplier)),
		ChurnRisk:         churnRisk(cfg.MarginMultiplier, newMultiplier),
	}
	return result, nil
}

// churnRisk estimates churn probability as a bounded linear function of
// the percentage multiplier increase. Decreases carry no churn risk.
func churnRisk(current, next decimal.Decimal) decimal.Decimal {
	if !current.IsPositive() || next.LessThanOrEqual(current) {
		return decimal.Zero
	}
	pctIncrease := next.Sub(current).Div(current).Mul(decimal.NewFromInt(100))
	risk := pctIncrease.Mul(churnRiskPerPercent)
	if risk.GreaterThan(churnRiskCap) {
		return churnRiskCap
	}
	return risk
}
