// Package margin resolves the margin multiplier applied on top of vendor
// cost. Resolution walks a fixed priority cascade of pricing configs:
// combination > model > provider > tier > configured default.
package margin

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/router-for-me/CreditMeter/internal/models"
	"github.com/router-for-me/CreditMeter/internal/settings"
)

// ErrConfigNotFound means no pricing config matched a direct lookup.
var ErrConfigNotFound = errors.New("margin: pricing config not found")

// TierLookup supplies a user's current subscription tier. The subscription
// service is an external collaborator; only this narrow read is consumed.
type TierLookup interface {
	CurrentTier(ctx context.Context, userID uint64) (string, error)
}

// TierLookupFunc adapts a function to the TierLookup interface.
type TierLookupFunc func(ctx context.Context, userID uint64) (string, error)

// CurrentTier implements TierLookup.
func (f TierLookupFunc) CurrentTier(ctx context.Context, userID uint64) (string, error) {
	return f(ctx, userID)
}

// Resolver resolves applicable margin multipliers. Resolution is
// deterministic and side-effect-free; lookup failures degrade to the
// configured default multiplier so pricing estimation never blocks.
type Resolver struct {
	db    *gorm.DB
	tiers TierLookup
}

// NewResolver constructs a Resolver with explicit collaborators.
func NewResolver(db *gorm.DB, tiers TierLookup) *Resolver {
	return &Resolver{db: db, tiers: tiers}
}

// ApplicableMultiplier returns the margin multiplier for a user, provider,
// and model, walking the cascade in strict priority order and returning on
// the first match. Any lookup error degrades to the configured default.
func (r *Resolver) ApplicableMultiplier(ctx context.Context, userID uint64, provider, model string) decimal.Decimal {
	fallback := settings.MarginMultiplierFallback()
	if r == nil || r.db == nil {
		return fallback
	}

	cfg, errResolve := r.Resolve(ctx, userID, provider, model)
	if errResolve != nil {
		if !errors.Is(errResolve, ErrConfigNotFound) {
			log.WithError(errResolve).Warn("margin: resolution degraded to default multiplier")
		}
		return fallback
	}
	return cfg.MarginMultiplier
}

// Resolve returns the winning pricing config for a user, provider, and
// model, or ErrConfigNotFound when no cascade level matches.
func (r *Resolver) Resolve(ctx context.Context, userID uint64, provider, model string) (*models.PricingConfig, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("margin: nil resolver")
	}

	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	now := time.Now().UTC()

	tier := ""
	if r.tiers != nil {
		resolved, errTier := r.tiers.CurrentTier(ctx, userID)
		if errTier != nil {
			return nil, errTier
		}
		tier = strings.TrimSpace(resolved)
	}

	// One parameterized query per cascade level, executed in strict
	// priority order with early return on first match.
	levels := []struct {
		scope models.ScopeType
		apply func(*gorm.DB) *gorm.DB
		skip  bool
	}{
		{
			scope: models.ScopeCombination,
			apply: func(q *gorm.DB) *gorm.DB {
				return q.Where("tier = ? AND provider = ? AND model = ?", tier, provider, model)
			},
			skip: tier == "" || provider == "" || model == "",
		},
		{
			scope: models.ScopeModel,
			apply: func(q *gorm.DB) *gorm.DB {
				return q.Where("provider = ? AND model = ?", provider, model)
			},
			skip: provider == "" || model == "",
		},
		{
			scope: models.ScopeProvider,
			apply: func(q *gorm.DB) *gorm.DB {
				return q.Where("provider = ?", provider)
			},
			skip: provider == "",
		},
		{
			scope: models.ScopeTier,
			apply: func(q *gorm.DB) *gorm.DB {
				return q.Where("tier = ?", tier)
			},
			skip: tier == "",
		},
	}

	for _, level := range levels {
		if level.skip {
			continue
		}
		cfg, errQuery := r.lookupLevel(ctx, level.scope, level.apply, now)
		if errQuery != nil {
			return nil, errQuery
		}
		if cfg != nil {
			return cfg, nil
		}
	}

	return nil, ErrConfigNotFound
}

// lookupLevel runs one cascade level query. Ties within a level are broken
// by the latest effective_from.
func (r *Resolver) lookupLevel(ctx context.Context, scope models.ScopeType, apply func(*gorm.DB) *gorm.DB, now time.Time) (*models.PricingConfig, error) {
	q := r.db.WithContext(ctx).
		Model(&models.PricingConfig{}).
		Where("scope_type = ?", scope).
		Where("is_active = ? AND approval_status = ?", true, models.ApprovalApproved).
		Where("effective_from <= ?", now).
		Where("effective_until IS NULL OR effective_until >= ?", now)
	q = apply(q)

	var row models.PricingConfig
	errFind := q.Order("effective_from DESC, id DESC").First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errFind
	}
	return &row, nil
}
