package margin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/router-for-me/CreditMeter/internal/models"
)

// ConfigInput carries the writable fields of a pricing config.
type ConfigInput struct {
	ScopeType models.ScopeType
	Tier      string
	Provider  string
	Model     string

	MarginMultiplier    decimal.Decimal
	TargetMarginPercent decimal.Decimal

	EffectiveFrom  time.Time
	EffectiveUntil *time.Time

	CreatedBy string
	Reason    string
}

// validate checks scope fields against the scope type.
func (in *ConfigInput) validate() error {
	if !in.MarginMultiplier.IsPositive() {
		return fmt.Errorf("margin: multiplier must be positive, got %s", in.MarginMultiplier)
	}
	tier := strings.TrimSpace(in.Tier)
	provider := strings.TrimSpace(in.Provider)
	model := strings.TrimSpace(in.Model)
	switch in.ScopeType {
	case models.ScopeCombination:
		if tier == "" || provider == "" || model == "" {
			return errors.New("margin: combination scope requires tier, provider, and model")
		}
	case models.ScopeModel:
		if provider == "" || model == "" {
			return errors.New("margin: model scope requires provider and model")
		}
	case models.ScopeProvider:
		if provider == "" {
			return errors.New("margin: provider scope requires provider")
		}
	case models.ScopeTier:
		if tier == "" {
			return errors.New("margin: tier scope requires tier")
		}
	default:
		return fmt.Errorf("margin: unknown scope type %q", in.ScopeType)
	}
	return nil
}

// CreateConfig inserts a new pricing config. New configs always enter the
// pending approval state and are excluded from resolution until approved.
func (r *Resolver) CreateConfig(ctx context.Context, in ConfigInput) (*models.PricingConfig, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("margin: nil resolver")
	}
	if errValidate := in.validate(); errValidate != nil {
		return nil, errValidate
	}

	effectiveFrom := in.EffectiveFrom
	if effectiveFrom.IsZero() {
		effectiveFrom = time.Now().UTC()
	}

	row := models.PricingConfig{
		ScopeType:           in.ScopeType,
		Tier:                strings.TrimSpace(in.Tier),
		Provider:            strings.ToLower(strings.TrimSpace(in.Provider)),
		Model:               strings.TrimSpace(in.Model),
		MarginMultiplier:    in.MarginMultiplier,
		TargetMarginPercent: in.TargetMarginPercent,
		EffectiveFrom:       effectiveFrom,
		EffectiveUntil:      in.EffectiveUntil,
		ApprovalStatus:      models.ApprovalPending,
		IsActive:            true,
		CreatedBy:           strings.TrimSpace(in.CreatedBy),
		Reason:              strings.TrimSpace(in.Reason),
	}
	if errCreate := r.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, errCreate
	}
	return &row, nil
}

// UpdateConfig changes an existing config. A multiplier change records the
// previous value and drops the row back to pending approval, removing it
// from resolution until re-approved.
func (r *Resolver) UpdateConfig(ctx context.Context, id uint64, in ConfigInput) (*models.PricingConfig, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("margin: nil resolver")
	}
	if errValidate := in.validate(); errValidate != nil {
		return nil, errValidate
	}

	var row models.PricingConfig
	if errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errFind := tx.First(&row, id).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: id %d", ErrConfigNotFound, id)
			}
			return errFind
		}

		multiplierChanged := !row.MarginMultiplier.Equal(in.MarginMultiplier)
		if multiplierChanged {
			row.PreviousMultiplier = decimal.NewNullDecimal(row.MarginMultiplier)
			row.MarginMultiplier = in.MarginMultiplier
			row.ApprovalStatus = models.ApprovalPending
		}

		row.TargetMarginPercent = in.TargetMarginPercent
		if !in.EffectiveFrom.IsZero() {
			row.EffectiveFrom = in.EffectiveFrom
		}
		row.EffectiveUntil = in.EffectiveUntil
		row.CreatedBy = strings.TrimSpace(in.CreatedBy)
		row.Reason = strings.TrimSpace(in.Reason)

		return tx.Save(&row).Error
	}); errTx != nil {
		return nil, errTx
	}
	return &row, nil
}

// Approve clears a pending config for resolution.
func (r *Resolver) Approve(ctx context.Context, id uint64, actorID string) error {
	return r.setApproval(ctx, id, actorID, models.ApprovalApproved)
}

// Reject declines a pending config.
func (r *Resolver) Reject(ctx context.Context, id uint64, actorID string) error {
	return r.setApproval(ctx, id, actorID, models.ApprovalRejected)
}

func (r *Resolver) setApproval(ctx context.Context, id uint64, actorID string, status models.ApprovalStatus) error {
	if r == nil || r.db == nil {
		return errors.New("margin: nil resolver")
	}
	res := r.db.WithContext(ctx).
		Model(&models.PricingConfig{}).
		Where("id = ? AND approval_status = ?", id, models.ApprovalPending).
		Updates(map[string]any{
			"approval_status": status,
			"approved_by":     strings.TrimSpace(actorID),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d not pending", ErrConfigNotFound, id)
	}
	return nil
}
