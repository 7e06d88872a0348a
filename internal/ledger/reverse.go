package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbutil "github.com/router-for-me/CreditMeter/internal/db"
	"github.com/router-for-me/CreditMeter/internal/models"
)

// ReverseDeduction is the compensating transaction for a completed charge:
// it restores the drained credits to their source pools and transitions the
// record to reversed. Valid only from completed; pending and reversed
// records fail with ReversalError. History is never deleted.
func (l *Ledger) ReverseDeduction(ctx context.Context, deductionID uint64, reason, actorID string) error {
	if l == nil || l.db == nil {
		return errors.New("ledger: nil ledger")
	}

	now := time.Now().UTC()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.CreditDeductionRecord{})
		if !dbutil.IsSQLite(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var record models.CreditDeductionRecord
		if errFind := q.Where("id = ?", deductionID).First(&record).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: id %d", ErrDeductionNotFound, deductionID)
			}
			return errFind
		}

		if errTransition := models.TransitionDeductionStatus(record.Status, models.DeductionReversed); errTransition != nil {
			return &ReversalError{DeductionID: record.ID, Status: record.Status}
		}

		if errRestore := restorePools(tx, record.PoolBreakdown, now); errRestore != nil {
			return errRestore
		}

		record.Status = models.DeductionReversed
		record.ReversedAt = &now
		record.ReversalReason = strings.TrimSpace(reason)
		record.ReversedBy = strings.TrimSpace(actorID)
		return tx.Save(&record).Error
	})
}

// restorePools credits each source pool back by its drained amount. Used
// credits never drop below zero even if a pool was reallocated since.
func restorePools(tx *gorm.DB, breakdown []byte, now time.Time) error {
	if len(breakdown) == 0 {
		return nil
	}
	var pools []models.PoolDeduction
	if errUnmarshal := json.Unmarshal(breakdown, &pools); errUnmarshal != nil {
		return fmt.Errorf("ledger: corrupt pool breakdown: %w", errUnmarshal)
	}
	for _, slice := range pools {
		if slice.Credits <= 0 {
			continue
		}
		var pool models.CreditBalance
		if errFind := tx.First(&pool, slice.BalanceID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				continue
			}
			return errFind
		}
		restored := pool.UsedCredits - slice.Credits
		if restored < 0 {
			restored = 0
		}
		res := tx.Model(&models.CreditBalance{}).
			Where("id = ?", pool.ID).
			Updates(map[string]any{
				"used_credits": restored,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
	}
	return nil
}
