// Package ledger performs the authoritative credit accounting: sufficiency
// validation, atomic deduction across credit pools, and reversal. Deduction
// is the only operation in the system requiring strict serialization; it is
// linearized through row-level locks inside a single transaction covering
// both the balance update and the deduction-record insert.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/router-for-me/CreditMeter/internal/billing"
	dbutil "github.com/router-for-me/CreditMeter/internal/db"
	"github.com/router-for-me/CreditMeter/internal/margin"
	"github.com/router-for-me/CreditMeter/internal/models"
	"github.com/router-for-me/CreditMeter/internal/pricing"
	"github.com/router-for-me/CreditMeter/internal/settings"
)

// Deduction retry policy for transient transaction conflicts.
const (
	deductMaxAttempts    = 3
	deductInitialBackoff = 50 * time.Millisecond
)

// Ledger validates and applies credit charges. Collaborators are injected
// explicitly; the ledger holds no global state.
type Ledger struct {
	db       *gorm.DB
	calc     *pricing.Calculator
	resolver *margin.Resolver
}

// New constructs a Ledger.
func New(db *gorm.DB, calc *pricing.Calculator, resolver *margin.Resolver) *Ledger {
	return &Ledger{db: db, calc: calc, resolver: resolver}
}

// DeductionResult reports the outcome of an applied deduction.
type DeductionResult struct {
	Record         models.CreditDeductionRecord
	BalanceBefore  int64
	BalanceAfter   int64
	Pools          []models.PoolDeduction
	AlreadyApplied bool // True when the requestID had been charged before.
}

// SufficiencyResult reports whether a balance covers a planned charge.
type SufficiencyResult struct {
	Sufficient  bool
	Available   int64
	Shortfall   int64
	Suggestions []string
}

// EstimateCreditsForRequest is the pre-flight estimate combining pricing,
// margin resolution, and credit conversion. It exists only to short-circuit
// obviously insufficient requests before calling the paid provider; it is
// not authoritative. When pricing cannot be resolved it degrades to the
// configured fallback per-token price, or to zero when none is set,
// favoring availability over precision.
func (l *Ledger) EstimateCreditsForRequest(ctx context.Context, userID uint64, model, provider string, estInputTokens, estOutputTokens int64) (int64, error) {
	if l == nil || l.calc == nil {
		return 0, errors.New("ledger: nil ledger")
	}

	usage := pricing.TokenUsage{
		Provider:     provider,
		Model:        model,
		InputTokens:  estInputTokens,
		OutputTokens: estOutputTokens,
	}
	multiplier := l.resolver.ApplicableMultiplier(ctx, userID, provider, model)

	breakdown, errEstimate := l.calc.Estimate(ctx, usage)
	if errEstimate != nil {
		if errors.Is(errEstimate, pricing.ErrInvalidUsage) {
			return 0, errEstimate
		}
		fallback := settings.EstimateFallbackPricePer1K()
		if !fallback.IsPositive() {
			log.WithError(errEstimate).Warn("ledger: estimate degraded to zero, pricing unavailable")
			return 0, nil
		}
		log.WithError(errEstimate).Warn("ledger: estimate using fallback price, pricing unavailable")
		cost := decimal.NewFromInt(estInputTokens + estOutputTokens).
			Mul(fallback).
			Div(decimal.NewFromInt(1000))
		return billing.CreditsForVendorCost(cost, multiplier), nil
	}

	return billing.CreditsForVendorCost(breakdown.TotalUSD, multiplier), nil
}

// ValidateSufficientCredits reads the current balance and reports whether
// it covers creditsNeeded, with shortfall and remediation suggestions when
// it does not. Non-blocking and non-authoritative: the atomic deduction
// re-validates under lock regardless.
func (l *Ledger) ValidateSufficientCredits(ctx context.Context, userID uint64, creditsNeeded int64) (*SufficiencyResult, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger: nil ledger")
	}
	if creditsNeeded < 0 {
		return nil, fmt.Errorf("%w: negative credits %d", ErrInvalidDeduction, creditsNeeded)
	}

	available, errSum := l.availableCredits(ctx, l.db, userID, time.Now().UTC())
	if errSum != nil {
		return nil, errSum
	}

	if available >= creditsNeeded {
		return &SufficiencyResult{Sufficient: true, Available: available}, nil
	}
	shortfall := creditsNeeded - available
	return &SufficiencyResult{
		Sufficient:  false,
		Available:   available,
		Shortfall:   shortfall,
		Suggestions: shortfallSuggestions(shortfall),
	}, nil
}

// DeductCreditsAtomically is the authoritative charge path. Within a single
// transaction it re-reads the balance under a row-level lock, re-validates
// sufficiency, drains pools in priority order, and writes a completed
// deduction record. Idempotent per requestID: a retried call with the same
// id deducts exactly once and returns the original result.
func (l *Ledger) DeductCreditsAtomically(ctx context.Context, userID uint64, credits int64, requestID string, usageDetail any) (*DeductionResult, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger: nil ledger")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, fmt.Errorf("%w: empty request id", ErrInvalidDeduction)
	}
	if credits < 0 {
		return nil, fmt.Errorf("%w: negative credits %d", ErrInvalidDeduction, credits)
	}

	detail, errDetail := marshalDetail(usageDetail)
	if errDetail != nil {
		return nil, fmt.Errorf("%w: unencodable usage detail: %v", ErrInvalidDeduction, errDetail)
	}

	backoff := deductInitialBackoff
	var lastErr error
	for attempt := 1; attempt <= deductMaxAttempts; attempt++ {
		result, errOnce := l.deductOnce(ctx, userID, credits, requestID, detail)
		if errOnce == nil {
			return result, nil
		}
		if !isRetryableTxError(errOnce) {
			return nil, errOnce
		}
		lastErr = errOnce
		log.WithError(errOnce).WithField("attempt", attempt).Warn("ledger: deduction conflict, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: %v", ErrConcurrencyConflict, lastErr)
}

// errDuplicateRequest aborts a deduction transaction when the requestID
// unique constraint fires under a concurrent duplicate.
var errDuplicateRequest = errors.New("ledger: duplicate request id")

// deductOnce runs one deduction attempt in a single transaction.
func (l *Ledger) deductOnce(ctx context.Context, userID uint64, credits int64, requestID string, detail datatypes.JSON) (*DeductionResult, error) {
	now := time.Now().UTC()
	var result *DeductionResult

	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// First-writer-wins: a record for this request means the charge
		// already happened; return it instead of deducting twice.
		existing, errExisting := l.findDeduction(tx, requestID)
		if errExisting != nil {
			return errExisting
		}
		if existing != nil {
			result = resultFromRecord(existing, true)
			return nil
		}

		pools, errLock := l.lockChargeablePools(tx, userID, now)
		if errLock != nil {
			return errLock
		}

		available := int64(0)
		for i := range pools {
			available += pools[i].Remaining()
		}
		if credits > available {
			shortfall := credits - available
			return &InsufficientCreditsError{
				Needed:      credits,
				Available:   available,
				Shortfall:   shortfall,
				Suggestions: shortfallSuggestions(shortfall),
			}
		}

		drained, errDrain := drainPools(tx, pools, credits, now)
		if errDrain != nil {
			return errDrain
		}

		breakdown, errBreakdown := json.Marshal(drained)
		if errBreakdown != nil {
			return errBreakdown
		}

		record := models.CreditDeductionRecord{
			UID:           uuid.NewString(),
			UserID:        userID,
			RequestID:     requestID,
			Credits:       credits,
			BalanceBefore: available,
			BalanceAfter:  available - credits,
			Reason:        "usage charge",
			Status:        models.DeductionPending,
			UsageDetail:   detail,
			PoolBreakdown: datatypes.JSON(breakdown),
		}
		if errTransition := models.TransitionDeductionStatus(record.Status, models.DeductionCompleted); errTransition != nil {
			return errTransition
		}
		record.Status = models.DeductionCompleted
		completedAt := now
		record.CompletedAt = &completedAt

		if errCreate := tx.Create(&record).Error; errCreate != nil {
			if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
				return errDuplicateRequest
			}
			return errCreate
		}

		result = resultFromRecord(&record, false)
		result.Pools = drained
		return nil
	})

	if errTx != nil {
		if errors.Is(errTx, errDuplicateRequest) {
			// Lost the insert race to a concurrent identical request; the
			// winner's record is the authoritative outcome.
			existing, errExisting := l.findDeduction(l.db.WithContext(ctx), requestID)
			if errExisting != nil {
				return nil, errExisting
			}
			if existing == nil {
				return nil, ErrDeductionNotFound
			}
			return resultFromRecord(existing, true), nil
		}
		return nil, errTx
	}
	return result, nil
}

// DeductCreditsInOrder drains amountNeeded across the user's chargeable
// pools in priority order (free before purchased, soonest-expiring first)
// as one atomic unit: either the full amount is deducted or nothing is.
func (l *Ledger) DeductCreditsInOrder(ctx context.Context, userID uint64, amountNeeded int64) ([]models.PoolDeduction, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger: nil ledger")
	}
	if amountNeeded < 0 {
		return nil, fmt.Errorf("%w: negative amount %d", ErrInvalidDeduction, amountNeeded)
	}
	if amountNeeded == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	var drained []models.PoolDeduction
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pools, errLock := l.lockChargeablePools(tx, userID, now)
		if errLock != nil {
			return errLock
		}
		available := int64(0)
		for i := range pools {
			available += pools[i].Remaining()
		}
		if amountNeeded > available {
			shortfall := amountNeeded - available
			return &InsufficientCreditsError{
				Needed:      amountNeeded,
				Available:   available,
				Shortfall:   shortfall,
				Suggestions: shortfallSuggestions(shortfall),
			}
		}
		var errDrain error
		drained, errDrain = drainPools(tx, pools, amountNeeded, now)
		return errDrain
	})
	if errTx != nil {
		return nil, errTx
	}
	return drained, nil
}

// lockChargeablePools loads the user's drainable pools under a row-level
// lock, ordered by drain priority: free credits first, then the pool
// expiring soonest. SQLite has no FOR UPDATE; its single-writer lock
// serializes the transaction instead.
func (l *Ledger) lockChargeablePools(tx *gorm.DB, userID uint64, now time.Time) ([]models.CreditBalance, error) {
	q := tx.Model(&models.CreditBalance{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Where("period_start <= ? AND period_end >= ?", now, now).
		Order("CASE WHEN credit_type = 'free' THEN 0 ELSE 1 END, period_end ASC, id ASC")
	if !dbutil.IsSQLite(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var pools []models.CreditBalance
	if errFind := q.Find(&pools).Error; errFind != nil {
		return nil, errFind
	}
	return pools, nil
}

// drainPools deducts amount across pools in their given order. Callers
// must have validated sufficiency; leftover amount after the last pool is
// a consistency failure.
func drainPools(tx *gorm.DB, pools []models.CreditBalance, amount int64, now time.Time) ([]models.PoolDeduction, error) {
	remaining := amount
	drained := make([]models.PoolDeduction, 0, len(pools))
	for i := range pools {
		if remaining <= 0 {
			break
		}
		pool := &pools[i]
		take := pool.Remaining()
		if take <= 0 {
			continue
		}
		if take > remaining {
			take = remaining
		}
		res := tx.Model(&models.CreditBalance{}).
			Where("id = ?", pool.ID).
			Updates(map[string]any{
				"used_credits": gorm.Expr("used_credits + ?", take),
				"updated_at":   now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		drained = append(drained, models.PoolDeduction{BalanceID: pool.ID, Credits: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, fmt.Errorf("ledger: pools short by %d after lock", remaining)
	}
	return drained, nil
}

// availableCredits sums remaining credits across chargeable pools.
func (l *Ledger) availableCredits(ctx context.Context, db *gorm.DB, userID uint64, now time.Time) (int64, error) {
	var total int64
	errScan := db.WithContext(ctx).
		Model(&models.CreditBalance{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Where("period_start <= ? AND period_end >= ?", now, now).
		Select("COALESCE(SUM(total_credits - used_credits), 0)").
		Scan(&total).Error
	if errScan != nil {
		return 0, errScan
	}
	if total < 0 {
		total = 0
	}
	return total, nil
}

// findDeduction loads a deduction record by request id, nil when absent.
func (l *Ledger) findDeduction(db *gorm.DB, requestID string) (*models.CreditDeductionRecord, error) {
	var record models.CreditDeductionRecord
	errFind := db.Where("request_id = ?", requestID).First(&record).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errFind
	}
	return &record, nil
}

// resultFromRecord builds a DeductionResult from a stored record.
func resultFromRecord(record *models.CreditDeductionRecord, alreadyApplied bool) *DeductionResult {
	result := &DeductionResult{
		Record:         *record,
		BalanceBefore:  record.BalanceBefore,
		BalanceAfter:   record.BalanceAfter,
		AlreadyApplied: alreadyApplied,
	}
	if len(record.PoolBreakdown) > 0 {
		var pools []models.PoolDeduction
		if errUnmarshal := json.Unmarshal(record.PoolBreakdown, &pools); errUnmarshal == nil {
			result.Pools = pools
		}
	}
	return result
}

// marshalDetail encodes the usage detail for storage.
func marshalDetail(usageDetail any) (datatypes.JSON, error) {
	if usageDetail == nil {
		return nil, nil
	}
	payload, errMarshal := json.Marshal(usageDetail)
	if errMarshal != nil {
		return nil, errMarshal
	}
	return datatypes.JSON(payload), nil
}

// isRetryableTxError reports whether an error is a transient transaction
// conflict worth retrying: PostgreSQL serialization failure or deadlock,
// or a SQLite busy/locked write.
func isRetryableTxError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
