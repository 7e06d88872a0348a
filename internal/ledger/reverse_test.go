package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/router-for-me/CreditMeter/internal/models"
)

func TestReverseDeductionRestoresPools(t *testing.T) {
	conn, ledger := setupLedger(t)
	ctx := context.Background()
	free := seedBalance(t, conn, 1, models.CreditTypeFree, 20, 0)
	purchased := seedBalance(t, conn, 1, models.CreditTypePurchased, 100, 0)

	result, errDeduct := ledger.DeductCreditsAtomically(ctx, 1, 50, "req-rev", nil)
	if errDeduct != nil {
		t.Fatalf("deduct: %v", errDeduct)
	}
	if got := poolByID(t, conn, free.ID); got.UsedCredits != 20 {
		t.Fatalf("expected free pool drained, got %d used", got.UsedCredits)
	}

	if errReverse := ledger.ReverseDeduction(ctx, result.Record.ID, "duplicate charge", "ops"); errReverse != nil {
		t.Fatalf("reverse: %v", errReverse)
	}

	if got := poolByID(t, conn, free.ID); got.UsedCredits != 0 {
		t.Fatalf("expected free pool restored, got %d used", got.UsedCredits)
	}
	if got := poolByID(t, conn, purchased.ID); got.UsedCredits != 0 {
		t.Fatalf("expected purchased pool restored, got %d used", got.UsedCredits)
	}

	var record models.CreditDeductionRecord
	if errFind := conn.First(&record, result.Record.ID).Error; errFind != nil {
		t.Fatalf("load record: %v", errFind)
	}
	if record.Status != models.DeductionReversed {
		t.Fatalf("expected reversed status, got %s", record.Status)
	}
	if record.ReversedAt == nil || record.ReversalReason != "duplicate charge" || record.ReversedBy != "ops" {
		t.Fatalf("expected reversal metadata, got %+v", record)
	}
}

func TestReverseDeductionOnlyOnce(t *testing.T) {
	conn, ledger := setupLedger(t)
	ctx := context.Background()
	seedBalance(t, conn, 1, models.CreditTypePurchased, 100, 0)

	result, errDeduct := ledger.DeductCreditsAtomically(ctx, 1, 30, "req-once", nil)
	if errDeduct != nil {
		t.Fatalf("deduct: %v", errDeduct)
	}
	if errReverse := ledger.ReverseDeduction(ctx, result.Record.ID, "refund", "ops"); errReverse != nil {
		t.Fatalf("first reverse: %v", errReverse)
	}

	errAgain := ledger.ReverseDeduction(ctx, result.Record.ID, "refund", "ops")
	var reversal *ReversalError
	if !errors.As(errAgain, &reversal) {
		t.Fatalf("expected ReversalError, got %v", errAgain)
	}
	if reversal.Status != models.DeductionReversed {
		t.Fatalf("expected status reversed in error, got %s", reversal.Status)
	}
}

func TestReverseDeductionNotFound(t *testing.T) {
	_, ledger := setupLedger(t)
	if errReverse := ledger.ReverseDeduction(context.Background(), 987654, "refund", "ops"); !errors.Is(errReverse, ErrDeductionNotFound) {
		t.Fatalf("expected ErrDeductionNotFound, got %v", errReverse)
	}
}

func TestReverseDeductionClampsAtZero(t *testing.T) {
	conn, ledger := setupLedger(t)
	ctx := context.Background()
	pool := seedBalance(t, conn, 1, models.CreditTypePurchased, 100, 0)

	result, errDeduct := ledger.DeductCreditsAtomically(ctx, 1, 40, "req-clamp", nil)
	if errDeduct != nil {
		t.Fatalf("deduct: %v", errDeduct)
	}

	// The pool was reallocated since the charge; restoration never drives
	// used_credits negative.
	if errUpdate := conn.Model(&models.CreditBalance{}).
		Where("id = ?", pool.ID).
		Update("used_credits", 10).Error; errUpdate != nil {
		t.Fatalf("reallocate pool: %v", errUpdate)
	}
	if errReverse := ledger.ReverseDeduction(ctx, result.Record.ID, "late refund", "ops"); errReverse != nil {
		t.Fatalf("reverse: %v", errReverse)
	}
	if got := poolByID(t, conn, pool.ID); got.UsedCredits != 0 {
		t.Fatalf("expected used credits clamped at 0, got %d", got.UsedCredits)
	}
}
