package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/router-for-me/CreditMeter/internal/config"
	"github.com/router-for-me/CreditMeter/internal/ledger"
	"github.com/router-for-me/CreditMeter/internal/models"
	"github.com/router-for-me/CreditMeter/internal/pricing"
	"github.com/router-for-me/CreditMeter/internal/settings"
)

func setupApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.AppConfig{
		Database: config.DatabaseConfig{
			DSN: fmt.Sprintf("file:app_%d?mode=memory&cache=shared", time.Now().UnixNano()),
		},
	}
	application, errNew := New(context.Background(), cfg, nil)
	if errNew != nil {
		t.Fatalf("build app: %v", errNew)
	}
	t.Cleanup(func() {
		_ = application.Close()
		settings.StoreDBConfig(time.Time{}, nil)
	})
	return application
}

func seedPipelineFixtures(t *testing.T, a *App) {
	t.Helper()
	now := time.Now().UTC()

	// $5 per 1M input, $15 per 1M output.
	row := models.VendorPricing{
		Provider:         "openai",
		Model:            "gpt-4o",
		InputPricePer1K:  decimal.RequireFromString("0.005"),
		OutputPricePer1K: decimal.RequireFromString("0.015"),
		EffectiveFrom:    now.Add(-time.Hour),
		IsActive:         true,
	}
	if errCreate := a.DB.Create(&row).Error; errCreate != nil {
		t.Fatalf("create pricing: %v", errCreate)
	}

	cfg := models.PricingConfig{
		ScopeType:        models.ScopeModel,
		Provider:         "openai",
		Model:            "gpt-4o",
		MarginMultiplier: decimal.RequireFromString("1.3"),
		EffectiveFrom:    now.Add(-time.Hour),
		ApprovalStatus:   models.ApprovalApproved,
		IsActive:         true,
	}
	if errCreate := a.DB.Create(&cfg).Error; errCreate != nil {
		t.Fatalf("create pricing config: %v", errCreate)
	}

	pool := models.CreditBalance{
		UserID:       1,
		CreditType:   models.CreditTypePurchased,
		TotalCredits: 100,
		PeriodStart:  now.Add(-24 * time.Hour),
		PeriodEnd:    now.Add(24 * time.Hour),
		IsActive:     true,
	}
	if errCreate := a.DB.Create(&pool).Error; errCreate != nil {
		t.Fatalf("create balance: %v", errCreate)
	}
}

func TestHandleCompletedRequestPipeline(t *testing.T) {
	a := setupApp(t)
	seedPipelineFixtures(t, a)
	ctx := context.Background()

	outcome, errHandle := a.HandleCompletedRequest(ctx, CompletedRequest{
		UserID:       1,
		RequestID:    "req-pipeline",
		Provider:     "openai",
		Model:        "gpt-4o",
		InputTokens:  500,
		OutputTokens: 300,
		LatencyMS:    650,
	})
	if errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}

	// $0.007 cost x 1.3 margin x 2500 credits/USD, rounded up: 23 credits.
	if outcome.Credits != 23 {
		t.Fatalf("expected 23 credits, got %d", outcome.Credits)
	}
	if outcome.Cost.TotalMicros != 7000 {
		t.Fatalf("expected 7000 micros vendor cost, got %d", outcome.Cost.TotalMicros)
	}
	if outcome.Deduction.BalanceBefore != 100 || outcome.Deduction.BalanceAfter != 77 {
		t.Fatalf("expected balance 100 -> 77, got %d -> %d", outcome.Deduction.BalanceBefore, outcome.Deduction.BalanceAfter)
	}
	if outcome.Entry == nil || outcome.Entry.DeductionID == nil || *outcome.Entry.DeductionID != outcome.Deduction.Record.ID {
		t.Fatalf("expected usage entry linked to deduction, got %+v", outcome.Entry)
	}
	if outcome.Entry.CreditsDeducted != 23 || outcome.Entry.VendorCostMicros != 7000 {
		t.Fatalf("unexpected usage entry amounts: %+v", outcome.Entry)
	}
}

func TestHandleCompletedRequestReplay(t *testing.T) {
	a := setupApp(t)
	seedPipelineFixtures(t, a)
	ctx := context.Background()

	req := CompletedRequest{
		UserID:       1,
		RequestID:    "req-replay",
		Provider:     "openai",
		Model:        "gpt-4o",
		InputTokens:  500,
		OutputTokens: 300,
	}
	if _, errHandle := a.HandleCompletedRequest(ctx, req); errHandle != nil {
		t.Fatalf("first handle: %v", errHandle)
	}
	replay, errReplay := a.HandleCompletedRequest(ctx, req)
	if errReplay != nil {
		t.Fatalf("replay handle: %v", errReplay)
	}
	if !replay.Deduction.AlreadyApplied {
		t.Fatalf("expected replay to settle on the original charge")
	}

	var pool models.CreditBalance
	if errFind := a.DB.Where("user_id = ?", 1).First(&pool).Error; errFind != nil {
		t.Fatalf("load pool: %v", errFind)
	}
	if pool.UsedCredits != 23 {
		t.Fatalf("expected single 23-credit charge, got %d used", pool.UsedCredits)
	}
	var usageRows int64
	if errCount := a.DB.Model(&models.Usage{}).Where("request_id = ?", "req-replay").Count(&usageRows).Error; errCount != nil {
		t.Fatalf("count usage rows: %v", errCount)
	}
	if usageRows != 1 {
		t.Fatalf("expected single usage row, got %d", usageRows)
	}
}

func TestReplayWritesMissingEntryAfterCrash(t *testing.T) {
	a := setupApp(t)
	seedPipelineFixtures(t, a)
	ctx := context.Background()

	// Simulate a crash between the deduction commit and the entry write
	// by making the entry table unavailable for the first attempt.
	if errDrop := a.DB.Migrator().DropTable(&models.Usage{}); errDrop != nil {
		t.Fatalf("drop usage table: %v", errDrop)
	}
	req := CompletedRequest{
		UserID:       1,
		RequestID:    "req-repair",
		Provider:     "openai",
		Model:        "gpt-4o",
		InputTokens:  500,
		OutputTokens: 300,
	}
	if _, errHandle := a.HandleCompletedRequest(ctx, req); errHandle == nil {
		t.Fatalf("expected entry write to fail")
	}

	// The charge landed even though the entry write failed.
	var pool models.CreditBalance
	if errFind := a.DB.Where("user_id = ?", 1).First(&pool).Error; errFind != nil {
		t.Fatalf("load pool: %v", errFind)
	}
	if pool.UsedCredits != 23 {
		t.Fatalf("expected 23 credits charged, got %d used", pool.UsedCredits)
	}

	if errMigrate := a.DB.AutoMigrate(&models.Usage{}); errMigrate != nil {
		t.Fatalf("restore usage table: %v", errMigrate)
	}
	replay, errReplay := a.HandleCompletedRequest(ctx, req)
	if errReplay != nil {
		t.Fatalf("replay handle: %v", errReplay)
	}
	if !replay.Deduction.AlreadyApplied {
		t.Fatalf("expected replay to settle on the original charge")
	}
	if replay.Entry == nil || replay.Entry.DeductionID == nil || *replay.Entry.DeductionID != replay.Deduction.Record.ID {
		t.Fatalf("expected repaired entry linked to the original deduction, got %+v", replay.Entry)
	}

	var usageRows int64
	if errCount := a.DB.Model(&models.Usage{}).Where("request_id = ?", "req-repair").Count(&usageRows).Error; errCount != nil {
		t.Fatalf("count usage rows: %v", errCount)
	}
	if usageRows != 1 {
		t.Fatalf("expected exactly one usage row after replay, got %d", usageRows)
	}
	if errFind := a.DB.Where("user_id = ?", 1).First(&pool).Error; errFind != nil {
		t.Fatalf("reload pool: %v", errFind)
	}
	if pool.UsedCredits != 23 {
		t.Fatalf("expected no second charge, got %d used", pool.UsedCredits)
	}
}

func TestHandleFailedRequestRecordsWithoutCharge(t *testing.T) {
	a := setupApp(t)
	seedPipelineFixtures(t, a)
	ctx := context.Background()

	statusCode := 500
	outcome, errHandle := a.HandleCompletedRequest(ctx, CompletedRequest{
		UserID:          1,
		RequestID:       "req-failed",
		Provider:        "openai",
		Model:           "gpt-4o",
		InputTokens:     500,
		Failed:          true,
		ErrorStatusCode: &statusCode,
		ErrorDetail:     []byte(`{"error":"upstream unavailable"}`),
	})
	if errHandle != nil {
		t.Fatalf("handle failed request: %v", errHandle)
	}
	if outcome.Deduction != nil || outcome.Credits != 0 {
		t.Fatalf("expected no charge for failed request, got %+v", outcome)
	}
	if outcome.Entry == nil || !outcome.Entry.Failed || outcome.Entry.CreditsDeducted != 0 {
		t.Fatalf("expected failed zero-cost entry, got %+v", outcome.Entry)
	}

	var pool models.CreditBalance
	if errFind := a.DB.Where("user_id = ?", 1).First(&pool).Error; errFind != nil {
		t.Fatalf("load pool: %v", errFind)
	}
	if pool.UsedCredits != 0 {
		t.Fatalf("expected untouched balance, got %d used", pool.UsedCredits)
	}
}

func TestHandleCompletedRequestInsufficientCredits(t *testing.T) {
	a := setupApp(t)
	seedPipelineFixtures(t, a)
	ctx := context.Background()

	// 100,000 output tokens cost $1.50, x1.3 margin is 4875 credits,
	// far above the 100-credit balance.
	_, errHandle := a.HandleCompletedRequest(ctx, CompletedRequest{
		UserID:       1,
		RequestID:    "req-too-big",
		Provider:     "openai",
		Model:        "gpt-4o",
		OutputTokens: 100_000,
	})
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(errHandle, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", errHandle)
	}

	// Nothing recorded for a rejected charge.
	var usageRows int64
	if errCount := a.DB.Model(&models.Usage{}).Count(&usageRows).Error; errCount != nil {
		t.Fatalf("count usage rows: %v", errCount)
	}
	if usageRows != 0 {
		t.Fatalf("expected no usage rows, got %d", usageRows)
	}
}

func TestHandleCompletedRequestFailsClosedWithoutPricing(t *testing.T) {
	a := setupApp(t)
	ctx := context.Background()

	_, errHandle := a.HandleCompletedRequest(ctx, CompletedRequest{
		UserID:      1,
		RequestID:   "req-no-pricing",
		Provider:    "openai",
		Model:       "unknown-model",
		InputTokens: 10,
	})
	if !errors.Is(errHandle, pricing.ErrPricingNotFound) {
		t.Fatalf("expected ErrPricingNotFound, got %v", errHandle)
	}
}

func TestMigrateHelper(t *testing.T) {
	cfg := &config.AppConfig{
		Database: config.DatabaseConfig{
			DSN: fmt.Sprintf("file:appmigrate_%d?mode=memory&cache=shared", time.Now().UnixNano()),
		},
	}
	if errMigrate := Migrate(context.Background(), cfg); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
}
