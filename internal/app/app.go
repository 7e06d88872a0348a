// Package app wires the metering components together and exposes the
// end-to-end billing pipeline for a completed request.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/router-for-me/CreditMeter/internal/billing"
	"github.com/router-for-me/CreditMeter/internal/config"
	"github.com/router-for-me/CreditMeter/internal/db"
	"github.com/router-for-me/CreditMeter/internal/ledger"
	"github.com/router-for-me/CreditMeter/internal/logging"
	"github.com/router-for-me/CreditMeter/internal/margin"
	"github.com/router-for-me/CreditMeter/internal/models"
	"github.com/router-for-me/CreditMeter/internal/pricing"
	"github.com/router-for-me/CreditMeter/internal/settings"
	"github.com/router-for-me/CreditMeter/internal/usage"
)

// pricingCacheTTL bounds staleness of the estimate-path pricing cache.
const pricingCacheTTL = 30 * time.Second

// App is the assembled metering service.
type App struct {
	DB       *gorm.DB
	Pricing  *pricing.Store
	Calc     *pricing.Calculator
	Margins  *margin.Resolver
	Ledger   *ledger.Ledger
	Recorder *usage.Recorder

	redis *redis.Client
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg *config.AppConfig) error {
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// New builds the application: database, migrations, settings snapshot,
// optional Redis pricing cache, and the domain components. tiers may be nil
// when subscription tiers are not modeled by the caller.
func New(ctx context.Context, cfg *config.AppConfig, tiers margin.TierLookup) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	logging.Setup(cfg.Logging)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return nil, errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		// Settings fall back to built-in defaults until the next refresh.
		log.WithError(errRefresh).Warn("app: failed to load settings snapshot")
	}

	store := pricing.NewStore(conn)
	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if errPing := redisClient.Ping(ctx).Err(); errPing != nil {
			log.WithError(errPing).Warn("app: redis unreachable, pricing cache disabled")
			_ = redisClient.Close()
			redisClient = nil
		} else {
			store = store.WithCache(redisClient, pricingCacheTTL)
		}
	}

	calc := pricing.NewCalculator(store)
	resolver := margin.NewResolver(conn, tiers)
	return &App{
		DB:       conn,
		Pricing:  store,
		Calc:     calc,
		Margins:  resolver,
		Ledger:   ledger.New(conn, calc, resolver),
		Recorder: usage.NewRecorder(conn),
		redis:    redisClient,
	}, nil
}

// Close releases the Redis connection. The GORM pool is left to the
// process lifetime, matching how the callers run.
func (a *App) Close() error {
	if a == nil || a.redis == nil {
		return nil
	}
	return a.redis.Close()
}

// CompletedRequest carries everything known about a finished upstream
// request. Cancelled streams report the tokens actually consumed before
// the cancel and bill like any completed request.
type CompletedRequest struct {
	UserID    uint64
	RequestID string
	Provider  string
	Model     string

	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
	CachedPromptTokens       int64

	RequestedAt time.Time
	LatencyMS   int64

	Failed          bool // Failed requests are recorded but never charged.
	ErrorStatusCode *int
	ErrorDetail     []byte
}

// BillingOutcome reports the result of the billing pipeline for one request.
type BillingOutcome struct {
	Cost       *pricing.CostBreakdown
	Multiplier decimal.Decimal
	Credits    int64
	Deduction  *ledger.DeductionResult
	Entry      *models.Usage
}

// deductionDetail is the usage snapshot persisted on the deduction record.
type deductionDetail struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	InputTokens      int64  `json:"input_tokens"`
	OutputTokens     int64  `json:"output_tokens"`
	CacheWriteTokens int64  `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int64  `json:"cache_read_tokens,omitempty"`
	CachedTokens     int64  `json:"cached_tokens,omitempty"`
	VendorCostMicros int64  `json:"vendor_cost_micros"`
	Multiplier       string `json:"multiplier"`
}

// HandleCompletedRequest runs the full pipeline for one finished request:
// vendor cost, margin resolution, credit conversion, atomic deduction, and
// the ledger entry. The deduction and the usage row are keyed by RequestID,
// so replays settle on the original charge.
func (a *App) HandleCompletedRequest(ctx context.Context, req CompletedRequest) (*BillingOutcome, error) {
	if a == nil || a.Ledger == nil {
		return nil, errors.New("app: nil app")
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return nil, fmt.Errorf("%w: empty request id", ledger.ErrInvalidDeduction)
	}

	if req.Failed {
		entry, errRecord := a.recordEntry(ctx, req, nil, decimal.Zero, 0, nil)
		if errRecord != nil {
			return nil, errRecord
		}
		return &BillingOutcome{Multiplier: decimal.Zero, Entry: entry}, nil
	}

	tokenUsage := pricing.TokenUsage{
		Provider:                 req.Provider,
		Model:                    req.Model,
		InputTokens:              req.InputTokens,
		OutputTokens:             req.OutputTokens,
		CacheCreationInputTokens: req.CacheCreationInputTokens,
		CacheReadInputTokens:     req.CacheReadInputTokens,
		CachedPromptTokens:       req.CachedPromptTokens,
		At:                       req.RequestedAt,
	}
	cost, errCalc := a.Calc.Calculate(ctx, tokenUsage)
	if errCalc != nil {
		return nil, errCalc
	}

	multiplier := a.Margins.ApplicableMultiplier(ctx, req.UserID, req.Provider, req.Model)
	credits := billing.CreditsForVendorCost(cost.TotalUSD, multiplier)

	detail := deductionDetail{
		Provider:         cost.Provider,
		Model:            cost.Model,
		InputTokens:      req.InputTokens,
		OutputTokens:     req.OutputTokens,
		CacheWriteTokens: req.CacheCreationInputTokens,
		CacheReadTokens:  req.CacheReadInputTokens,
		CachedTokens:     req.CachedPromptTokens,
		VendorCostMicros: cost.TotalMicros,
		Multiplier:       multiplier.String(),
	}
	deduction, errDeduct := a.Ledger.DeductCreditsAtomically(ctx, req.UserID, credits, req.RequestID, detail)
	if errDeduct != nil {
		return nil, errDeduct
	}
	if deduction.AlreadyApplied {
		// Replay of a settled request. Normally the original usage row
		// stands; if the original attempt charged but died before the
		// entry write, the replay writes the missing row now so every
		// completed charge ends up with exactly one entry.
		entry, errEnsure := a.ensureEntry(ctx, req, cost, multiplier, deduction)
		if errEnsure != nil {
			return nil, errEnsure
		}
		return &BillingOutcome{
			Cost:       cost,
			Multiplier: multiplier,
			Credits:    deduction.Record.Credits,
			Deduction:  deduction,
			Entry:      entry,
		}, nil
	}

	entry, errRecord := a.recordEntry(ctx, req, cost, multiplier, credits, &deduction.Record.ID)
	if errRecord != nil {
		// The charge stands; the missing ledger row is recoverable from the
		// deduction record via RequestID.
		log.WithError(errRecord).WithField("request_id", req.RequestID).
			Error("app: charged but failed to persist usage entry")
		return nil, errRecord
	}

	return &BillingOutcome{
		Cost:       cost,
		Multiplier: multiplier,
		Credits:    credits,
		Deduction:  deduction,
		Entry:      entry,
	}, nil
}

// ensureEntry returns the usage row for a replayed request, writing it
// when the original attempt charged but never persisted one.
func (a *App) ensureEntry(ctx context.Context, req CompletedRequest, cost *pricing.CostBreakdown, multiplier decimal.Decimal, deduction *ledger.DeductionResult) (*models.Usage, error) {
	var existing models.Usage
	errFind := a.DB.WithContext(ctx).
		Where("request_id = ?", strings.TrimSpace(req.RequestID)).
		First(&existing).Error
	if errFind == nil {
		return &existing, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, errFind
	}
	log.WithField("request_id", req.RequestID).
		Warn("app: settled charge had no usage entry, writing it on replay")
	return a.recordEntry(ctx, req, cost, multiplier, deduction.Record.Credits, &deduction.Record.ID)
}

// recordEntry writes the usage ledger row for the request.
func (a *App) recordEntry(ctx context.Context, req CompletedRequest, cost *pricing.CostBreakdown, multiplier decimal.Decimal, credits int64, deductionID *uint64) (*models.Usage, error) {
	userID := req.UserID
	entry := models.Usage{
		Provider:            req.Provider,
		Model:               req.Model,
		UserID:              &userID,
		RequestID:           strings.TrimSpace(req.RequestID),
		DeductionID:         deductionID,
		RequestedAt:         req.RequestedAt,
		Failed:              req.Failed,
		ErrorStatusCode:     req.ErrorStatusCode,
		InputTokens:         req.InputTokens,
		OutputTokens:        req.OutputTokens,
		CacheCreationTokens: req.CacheCreationInputTokens,
		CacheReadTokens:     req.CacheReadInputTokens,
		CachedTokens:        req.CachedPromptTokens,
		AppliedMultiplier:   multiplier,
		CreditsDeducted:     credits,
		LatencyMS:           req.LatencyMS,
	}
	if cost != nil {
		entry.VendorCostMicros = cost.TotalMicros
	}
	if len(req.ErrorDetail) > 0 {
		entry.ErrorDetail = req.ErrorDetail
	}
	return a.Recorder.Record(ctx, entry)
}
