package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/router-for-me/CreditMeter/internal/models"
)

// defaultCacheTTL bounds how stale a cached pricing row may be. Pricing
// rows are effective-dated and change rarely, so a short TTL is plenty.
const defaultCacheTTL = 30 * time.Second

// Store looks up active vendor pricing rows. Reads are read-mostly; the
// optional redis cache serves only the non-authoritative estimate path,
// authoritative billing always hits the database.
type Store struct {
	db       *gorm.DB
	cache    *redis.Client
	cacheTTL time.Duration
}

// NewStore constructs a Store backed by GORM.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, cacheTTL: defaultCacheTTL}
}

// WithCache attaches a redis client used by ActivePricingCached.
func (s *Store) WithCache(client *redis.Client, ttl time.Duration) *Store {
	if s == nil {
		return nil
	}
	s.cache = client
	if ttl > 0 {
		s.cacheTTL = ttl
	}
	return s
}

// ActivePricing returns the single active pricing row for (provider, model)
// effective at the given instant. Ties at the same instant are broken by
// the latest effective_from. Returns ErrPricingNotFound when nothing covers
// the instant; callers must fail closed rather than guess a price.
func (s *Store) ActivePricing(ctx context.Context, provider, model string, at time.Time) (*models.VendorPricing, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("pricing: nil store")
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if provider == "" || model == "" {
		return nil, fmt.Errorf("%w: empty provider or model", ErrInvalidUsage)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var row models.VendorPricing
	errFind := s.db.WithContext(ctx).
		Where("provider = ? AND model = ? AND is_active = ?", provider, model, true).
		Where("effective_from <= ?", at).
		Where("effective_until IS NULL OR effective_until >= ?", at).
		Order("effective_from DESC, id DESC").
		First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%s at %s", ErrPricingNotFound, provider, model, at.Format(time.RFC3339))
		}
		return nil, errFind
	}
	return &row, nil
}

// ActivePricingCached is the estimate-path lookup: it consults redis first
// and falls back to the database, repopulating the cache on a miss. Cache
// failures degrade silently to the database read.
func (s *Store) ActivePricingCached(ctx context.Context, provider, model string, at time.Time) (*models.VendorPricing, error) {
	if s == nil {
		return nil, errors.New("pricing: nil store")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if s.cache == nil {
		return s.ActivePricing(ctx, provider, model, at)
	}

	key := cacheKey(provider, model)
	if payload, errGet := s.cache.Get(ctx, key).Bytes(); errGet == nil {
		var cached models.VendorPricing
		if errUnmarshal := json.Unmarshal(payload, &cached); errUnmarshal == nil && cached.Covers(at) {
			return &cached, nil
		}
	} else if !errors.Is(errGet, redis.Nil) {
		log.WithError(errGet).Debug("pricing cache read failed")
	}

	row, errLookup := s.ActivePricing(ctx, provider, model, at)
	if errLookup != nil {
		return nil, errLookup
	}

	if payload, errMarshal := json.Marshal(row); errMarshal == nil {
		if errSet := s.cache.Set(ctx, key, payload, s.cacheTTL).Err(); errSet != nil {
			log.WithError(errSet).Debug("pricing cache write failed")
		}
	}
	return row, nil
}

// cacheKey builds the redis key for a (provider, model) pricing entry.
func cacheKey(provider, model string) string {
	return fmt.Sprintf("creditmeter:pricing:%s:%s", strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(model))
}
