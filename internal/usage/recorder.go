// Package usage persists the immutable per-request metering ledger and
// serves filtered history and aggregate statistics over it. Entries are
// append-only: the recorder exposes no update or delete path, and
// pre-aggregated summaries are an external batch concern that only reads
// this ledger.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	dbutil "github.com/router-for-me/CreditMeter/internal/db"
	"github.com/router-for-me/CreditMeter/internal/models"
)

// ErrInvalidEntry means a ledger entry is malformed.
var ErrInvalidEntry = errors.New("usage: invalid ledger entry")

// Recorder writes and queries token usage ledger entries.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder constructs a Recorder backed by GORM.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record writes exactly one ledger entry for a completed or explicitly
// failed billed request. The entry is immutable once written.
func (r *Recorder) Record(ctx context.Context, entry models.Usage) (*models.Usage, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("usage: nil recorder")
	}

	entry.Provider = strings.ToLower(strings.TrimSpace(entry.Provider))
	entry.Model = strings.TrimSpace(entry.Model)
	if entry.Provider == "" || entry.Model == "" {
		return nil, fmt.Errorf("%w: empty provider or model", ErrInvalidEntry)
	}
	for name, n := range map[string]int64{
		"input_tokens":          entry.InputTokens,
		"output_tokens":         entry.OutputTokens,
		"cache_creation_tokens": entry.CacheCreationTokens,
		"cache_read_tokens":     entry.CacheReadTokens,
		"cached_tokens":         entry.CachedTokens,
		"credits_deducted":      entry.CreditsDeducted,
	} {
		if n < 0 {
			return nil, fmt.Errorf("%w: negative %s (%d)", ErrInvalidEntry, name, n)
		}
	}

	if entry.RequestedAt.IsZero() {
		entry.RequestedAt = time.Now().UTC()
	} else {
		entry.RequestedAt = entry.RequestedAt.UTC()
	}
	if entry.TotalTokens == 0 {
		entry.TotalTokens = entry.InputTokens + entry.OutputTokens +
			entry.CacheCreationTokens + entry.CacheReadTokens
	}
	entry.CreatedAt = time.Now().UTC()

	if errCreate := r.db.WithContext(ctx).Create(&entry).Error; errCreate != nil {
		log.WithError(errCreate).Warn("usage: failed to persist ledger entry")
		return nil, errCreate
	}
	return &entry, nil
}

// Filter narrows history and aggregate queries.
type Filter struct {
	UserID   *uint64
	Provider string
	Model    string
	Failed   *bool
	From     time.Time
	To       time.Time
}

// apply adds the filter conditions to a query.
func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if provider := strings.ToLower(strings.TrimSpace(f.Provider)); provider != "" {
		q = q.Where("provider = ?", provider)
	}
	if model := strings.TrimSpace(f.Model); model != "" {
		q = q.Where("model = ?", model)
	}
	if f.Failed != nil {
		q = q.Where("failed = ?", *f.Failed)
	}
	if !f.From.IsZero() {
		q = q.Where("requested_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("requested_at <= ?", f.To.UTC())
	}
	return q
}

// List returns filtered ledger entries, newest first, with the total
// matching count for pagination. Page is 1-based.
func (r *Recorder) List(ctx context.Context, filter Filter, page, pageSize int) ([]models.Usage, int64, error) {
	if r == nil || r.db == nil {
		return nil, 0, errors.New("usage: nil recorder")
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	base := filter.apply(r.db.WithContext(ctx).Model(&models.Usage{})).
		Session(&gorm.Session{})

	var total int64
	if errCount := base.Count(&total).Error; errCount != nil {
		return nil, 0, errCount
	}

	var rows []models.Usage
	if errFind := base.
		Order("requested_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; errFind != nil {
		return nil, 0, errFind
	}
	return rows, total, nil
}

// GroupBy selects the aggregation bucket.
type GroupBy string

// GroupBy values.
const (
	// GroupByDay buckets by calendar day.
	GroupByDay GroupBy = "day"
	// GroupByHour buckets by hour.
	GroupByHour GroupBy = "hour"
	// GroupByModel buckets by provider/model pair.
	GroupByModel GroupBy = "model"
)

// AggregateRow is one bucket of aggregate usage statistics.
type AggregateRow struct {
	Bucket           string  `gorm:"column:bucket"`
	Requests         int64   `gorm:"column:requests"`
	InputTokens      int64   `gorm:"column:input_tokens"`
	OutputTokens     int64   `gorm:"column:output_tokens"`
	TotalTokens      int64   `gorm:"column:total_tokens"`
	CreditsDeducted  int64   `gorm:"column:credits_deducted"`
	VendorCostMicros int64   `gorm:"column:vendor_cost_micros"`
	AvgLatencyMS     float64 `gorm:"column:avg_latency_ms"`
}

// Aggregate returns usage statistics grouped by day, hour, or model.
func (r *Recorder) Aggregate(ctx context.Context, filter Filter, groupBy GroupBy) ([]AggregateRow, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("usage: nil recorder")
	}

	var bucketExpr string
	switch groupBy {
	case GroupByDay:
		bucketExpr = dbutil.DayBucketExpr(r.db, "requested_at")
	case GroupByHour:
		bucketExpr = dbutil.HourBucketExpr(r.db, "requested_at")
	case GroupByModel:
		bucketExpr = "provider || '/' || model"
	default:
		return nil, fmt.Errorf("usage: unknown group-by %q", groupBy)
	}

	q := filter.apply(r.db.WithContext(ctx).Model(&models.Usage{}))

	var rows []AggregateRow
	if errScan := q.
		Select(bucketExpr + ` AS bucket,
			COUNT(*) AS requests,
			COALESCE(SUM(input_tokens), 0) AS input_tokens,
			COALESCE(SUM(output_tokens), 0) AS output_tokens,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(SUM(credits_deducted), 0) AS credits_deducted,
			COALESCE(SUM(vendor_cost_micros), 0) AS vendor_cost_micros,
			COALESCE(AVG(latency_ms), 0) AS avg_latency_ms`).
		Group("bucket").
		Order("bucket ASC").
		Scan(&rows).Error; errScan != nil {
		return nil, errScan
	}
	return rows, nil
}
