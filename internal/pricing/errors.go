package pricing

import "errors"

// Errors returned by the pricing package.
var (
	// ErrPricingNotFound means no active vendor pricing row covers the
	// requested (provider, model, instant). Billing fails closed on it.
	ErrPricingNotFound = errors.New("pricing: no active vendor pricing")
	// ErrInvalidUsage means the usage record is malformed, e.g. negative
	// token counts or a missing provider/model.
	ErrInvalidUsage = errors.New("pricing: invalid usage")
)
