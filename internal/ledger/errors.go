package ledger

import (
	"errors"
	"fmt"

	"github.com/router-for-me/CreditMeter/internal/models"
)

// Errors returned by the ledger package.
var (
	// ErrConcurrencyConflict means the deduction retry budget was exhausted
	// on transient transaction conflicts. The charge state is unresolved;
	// callers must retry, never treat it as free or as billed.
	ErrConcurrencyConflict = errors.New("ledger: transaction conflict, retry budget exhausted")
	// ErrDeductionNotFound means no deduction record matched the lookup.
	ErrDeductionNotFound = errors.New("ledger: deduction record not found")
	// ErrInvalidDeduction means the deduction request is malformed.
	ErrInvalidDeduction = errors.New("ledger: invalid deduction")
)

// InsufficientCreditsError reports a balance shortfall with remediation
// suggestions suitable for a client-actionable response.
type InsufficientCreditsError struct {
	Needed      int64
	Available   int64
	Shortfall   int64
	Suggestions []string
}

// Error implements the error interface.
func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("ledger: insufficient credits: need %d, have %d (short %d)", e.Needed, e.Available, e.Shortfall)
}

// ReversalError reports an illegal reversal attempt.
type ReversalError struct {
	DeductionID uint64
	Status      models.DeductionStatus
}

// Error implements the error interface.
func (e *ReversalError) Error() string {
	return fmt.Sprintf("ledger: cannot reverse deduction %d in status %s", e.DeductionID, e.Status)
}

// shortfallSuggestions builds remediation guidance for a shortfall.
func shortfallSuggestions(shortfall int64) []string {
	return []string{
		fmt.Sprintf("purchase at least %d additional credits", shortfall),
		"reduce the request size or switch to a cheaper model",
		"wait for the next billing period allocation",
	}
}
