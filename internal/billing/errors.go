package billing

import (
	"errors"
	"fmt"

	"frameworks/internal/store"
)

var (
	// ErrInsufficientCredits means the account cannot cover the charge. The
	// transaction rolled back and nothing was written.
	ErrInsufficientCredits = errors.New("insufficient credits")

	ErrInvalidUsage           = errors.New("invalid usage report")
	ErrSessionFinalized       = errors.New("session already finalized")
	ErrSessionAccountMismatch = errors.New("session belongs to a different account")

	ErrConcurrencyConflict = store.ErrConcurrencyConflict
	ErrInvalidLedgerEntry  = store.ErrInvalidLedgerEntry
	ErrAccountNotFound     = store.ErrAccountNotFound
	ErrUsageNotFound       = store.ErrUsageNotFound
)

// InsufficientCreditsError reports how many credits a charge needed.
type InsufficientCreditsError struct {
	AccountID string
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for account %s: required %d, available %d",
		e.AccountID, e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// IsRetryable reports whether the same request can be re-sent unchanged.
func IsRetryable(err error) bool {
	return store.IsRetryable(err)
}
