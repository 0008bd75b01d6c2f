package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrUsageNotFound   = errors.New("usage record not found")

	// ErrInvalidLedgerEntry is a programming-contract error: zero deltas or a
	// half-set resource pair never reach the table.
	ErrInvalidLedgerEntry = errors.New("invalid ledger entry")

	// ErrConcurrencyConflict is transient. The transaction rolled back and
	// the caller may retry the same request.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

func invalidEntry(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidLedgerEntry, reason)
}

// Postgres SQLSTATE codes treated as transient lock/serialization failures.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateForeignKeyViolation  = "23503"
	sqlStateCheckViolation       = "23514"
)

// classifyError maps driver failures onto the store's sentinel errors so
// callers can use errors.Is without knowing about lib/pq.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrInvalidLedgerEntry) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
			return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
		case sqlStateForeignKeyViolation:
			return fmt.Errorf("%w: %w", ErrAccountNotFound, err)
		case sqlStateCheckViolation:
			return fmt.Errorf("%w: %w", ErrInvalidLedgerEntry, err)
		}
	}
	return err
}

// IsRetryable reports whether an operation failed for a transient reason and
// can be safely re-invoked with the same input.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, context.DeadlineExceeded)
}
