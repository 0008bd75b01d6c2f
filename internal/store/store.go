// Package store persists accounts, per-session usage records and the
// append-only credit ledger.
//
// All mutations go through Store.WithTx so that the account balance, the
// usage cache and the ledger commit together or not at all.
package store

import (
	"context"
	"time"
)

// Tx is the set of operations available inside one atomic transaction.
// Row locks taken through Tx are held until the transaction ends. Callers
// must lock the usage row before the account row.
type Tx interface {
	// LockUsage lazily creates the session's usage row and locks it.
	// created reports whether this call inserted the row.
	LockUsage(ctx context.Context, seed UsageRecord) (rec *UsageRecord, created bool, err error)
	// LockExistingUsage locks a usage row without creating it.
	LockExistingUsage(ctx context.Context, sessionID string) (*UsageRecord, error)
	LockAccount(ctx context.Context, accountID string) (*Account, error)
	SetAccountCredits(ctx context.Context, accountID string, credits int64) error
	SaveUsage(ctx context.Context, rec *UsageRecord) error
	InsertLedgerEntry(ctx context.Context, entry *LedgerEntry) error
	// SessionLedgerCredits returns the absolute sum of usage charges recorded
	// in the ledger for a session.
	SessionLedgerCredits(ctx context.Context, sessionID string) (int64, error)
}

// Store is implemented by PostgresStore and MemoryStore.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	EnsureAccount(ctx context.Context, accountID string) (*Account, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	GetUsage(ctx context.Context, sessionID string) (*UsageRecord, error)
	ListLedgerEntries(ctx context.Context, accountID string, filter LedgerFilter) ([]LedgerEntry, error)

	// FindUsageDrift compares every usage row against the ledger in one
	// set-based pass and returns rows differing by more than tolerance.
	FindUsageDrift(ctx context.Context, tolerance int64) ([]Drift, error)
	// ListStaleUsage returns unfinalized usage rows not touched since before.
	ListStaleUsage(ctx context.Context, before time.Time, limit int) ([]UsageRecord, error)

	Ping(ctx context.Context) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
