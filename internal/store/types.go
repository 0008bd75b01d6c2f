package store

import (
	"time"

	"frameworks/pkg/models"
	"frameworks/pkg/pagination"
)

// TransactionType classifies a ledger movement.
type TransactionType string

const (
	TransactionUsage           TransactionType = "usage"
	TransactionPurchase        TransactionType = "purchase"
	TransactionRefund          TransactionType = "refund"
	TransactionAdminAdjustment TransactionType = "admin_adjustment"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionUsage, TransactionPurchase, TransactionRefund, TransactionAdminAdjustment:
		return true
	default:
		return false
	}
}

// ResourceSession is the resource kind for session usage charges.
const ResourceSession = "session"

// Account holds the running credit balance of a billing principal.
type Account struct {
	AccountID        string    `json:"account_id"`
	AvailableCredits int64     `json:"available_credits"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UsageRecord is the cached aggregate of everything charged for one session.
// It is derived from the ledger and exists only for fast reads.
type UsageRecord struct {
	SessionID           string     `json:"session_id"`
	AccountID           string     `json:"account_id"`
	TenantID            string     `json:"tenant_id"`
	CreditsDeducted     int64      `json:"credits_deducted"`
	LastBilledMinutes   int64      `json:"last_billed_minutes"`
	LastReportedSeconds float64    `json:"last_reported_seconds"`
	CreatedAt           time.Time  `json:"created_at"`
	LastUpdatedAt       time.Time  `json:"last_updated_at"`
	FinalizedAt         *time.Time `json:"finalized_at,omitempty"`
}

// Finalized reports whether the sweeper has closed this record.
func (u *UsageRecord) Finalized() bool {
	return u.FinalizedAt != nil
}

// LedgerEntry is one immutable credit movement.
type LedgerEntry struct {
	EntryID         string          `json:"entry_id"`
	AccountID       string          `json:"account_id"`
	CreditsDelta    int64           `json:"credits_delta"`
	BalanceAfter    int64           `json:"balance_after"`
	TransactionType TransactionType `json:"transaction_type"`
	ResourceType    *string         `json:"resource_type"`
	ResourceID      *string         `json:"resource_id"`
	Metadata        models.JSONB    `json:"metadata"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Validate enforces the structural rules every ledger row must satisfy:
// a non-zero delta, a known type and a resource pair that is either fully
// set or fully null.
func (e *LedgerEntry) Validate() error {
	if e.EntryID == "" || e.AccountID == "" {
		return invalidEntry("entry_id and account_id are required")
	}
	if e.CreditsDelta == 0 {
		return invalidEntry("credits_delta must be non-zero")
	}
	if !e.TransactionType.Valid() {
		return invalidEntry("unknown transaction_type " + string(e.TransactionType))
	}
	hasType := e.ResourceType != nil && *e.ResourceType != ""
	hasID := e.ResourceID != nil && *e.ResourceID != ""
	if hasType != hasID {
		return invalidEntry("resource_type and resource_id must be set together")
	}
	if (e.ResourceType != nil && !hasType) || (e.ResourceID != nil && !hasID) {
		return invalidEntry("resource fields must be null rather than empty")
	}
	if e.TransactionType == TransactionUsage && !hasType {
		return invalidEntry("usage entries must reference a resource")
	}
	return nil
}

// LedgerFilter narrows GetLedgerHistory results. Zero values mean "no filter".
type LedgerFilter struct {
	TransactionType TransactionType
	ResourceType    string
	ResourceID      string
	Since           time.Time
	Until           time.Time
	After           *pagination.Cursor
	Limit           int
}

// Drift describes a session whose cached total disagrees with the ledger.
type Drift struct {
	SessionID     string `json:"session_id"`
	AccountID     string `json:"account_id"`
	CachedCredits int64  `json:"cached_credits"`
	LedgerCredits int64  `json:"ledger_credits"`
	// MissingCache is set when the ledger has charges but no usage row exists.
	MissingCache bool `json:"missing_cache"`
}

// Difference returns cached minus ledger credits.
func (d Drift) Difference() int64 {
	return d.CachedCredits - d.LedgerCredits
}
