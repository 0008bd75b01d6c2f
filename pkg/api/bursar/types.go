package bursar

import (
	"time"

	"frameworks/pkg/api/common"
	"frameworks/pkg/models"
)

// ErrorResponse is the error body of every bursar endpoint
type ErrorResponse = common.ErrorResponse

// Error codes carried in ErrorResponse.Code
const (
	CodeInsufficientCredits = "insufficient_credits"
	CodeConflict            = "concurrency_conflict"
	CodeInvalid             = "invalid_request"
	CodeNotFound            = "not_found"
	CodeSessionFinalized    = "session_finalized"
	CodeAccountMismatch     = "session_account_mismatch"
	CodeInternal            = "internal_error"
)

// ReportUsageRequest carries the cumulative elapsed time of one session
type ReportUsageRequest struct {
	SessionID      string  `json:"session_id" binding:"required"`
	AccountID      string  `json:"account_id" binding:"required"`
	TenantID       string  `json:"tenant_id"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// ReportUsageResponse mirrors the charge result
type ReportUsageResponse struct {
	SessionID            string `json:"session_id"`
	CurrentMinutes       int64  `json:"current_minutes"`
	IncrementalMinutes   int64  `json:"incremental_minutes"`
	CreditsDeductedTotal int64  `json:"credits_deducted_total"`
	AccountBalanceAfter  int64  `json:"account_balance_after"`
	LedgerEntryID        string `json:"ledger_entry_id,omitempty"`
}

// EnsureAccountRequest creates an account if it is missing
type EnsureAccountRequest struct {
	AccountID string `json:"account_id" binding:"required"`
}

// AdjustmentRequest is a manual credit movement (purchase, refund, admin_adjustment)
type AdjustmentRequest struct {
	CreditsDelta    int64        `json:"credits_delta"`
	TransactionType string       `json:"transaction_type" binding:"required"`
	Metadata        models.JSONB `json:"metadata,omitempty"`
}

// BalanceResponse is the current balance of an account
type BalanceResponse struct {
	AccountID        string    `json:"account_id"`
	AvailableCredits int64     `json:"available_credits"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ConsistencyResponse lists sessions whose cached total drifted from the ledger
type ConsistencyResponse struct {
	Consistent    bool          `json:"consistent"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// Discrepancy is one drifted session
type Discrepancy struct {
	SessionID     string `json:"session_id"`
	AccountID     string `json:"account_id"`
	CachedCredits int64  `json:"cached_credits"`
	LedgerCredits int64  `json:"ledger_credits"`
	Difference    int64  `json:"difference"`
	MissingCache  bool   `json:"missing_cache,omitempty"`
}

// RepairResponse lists the repairs applied in one pass. Error and Code are
// set when some repairs failed; Actions still lists everything attempted.
type RepairResponse struct {
	Repaired int            `json:"repaired"`
	Actions  []RepairAction `json:"actions"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
}

// RepairAction is one repaired (or skipped) session
type RepairAction struct {
	SessionID     string `json:"session_id"`
	AccountID     string `json:"account_id"`
	CreditsBefore int64  `json:"credits_before"`
	CreditsAfter  int64  `json:"credits_after"`
	CreatedCache  bool   `json:"created_cache,omitempty"`
	Skipped       bool   `json:"skipped,omitempty"`
	Error         string `json:"error,omitempty"`
}

// SweepResponse summarizes one sweeper pass
type SweepResponse struct {
	Scanned        int            `json:"scanned"`
	CreditsCharged int64          `json:"credits_charged"`
	Outcomes       map[string]int `json:"outcomes"`
}
