package billing

import (
	"frameworks/internal/store"
	"frameworks/pkg/models"
)

// UsageReport is the cumulative elapsed time of one session. Reporters send
// the total since session start, never a delta.
type UsageReport struct {
	SessionID      string  `json:"session_id"`
	AccountID      string  `json:"account_id"`
	TenantID       string  `json:"tenant_id,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Validate checks identifiers; elapsed time is checked by BillableMinutes.
func (r UsageReport) Validate() error {
	if r.SessionID == "" {
		return invalidUsage("session_id is required")
	}
	if r.AccountID == "" {
		return invalidUsage("account_id is required")
	}
	_, err := BillableMinutes(r.ElapsedSeconds)
	return err
}

// ChargeResult describes the outcome of one ReportUsage call.
type ChargeResult struct {
	SessionID            string `json:"session_id"`
	CurrentMinutes       int64  `json:"current_minutes"`
	IncrementalMinutes   int64  `json:"incremental_minutes"`
	CreditsDeductedTotal int64  `json:"credits_deducted_total"`
	AccountBalanceAfter  int64  `json:"account_balance_after"`
	LedgerEntryID        string `json:"ledger_entry_id,omitempty"`
}

// Charged reports whether the call produced a ledger entry.
func (r ChargeResult) Charged() bool {
	return r.IncrementalMinutes > 0
}

// Adjustment is a manual credit movement not tied to a session.
type Adjustment struct {
	AccountID       string                `json:"account_id"`
	CreditsDelta    int64                 `json:"credits_delta"`
	TransactionType store.TransactionType `json:"transaction_type"`
	Metadata        models.JSONB          `json:"metadata,omitempty"`
}
