// Package billing converts cumulative session usage into credit charges.
//
// Every charge is one transaction across the account balance, the session's
// usage record and the ledger. Charging is idempotent on the minute boundary:
// re-sending a report for minutes already billed writes nothing.
package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"frameworks/internal/store"
	"frameworks/pkg/cache"
	"frameworks/pkg/logging"
	"frameworks/pkg/models"
	"frameworks/pkg/pagination"
)

// CreditsPerMinute is the flat usage price.
const CreditsPerMinute = 1

// maxBillableSeconds keeps minute counts well inside int64.
const maxBillableSeconds = float64(math.MaxInt64 / 120)

// BillableMinutes rounds elapsed seconds up to whole minutes. Zero seconds
// bill zero minutes.
func BillableMinutes(elapsedSeconds float64) (int64, error) {
	if math.IsNaN(elapsedSeconds) || math.IsInf(elapsedSeconds, 0) {
		return 0, invalidUsage("elapsed_seconds must be a finite number")
	}
	if elapsedSeconds < 0 {
		return 0, invalidUsage("elapsed_seconds must not be negative")
	}
	if elapsedSeconds > maxBillableSeconds {
		return 0, invalidUsage("elapsed_seconds out of range")
	}
	return int64(math.Ceil(elapsedSeconds / 60)), nil
}

func invalidUsage(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidUsage, reason)
}

// Engine applies usage charges and manual adjustments.
type Engine struct {
	store      store.Store
	logger     logging.Logger
	metrics    *Metrics
	usageCache *cache.Cache[*store.UsageRecord]
}

// NewEngine builds an engine. metrics may be nil.
func NewEngine(s store.Store, logger logging.Logger, metrics *Metrics) *Engine {
	return &Engine{store: s, logger: logger, metrics: metrics}
}

// WithUsageCache serves GetUsage from a short-lived read cache. The cache is
// display-only; charging always reads the locked row.
func (e *Engine) WithUsageCache(ttl time.Duration, maxEntries int) *Engine {
	e.usageCache = cache.New[*store.UsageRecord](cache.Options{TTL: ttl, MaxEntries: maxEntries}, cache.Hooks{
		OnHit:  func() { e.metrics.cacheLookup("hit") },
		OnMiss: func() { e.metrics.cacheLookup("miss") },
	})
	return e
}

// ReportUsage bills the minutes in report not yet charged for its session.
func (e *Engine) ReportUsage(ctx context.Context, report UsageReport) (*ChargeResult, error) {
	if err := report.Validate(); err != nil {
		e.metrics.charge("invalid")
		return nil, err
	}
	currentMinutes, _ := BillableMinutes(report.ElapsedSeconds)

	result := &ChargeResult{SessionID: report.SessionID, CurrentMinutes: currentMinutes}
	needBalance := false

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		rec, _, err := tx.LockUsage(ctx, store.UsageRecord{
			SessionID: report.SessionID,
			AccountID: report.AccountID,
			TenantID:  report.TenantID,
		})
		if err != nil {
			return err
		}
		if rec.AccountID != report.AccountID {
			return fmt.Errorf("%w: session %s is billed to %s", ErrSessionAccountMismatch, rec.SessionID, rec.AccountID)
		}
		if rec.Finalized() {
			return ErrSessionFinalized
		}

		incremental := currentMinutes - rec.LastBilledMinutes
		if incremental <= 0 {
			result.CreditsDeductedTotal = rec.CreditsDeducted
			needBalance = true
			if report.ElapsedSeconds > rec.LastReportedSeconds {
				rec.LastReportedSeconds = report.ElapsedSeconds
				return tx.SaveUsage(ctx, rec)
			}
			return nil
		}

		cost := incremental * CreditsPerMinute
		acct, err := tx.LockAccount(ctx, rec.AccountID)
		if err != nil {
			return err
		}
		if acct.AvailableCredits < cost {
			return &InsufficientCreditsError{AccountID: acct.AccountID, Required: cost, Available: acct.AvailableCredits}
		}

		balanceAfter := acct.AvailableCredits - cost
		if err := tx.SetAccountCredits(ctx, acct.AccountID, balanceAfter); err != nil {
			return err
		}

		rec.CreditsDeducted += cost
		rec.LastBilledMinutes = currentMinutes
		if report.ElapsedSeconds > rec.LastReportedSeconds {
			rec.LastReportedSeconds = report.ElapsedSeconds
		}
		if err := tx.SaveUsage(ctx, rec); err != nil {
			return err
		}

		resourceType, resourceID := store.ResourceSession, rec.SessionID
		entry := &store.LedgerEntry{
			EntryID:         uuid.NewString(),
			AccountID:       acct.AccountID,
			CreditsDelta:    -cost,
			BalanceAfter:    balanceAfter,
			TransactionType: store.TransactionUsage,
			ResourceType:    &resourceType,
			ResourceID:      &resourceID,
			Metadata: models.JSONB{
				"elapsed_seconds":     report.ElapsedSeconds,
				"current_minutes":     currentMinutes,
				"incremental_minutes": incremental,
				"tenant_id":           rec.TenantID,
			},
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}

		result.IncrementalMinutes = incremental
		result.CreditsDeductedTotal = rec.CreditsDeducted
		result.AccountBalanceAfter = balanceAfter
		result.LedgerEntryID = entry.EntryID
		return nil
	})
	if err != nil {
		e.metrics.charge(chargeStatus(err))
		return nil, fmt.Errorf("report usage for session %s: %w", report.SessionID, err)
	}

	e.InvalidateUsage(report.SessionID)

	if !result.Charged() {
		e.metrics.charge("noop")
		if needBalance {
			if acct, err := e.store.GetAccount(ctx, report.AccountID); err == nil {
				result.AccountBalanceAfter = acct.AvailableCredits
			}
		}
		return result, nil
	}

	e.metrics.charge("charged")
	e.metrics.credits(result.IncrementalMinutes * CreditsPerMinute)
	e.metrics.entry(string(store.TransactionUsage))
	e.logger.WithFields(logging.Fields{
		"session_id":          report.SessionID,
		"account_id":          report.AccountID,
		"incremental_minutes": result.IncrementalMinutes,
		"credits_total":       result.CreditsDeductedTotal,
		"balance_after":       result.AccountBalanceAfter,
	}).Info("Charged session usage")
	return result, nil
}

func chargeStatus(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case IsRetryable(err):
		return "conflict"
	case errors.Is(err, ErrSessionFinalized):
		return "finalized"
	case errors.Is(err, ErrSessionAccountMismatch), errors.Is(err, ErrAccountNotFound):
		return "rejected"
	default:
		return "error"
	}
}

// FinalizeUsage closes a session's usage record so later reports are
// rejected. Finalizing an already finalized record is a no-op.
func (e *Engine) FinalizeUsage(ctx context.Context, sessionID string) (*store.UsageRecord, error) {
	var out *store.UsageRecord
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		rec, err := tx.LockExistingUsage(ctx, sessionID)
		if err != nil {
			return err
		}
		if !rec.Finalized() {
			now := time.Now().UTC()
			rec.FinalizedAt = &now
			if err := tx.SaveUsage(ctx, rec); err != nil {
				return err
			}
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finalize usage for session %s: %w", sessionID, err)
	}
	e.InvalidateUsage(sessionID)
	return out, nil
}

var adjustmentTypes = map[store.TransactionType]bool{
	store.TransactionPurchase:        true,
	store.TransactionRefund:          true,
	store.TransactionAdminAdjustment: true,
}

// AdjustBalance applies a manual credit movement. Debits that would take the
// balance below zero fail with ErrInsufficientCredits.
func (e *Engine) AdjustBalance(ctx context.Context, adj Adjustment) (*store.LedgerEntry, error) {
	if adj.AccountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", ErrInvalidLedgerEntry)
	}
	if adj.CreditsDelta == 0 {
		return nil, fmt.Errorf("%w: credits_delta must be non-zero", ErrInvalidLedgerEntry)
	}
	if !adjustmentTypes[adj.TransactionType] {
		return nil, fmt.Errorf("%w: transaction_type %q is not an adjustment", ErrInvalidLedgerEntry, adj.TransactionType)
	}

	var entry *store.LedgerEntry
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		acct, err := tx.LockAccount(ctx, adj.AccountID)
		if err != nil {
			return err
		}
		balanceAfter := acct.AvailableCredits + adj.CreditsDelta
		if balanceAfter < 0 {
			return &InsufficientCreditsError{AccountID: acct.AccountID, Required: -adj.CreditsDelta, Available: acct.AvailableCredits}
		}
		if err := tx.SetAccountCredits(ctx, acct.AccountID, balanceAfter); err != nil {
			return err
		}
		entry = &store.LedgerEntry{
			EntryID:         uuid.NewString(),
			AccountID:       acct.AccountID,
			CreditsDelta:    adj.CreditsDelta,
			BalanceAfter:    balanceAfter,
			TransactionType: adj.TransactionType,
			Metadata:        adj.Metadata.Clone(),
		}
		return tx.InsertLedgerEntry(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("adjust balance for account %s: %w", adj.AccountID, err)
	}

	e.metrics.entry(string(adj.TransactionType))
	e.logger.WithFields(logging.Fields{
		"account_id":       adj.AccountID,
		"transaction_type": adj.TransactionType,
		"credits_delta":    adj.CreditsDelta,
		"balance_after":    entry.BalanceAfter,
	}).Info("Applied balance adjustment")
	return entry, nil
}

// EnsureAccount creates a zero-balance account if it does not exist yet.
func (e *Engine) EnsureAccount(ctx context.Context, accountID string) (*store.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", ErrInvalidLedgerEntry)
	}
	acct, err := e.store.EnsureAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ensure account %s: %w", accountID, err)
	}
	return acct, nil
}

func (e *Engine) GetBalance(ctx context.Context, accountID string) (*store.Account, error) {
	return e.store.GetAccount(ctx, accountID)
}

// GetUsage returns the cached usage aggregate for display.
func (e *Engine) GetUsage(ctx context.Context, sessionID string) (*store.UsageRecord, error) {
	if e.usageCache == nil {
		return e.store.GetUsage(ctx, sessionID)
	}
	return e.usageCache.Get(ctx, sessionID, e.store.GetUsage)
}

// InvalidateUsage drops a session from the read cache after an out-of-band
// rewrite of its usage record.
func (e *Engine) InvalidateUsage(sessionID string) {
	if e.usageCache != nil {
		e.usageCache.Delete(sessionID)
	}
}

// LedgerPage is one page of ledger history.
type LedgerPage struct {
	Entries []store.LedgerEntry `json:"entries"`
	pagination.Page
}

// GetLedgerHistory lists an account's ledger newest first.
func (e *Engine) GetLedgerHistory(ctx context.Context, accountID string, filter store.LedgerFilter) (*LedgerPage, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	limit := pagination.ClampLimit(filter.Limit)
	filter.Limit = limit + 1

	entries, err := e.store.ListLedgerEntries(ctx, accountID, filter)
	if err != nil {
		return nil, fmt.Errorf("ledger history for account %s: %w", accountID, err)
	}

	page := &LedgerPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		last := page.Entries[limit-1]
		page.Page = pagination.BuildPage(len(entries), limit, pagination.Cursor{Timestamp: last.CreatedAt, ID: last.EntryID})
	}
	if page.Entries == nil {
		page.Entries = []store.LedgerEntry{}
	}
	return page, nil
}
