package handlers

import (
	"net/http"
	"strconv"
	"time"

	"frameworks/internal/billing"
	"frameworks/internal/store"
	bursarapi "frameworks/pkg/api/bursar"
	"frameworks/pkg/logging"
	"frameworks/pkg/middleware"
	"frameworks/pkg/pagination"
)

// EnsureAccount creates a zero-balance account when it does not exist yet
func EnsureAccount(c middleware.Context) {
	var req bursarapi.EnsureAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	acct, err := engine.EnsureAccount(c.Request.Context(), req.AccountID)
	if err != nil {
		respondError(c, err, "ensure account")
		return
	}
	c.JSON(http.StatusOK, balanceResponse(acct))
}

// GetBalance returns the available credits of an account
func GetBalance(c middleware.Context) {
	acct, err := engine.GetBalance(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		respondError(c, err, "get balance")
		return
	}
	c.JSON(http.StatusOK, balanceResponse(acct))
}

func balanceResponse(acct *store.Account) bursarapi.BalanceResponse {
	return bursarapi.BalanceResponse{
		AccountID:        acct.AccountID,
		AvailableCredits: acct.AvailableCredits,
		UpdatedAt:        acct.UpdatedAt,
	}
}

// AdjustBalance applies a purchase, refund or admin adjustment
func AdjustBalance(c middleware.Context) {
	var req bursarapi.AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	entry, err := engine.AdjustBalance(c.Request.Context(), billing.Adjustment{
		AccountID:       c.Param("account_id"),
		CreditsDelta:    req.CreditsDelta,
		TransactionType: store.TransactionType(req.TransactionType),
		Metadata:        req.Metadata,
	})
	if err != nil {
		respondError(c, err, "adjust balance")
		return
	}

	middleware.GetContextLogger(c, logger).WithFields(logging.Fields{
		"account_id": entry.AccountID,
		"entry_id":   entry.EntryID,
	}).Info("Balance adjusted via API")
	c.JSON(http.StatusCreated, entry)
}

// GetLedgerHistory lists an account's ledger newest first.
// Query: transaction_type, resource_type, resource_id, since, until (RFC3339),
// after (cursor from a previous page) and limit.
func GetLedgerHistory(c middleware.Context) {
	filter, msg := parseLedgerFilter(c)
	if msg != "" {
		badRequest(c, msg)
		return
	}

	page, err := engine.GetLedgerHistory(c.Request.Context(), c.Param("account_id"), filter)
	if err != nil {
		respondError(c, err, "list ledger history")
		return
	}
	c.JSON(http.StatusOK, page)
}

func parseLedgerFilter(c middleware.Context) (store.LedgerFilter, string) {
	var filter store.LedgerFilter

	if raw := c.Query("transaction_type"); raw != "" {
		tt := store.TransactionType(raw)
		if !tt.Valid() {
			return filter, "unknown transaction_type " + strconv.Quote(raw)
		}
		filter.TransactionType = tt
	}
	filter.ResourceType = c.Query("resource_type")
	filter.ResourceID = c.Query("resource_id")

	for _, bound := range []struct {
		name string
		dst  *time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := c.Query(bound.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, bound.name + " must be an RFC3339 timestamp"
		}
		*bound.dst = ts
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, "limit must be a positive integer"
		}
		filter.Limit = limit
	}

	cursor, err := pagination.DecodeCursor(c.Query("after"))
	if err != nil {
		return filter, "invalid after cursor"
	}
	filter.After = cursor
	return filter, ""
}
