package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"frameworks/internal/jobs"
	"frameworks/internal/reconcile"
	bursarapi "frameworks/pkg/api/bursar"
)

// VerifyConsistency reports sessions whose cached total drifted from the ledger
func VerifyConsistency(c *gin.Context) {
	drifts, err := reconciler.VerifyConsistency(c.Request.Context())
	if err != nil {
		respondError(c, err, "verify consistency")
		return
	}

	resp := bursarapi.ConsistencyResponse{
		Consistent:    len(drifts) == 0,
		Discrepancies: make([]bursarapi.Discrepancy, 0, len(drifts)),
	}
	for _, d := range drifts {
		resp.Discrepancies = append(resp.Discrepancies, bursarapi.Discrepancy{
			SessionID:     d.SessionID,
			AccountID:     d.AccountID,
			CachedCredits: d.CachedCredits,
			LedgerCredits: d.LedgerCredits,
			Difference:    d.Difference,
			MissingCache:  d.MissingCache,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// RepairConsistency rewrites drifted usage rows from the ledger. Partial
// failures still return the actions taken, with a 500 status.
func RepairConsistency(c *gin.Context) {
	actions, err := reconciler.RepairConsistency(c.Request.Context())
	resp := repairResponse(actions)
	if err != nil {
		logger.WithError(err).Error("Consistency repair incomplete")
		resp.Error = err.Error()
		resp.Code = bursarapi.CodeInternal
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func repairResponse(actions []reconcile.RepairAction) bursarapi.RepairResponse {
	resp := bursarapi.RepairResponse{Actions: make([]bursarapi.RepairAction, 0, len(actions))}
	for _, a := range actions {
		if !a.Skipped && a.Error == "" {
			resp.Repaired++
		}
		resp.Actions = append(resp.Actions, bursarapi.RepairAction{
			SessionID:     a.SessionID,
			AccountID:     a.AccountID,
			CreditsBefore: a.CreditsBefore,
			CreditsAfter:  a.CreditsAfter,
			CreatedCache:  a.CreatedCache,
			Skipped:       a.Skipped,
			Error:         a.Error,
		})
	}
	return resp
}

// TriggerSweep runs one abandonment sweep now instead of waiting for the ticker
func TriggerSweep(c *gin.Context) {
	if jobManager == nil {
		c.JSON(http.StatusServiceUnavailable, bursarapi.ErrorResponse{Error: jobs.ErrSweeperDisabled.Error(), Service: "bursar"})
		return
	}

	report, err := jobManager.SweepNow(c.Request.Context())
	if errors.Is(err, jobs.ErrSweeperDisabled) {
		c.JSON(http.StatusServiceUnavailable, bursarapi.ErrorResponse{Error: err.Error(), Service: "bursar"})
		return
	}
	if errors.Is(err, jobs.ErrJobRunning) {
		c.Header("Retry-After", "30")
		c.JSON(http.StatusConflict, bursarapi.ErrorResponse{Error: err.Error(), Code: bursarapi.CodeConflict, Service: "bursar"})
		return
	}
	if err != nil {
		respondError(c, err, "sweep abandoned sessions")
		return
	}
	c.JSON(http.StatusOK, bursarapi.SweepResponse{
		Scanned:        report.Scanned,
		CreditsCharged: report.CreditsCharged,
		Outcomes:       report.Outcomes,
	})
}
