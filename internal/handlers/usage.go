package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"frameworks/internal/billing"
	bursarapi "frameworks/pkg/api/bursar"
)

// ReportUsage charges the unbilled minutes of a session's cumulative report
func ReportUsage(c *gin.Context) {
	var req bursarapi.ReportUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := engine.ReportUsage(c.Request.Context(), billing.UsageReport{
		SessionID:      req.SessionID,
		AccountID:      req.AccountID,
		TenantID:       req.TenantID,
		ElapsedSeconds: req.ElapsedSeconds,
	})
	if err != nil {
		respondError(c, err, "report usage")
		return
	}

	c.JSON(http.StatusOK, bursarapi.ReportUsageResponse{
		SessionID:            result.SessionID,
		CurrentMinutes:       result.CurrentMinutes,
		IncrementalMinutes:   result.IncrementalMinutes,
		CreditsDeductedTotal: result.CreditsDeductedTotal,
		AccountBalanceAfter:  result.AccountBalanceAfter,
		LedgerEntryID:        result.LedgerEntryID,
	})
}

// GetSessionUsage returns the cached usage aggregate of one session
func GetSessionUsage(c *gin.Context) {
	rec, err := engine.GetUsage(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		respondError(c, err, "get session usage")
		return
	}
	c.JSON(http.StatusOK, rec)
}
