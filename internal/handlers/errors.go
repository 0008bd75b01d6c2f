package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"frameworks/internal/billing"
	bursarapi "frameworks/pkg/api/bursar"
	"frameworks/pkg/logging"
	"frameworks/pkg/middleware"
)

// retryAfterSeconds is advertised on 409 conflicts.
const retryAfterSeconds = "1"

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: msg, Code: bursarapi.CodeInvalid, Service: "bursar"})
}

// respondError maps billing errors onto HTTP statuses. Anything it does not
// recognise is logged and reported as a 500 without internal detail.
func respondError(c *gin.Context, err error, action string) {
	resp := bursarapi.ErrorResponse{Error: err.Error(), Service: "bursar"}
	status := http.StatusInternalServerError

	var insufficient *billing.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		status = http.StatusPaymentRequired
		resp.Code = bursarapi.CodeInsufficientCredits
		resp.Details = map[string]interface{}{
			"account_id": insufficient.AccountID,
			"required":   insufficient.Required,
			"available":  insufficient.Available,
		}
	case errors.Is(err, billing.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
		resp.Code = bursarapi.CodeInsufficientCredits
	case billing.IsRetryable(err):
		status = http.StatusConflict
		resp.Code = bursarapi.CodeConflict
		c.Header("Retry-After", retryAfterSeconds)
	case errors.Is(err, billing.ErrInvalidUsage), errors.Is(err, billing.ErrInvalidLedgerEntry):
		status = http.StatusBadRequest
		resp.Code = bursarapi.CodeInvalid
	case errors.Is(err, billing.ErrAccountNotFound), errors.Is(err, billing.ErrUsageNotFound):
		status = http.StatusNotFound
		resp.Code = bursarapi.CodeNotFound
	case errors.Is(err, billing.ErrSessionFinalized):
		status = http.StatusConflict
		resp.Code = bursarapi.CodeSessionFinalized
	case errors.Is(err, billing.ErrSessionAccountMismatch):
		status = http.StatusConflict
		resp.Code = bursarapi.CodeAccountMismatch
	default:
		resp.Code = bursarapi.CodeInternal
		resp.Error = "Failed to " + action
	}

	log := middleware.GetContextLogger(c, logger).WithError(err).WithField("action", action)
	if status >= http.StatusInternalServerError {
		log.Error("Ledger request failed")
	} else {
		log.WithFields(logging.Fields{"status": status, "code": resp.Code}).Debug("Ledger request rejected")
	}
	c.JSON(status, resp)
}
