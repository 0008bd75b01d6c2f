package handlers

import (
	"github.com/gin-gonic/gin"

	"frameworks/internal/billing"
	"frameworks/internal/jobs"
	"frameworks/internal/reconcile"
	"frameworks/pkg/logging"
)

var (
	engine     *billing.Engine
	reconciler *reconcile.Service
	jobManager *jobs.Manager
	logger     logging.Logger
)

// Init wires the handlers to the billing engine and maintenance jobs.
// jobManager may be nil, in which case POST /ops/sweep is not served.
func Init(e *billing.Engine, r *reconcile.Service, jm *jobs.Manager, log logging.Logger) {
	engine = e
	reconciler = r
	jobManager = jm
	logger = log
}

// RegisterRoutes mounts every ledger endpoint on group. Callers attach
// service-token auth to group beforehand.
func RegisterRoutes(group gin.IRoutes) {
	group.POST("/usage/report", ReportUsage)

	group.POST("/accounts", EnsureAccount)
	group.GET("/accounts/:account_id/balance", GetBalance)
	group.GET("/accounts/:account_id/ledger", GetLedgerHistory)
	group.POST("/accounts/:account_id/adjustments", AdjustBalance)

	group.GET("/sessions/:session_id/usage", GetSessionUsage)

	group.GET("/ops/consistency", VerifyConsistency)
	group.POST("/ops/consistency/repair", RepairConsistency)
	group.POST("/ops/sweep", TriggerSweep)
}
