// Package reconcile detects and repairs drift between the usage cache and
// the ledger. The ledger is never modified; the cache is rewritten to match.
package reconcile

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"frameworks/internal/billing"
	"frameworks/internal/store"
	"frameworks/pkg/logging"
)

// Discrepancy is one session whose cached credits disagree with the ledger.
type Discrepancy struct {
	store.Drift
	Difference int64 `json:"difference"`
}

// RepairAction records what a repair did to one usage record.
type RepairAction struct {
	SessionID          string `json:"session_id"`
	AccountID          string `json:"account_id"`
	CreditsBefore      int64  `json:"credits_before"`
	CreditsAfter       int64  `json:"credits_after"`
	BilledMinutesAfter int64  `json:"billed_minutes_after"`
	CreatedCache       bool   `json:"created_cache"`
	// Skipped is set when the drift was gone by the time the row was locked.
	Skipped bool   `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

type Metrics struct {
	Drift   *prometheus.CounterVec
	Repairs *prometheus.CounterVec
}

type Service struct {
	store     store.Store
	tolerance int64
	logger    logging.Logger
	metrics   *Metrics
	repaired  func(sessionID string)
}

func NewService(s store.Store, tolerance int64, logger logging.Logger, metrics *Metrics) *Service {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Service{store: s, tolerance: tolerance, logger: logger, metrics: metrics}
}

// OnRepaired registers fn to run after each usage record a repair rewrites.
func (s *Service) OnRepaired(fn func(sessionID string)) *Service {
	s.repaired = fn
	return s
}

// VerifyConsistency reports every drifting session. Drift is logged and
// counted, never returned as an error.
func (s *Service) VerifyConsistency(ctx context.Context) ([]Discrepancy, error) {
	drifts, err := s.store.FindUsageDrift(ctx, s.tolerance)
	if err != nil {
		return nil, fmt.Errorf("verify consistency: %w", err)
	}

	out := make([]Discrepancy, 0, len(drifts))
	for _, d := range drifts {
		out = append(out, Discrepancy{Drift: d, Difference: d.Difference()})
		if s.metrics != nil && s.metrics.Drift != nil {
			s.metrics.Drift.WithLabelValues().Inc()
		}
		s.logger.WithFields(logging.Fields{
			"session_id":     d.SessionID,
			"account_id":     d.AccountID,
			"cached_credits": d.CachedCredits,
			"ledger_credits": d.LedgerCredits,
			"missing_cache":  d.MissingCache,
		}).Warn("Usage cache drifted from ledger")
	}
	return out, nil
}

// RepairConsistency rewrites each drifting usage record to the ledger total.
// Each row is repaired in its own transaction that re-checks drift under the
// row lock, so running it twice, or alongside live charges, is safe.
func (s *Service) RepairConsistency(ctx context.Context) ([]RepairAction, error) {
	drifts, err := s.VerifyConsistency(ctx)
	if err != nil {
		return nil, err
	}

	actions := make([]RepairAction, 0, len(drifts))
	var failed int
	for _, d := range drifts {
		if err := ctx.Err(); err != nil {
			return actions, err
		}
		action, err := s.repairOne(ctx, d.Drift)
		if err != nil {
			failed++
			action.Error = err.Error()
			s.logger.WithError(err).WithField("session_id", d.SessionID).Error("Failed to repair usage record")
		}
		actions = append(actions, action)
	}

	if failed > 0 {
		return actions, fmt.Errorf("repair consistency: %d of %d repairs failed", failed, len(drifts))
	}
	return actions, nil
}

func (s *Service) repairOne(ctx context.Context, d store.Drift) (RepairAction, error) {
	action := RepairAction{SessionID: d.SessionID, AccountID: d.AccountID}

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		rec, created, err := tx.LockUsage(ctx, store.UsageRecord{SessionID: d.SessionID, AccountID: d.AccountID})
		if err != nil {
			return err
		}
		action.CreatedCache = created
		action.CreditsBefore = rec.CreditsDeducted

		ledger, err := tx.SessionLedgerCredits(ctx, d.SessionID)
		if err != nil {
			return err
		}
		if !created && abs(rec.CreditsDeducted-ledger) <= s.tolerance {
			action.Skipped = true
			action.CreditsAfter = rec.CreditsDeducted
			action.BilledMinutesAfter = rec.LastBilledMinutes
			return nil
		}

		rec.CreditsDeducted = ledger
		rec.LastBilledMinutes = ledger / billing.CreditsPerMinute
		action.CreditsAfter = rec.CreditsDeducted
		action.BilledMinutesAfter = rec.LastBilledMinutes
		return tx.SaveUsage(ctx, rec)
	})
	if err != nil {
		return action, err
	}

	if !action.Skipped {
		if s.repaired != nil {
			s.repaired(action.SessionID)
		}
		if s.metrics != nil && s.metrics.Repairs != nil {
			s.metrics.Repairs.WithLabelValues().Inc()
		}
		s.logger.WithFields(logging.Fields{
			"session_id":     action.SessionID,
			"credits_before": action.CreditsBefore,
			"credits_after":  action.CreditsAfter,
			"created_cache":  action.CreatedCache,
		}).Info("Repaired usage record from ledger")
	}
	return action, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
