// Package sweeper finalizes usage records for sessions that stopped
// reporting, billing whatever was last reported and closing the session.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"frameworks/internal/billing"
	"frameworks/internal/sessions"
	"frameworks/internal/store"
	"frameworks/pkg/logging"
)

// SessionDirectory is the session owner.
type SessionDirectory interface {
	IsOpen(ctx context.Context, sessionID string) (bool, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// Charger is the subset of billing.Engine the sweeper drives.
type Charger interface {
	ReportUsage(ctx context.Context, report billing.UsageReport) (*billing.ChargeResult, error)
	FinalizeUsage(ctx context.Context, sessionID string) (*store.UsageRecord, error)
}

type Config struct {
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
}

func DefaultConfig() Config {
	return Config{StaleAfter: 2 * time.Hour, BatchSize: 500, Concurrency: 4}
}

// Sweep outcomes, also used as metric labels.
const (
	OutcomeClosed       = "closed"
	OutcomeFinalized    = "finalized"
	OutcomeInsufficient = "insufficient_credits"
	OutcomeFailed       = "failed"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned        int            `json:"scanned"`
	CreditsCharged int64          `json:"credits_charged"`
	Outcomes       map[string]int `json:"outcomes"`
}

type Sweeper struct {
	store     store.Store
	charger   Charger
	directory SessionDirectory
	cfg       Config
	logger    logging.Logger
	outcomes  *prometheus.CounterVec
	now       func() time.Time
}

// NewSweeper builds a sweeper. outcomes may be nil.
func NewSweeper(s store.Store, charger Charger, directory SessionDirectory, cfg Config, logger logging.Logger, outcomes *prometheus.CounterVec) *Sweeper {
	def := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Sweeper{
		store:     s,
		charger:   charger,
		directory: directory,
		cfg:       cfg,
		logger:    logger,
		outcomes:  outcomes,
		now:       time.Now,
	}
}

// Sweep processes one batch of stale records. Per-session failures are
// logged and counted; only failing to list candidates returns an error.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	stale, err := s.store.ListStaleUsage(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list stale usage: %w", err)
	}

	report := &SweepReport{Scanned: len(stale), Outcomes: make(map[string]int)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, rec := range stale {
		rec := rec
		g.Go(func() error {
			outcome, credits := s.sweepOne(gctx, rec)
			mu.Lock()
			report.Outcomes[outcome]++
			report.CreditsCharged += credits
			mu.Unlock()
			if s.outcomes != nil {
				s.outcomes.WithLabelValues(outcome).Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.Scanned > 0 {
		s.logger.WithFields(logging.Fields{
			"scanned":         report.Scanned,
			"credits_charged": report.CreditsCharged,
			"outcomes":        report.Outcomes,
		}).Info("Abandoned session sweep complete")
	}
	return report, ctx.Err()
}

func (s *Sweeper) sweepOne(ctx context.Context, rec store.UsageRecord) (string, int64) {
	log := s.logger.WithFields(logging.Fields{
		"session_id": rec.SessionID,
		"account_id": rec.AccountID,
	})

	open, err := s.directory.IsOpen(ctx, rec.SessionID)
	if err != nil {
		log.WithError(err).Warn("Failed to query session owner")
		return OutcomeFailed, 0
	}

	if !open {
		if _, err := s.charger.FinalizeUsage(ctx, rec.SessionID); err != nil {
			log.WithError(err).Error("Failed to finalize usage record")
			return OutcomeFailed, 0
		}
		return OutcomeFinalized, 0
	}

	outcome := OutcomeClosed
	var credits int64
	res, err := s.charger.ReportUsage(ctx, billing.UsageReport{
		SessionID:      rec.SessionID,
		AccountID:      rec.AccountID,
		TenantID:       rec.TenantID,
		ElapsedSeconds: rec.LastReportedSeconds,
	})
	switch {
	case err == nil:
		credits = res.IncrementalMinutes * billing.CreditsPerMinute
	case errors.Is(err, billing.ErrInsufficientCredits):
		log.WithError(err).Warn("Closing abandoned session without final charge")
		outcome = OutcomeInsufficient
	case errors.Is(err, billing.ErrSessionFinalized):
	default:
		log.WithError(err).Error("Final charge for abandoned session failed")
		return OutcomeFailed, 0
	}

	// The record stays unfinalized until the owner confirms the close, so a
	// failed close is retried on the next sweep.
	if err := s.directory.CloseSession(ctx, rec.SessionID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		log.WithError(err).Error("Failed to close abandoned session")
		return OutcomeFailed, credits
	}
	if _, err := s.charger.FinalizeUsage(ctx, rec.SessionID); err != nil {
		log.WithError(err).Error("Failed to finalize usage record")
		return OutcomeFailed, credits
	}
	return outcome, credits
}
