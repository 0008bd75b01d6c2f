// Package jobs schedules the periodic ledger maintenance jobs and the
// usage-report consumer.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"frameworks/internal/reconcile"
	"frameworks/internal/sweeper"
	"frameworks/pkg/kafka"
	"frameworks/pkg/logging"
)

// Lease is a cross-instance mutex. Both the Redis lease and the Postgres
// advisory lease implement it.
type Lease interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// ErrJobRunning is returned when a run is skipped because another run, here
// or on another instance, is in progress.
var ErrJobRunning = errors.New("job already running")

// ErrSweeperDisabled is returned by SweepNow when no session owner is configured.
var ErrSweeperDisabled = errors.New("sweeper not configured")

const (
	JobReconcile = "reconcile"
	JobSweep     = "sweep"
)

type Config struct {
	ReconcileInterval time.Duration
	// RepairOnReconcile repairs drift automatically instead of only reporting it.
	RepairOnReconcile bool
	SweepInterval     time.Duration
	// LeaseTTL bounds how long a crashed holder blocks other instances.
	LeaseTTL time.Duration
}

type Metrics struct {
	Runs     *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

type Manager struct {
	cfg        Config
	reconciler *reconcile.Service
	sweeper    *sweeper.Sweeper
	lease      Lease
	logger     logging.Logger
	metrics    *Metrics

	consumer   *kafka.Consumer
	usageTopic string
	usage      *UsageConsumer

	mu      sync.Mutex
	running map[string]bool

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager wires the jobs. lease may be nil for single-instance setups.
func NewManager(cfg Config, reconciler *reconcile.Service, sw *sweeper.Sweeper, lease Lease, logger logging.Logger, metrics *Metrics) *Manager {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	return &Manager{
		cfg:        cfg,
		reconciler: reconciler,
		sweeper:    sw,
		lease:      lease,
		logger:     logger,
		metrics:    metrics,
		running:    make(map[string]bool),
	}
}

// WithUsageConsumer makes Start also consume usage reports from topic.
func (m *Manager) WithUsageConsumer(consumer *kafka.Consumer, topic string, usage *UsageConsumer) *Manager {
	m.consumer = consumer
	m.usageTopic = topic
	m.usage = usage
	return m
}

// Start launches the tickers and the consumer. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.logger.WithFields(logging.Fields{
		"reconcile_interval": m.cfg.ReconcileInterval.String(),
		"sweep_interval":     m.cfg.SweepInterval.String(),
	}).Info("Starting ledger job manager")

	if m.consumer != nil && m.usage != nil {
		m.consumer.AddHandler(m.usageTopic, m.usage.Handle)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.WithError(err).Error("Usage report consumer exited with error")
			}
		}()
	}

	if m.reconciler != nil {
		m.schedule(ctx, JobReconcile, m.cfg.ReconcileInterval, m.RunReconcile)
	}
	if m.sweeper != nil {
		m.schedule(ctx, JobSweep, m.cfg.SweepInterval, m.RunSweep)
	}
}

// Stop cancels the tickers and waits for in-flight runs.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping ledger job manager")
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		if m.consumer != nil {
			m.consumer.Close()
		}
	})
}

func (m *Manager) schedule(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := run(ctx); err != nil && !errors.Is(err, ErrJobRunning) && ctx.Err() == nil {
					m.logger.WithError(err).WithField("job", name).Error("Scheduled job failed")
				}
			}
		}
	}()
}

// RunReconcile verifies, and optionally repairs, cache drift once.
func (m *Manager) RunReconcile(ctx context.Context) error {
	return m.runGuarded(ctx, JobReconcile, func(ctx context.Context) error {
		if m.cfg.RepairOnReconcile {
			_, err := m.reconciler.RepairConsistency(ctx)
			return err
		}
		_, err := m.reconciler.VerifyConsistency(ctx)
		return err
	})
}

// RunSweep finalizes one batch of abandoned sessions.
func (m *Manager) RunSweep(ctx context.Context) error {
	_, err := m.SweepNow(ctx)
	return err
}

// SweepNow is RunSweep returning the pass summary, for on-demand triggers.
func (m *Manager) SweepNow(ctx context.Context) (*sweeper.SweepReport, error) {
	if m.sweeper == nil {
		return nil, ErrSweeperDisabled
	}
	var report *sweeper.SweepReport
	err := m.runGuarded(ctx, JobSweep, func(ctx context.Context) error {
		var err error
		report, err = m.sweeper.Sweep(ctx)
		return err
	})
	return report, err
}

func (m *Manager) runGuarded(ctx context.Context, name string, fn func(context.Context) error) error {
	if !m.claim(name) {
		m.observe(name, "skipped", 0)
		return ErrJobRunning
	}
	defer m.unclaim(name)

	if m.lease != nil {
		release, ok, err := m.lease.TryAcquire(ctx, name, m.cfg.LeaseTTL)
		if err != nil {
			m.observe(name, "lease_error", 0)
			return err
		}
		if !ok {
			m.logger.WithField("job", name).Debug("Job lease held by another instance")
			m.observe(name, "skipped", 0)
			return ErrJobRunning
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := release(releaseCtx); err != nil {
				m.logger.WithError(err).WithField("job", name).Warn("Failed to release job lease")
			}
		}()
	}

	start := time.Now()
	err := fn(ctx)
	status := "success"
	if err != nil {
		status = "error"
	}
	m.observe(name, status, time.Since(start))
	return err
}

func (m *Manager) claim(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[name] {
		return false
	}
	m.running[name] = true
	return true
}

func (m *Manager) unclaim(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, name)
}

func (m *Manager) observe(job, status string, d time.Duration) {
	if m.metrics == nil {
		return
	}
	if m.metrics.Runs != nil {
		m.metrics.Runs.WithLabelValues(job, status).Inc()
	}
	if m.metrics.Duration != nil && d > 0 {
		m.metrics.Duration.WithLabelValues(job).Observe(d.Seconds())
	}
}
