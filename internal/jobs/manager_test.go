package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"frameworks/internal/billing"
	"frameworks/internal/reconcile"
	"frameworks/internal/store"
	"frameworks/internal/sweeper"
	bursarredis "frameworks/pkg/redis"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type closedDirectory struct{}

func (closedDirectory) IsOpen(context.Context, string) (bool, error) { return false, nil }
func (closedDirectory) CloseSession(context.Context, string) error   { return nil }

func newManagerFixture(t *testing.T, cfg Config, lease Lease) (*Manager, *store.MemoryStore, *billing.Engine) {
	t.Helper()
	s := store.NewMemoryStore(time.Second)
	s.SetBalance("acct-1", 100)
	engine := billing.NewEngine(s, quietLogger(), nil)
	rec := reconcile.NewService(s, 0, quietLogger(), nil)
	sw := sweeper.NewSweeper(s, engine, closedDirectory{}, sweeper.Config{StaleAfter: time.Millisecond}, quietLogger(), nil)
	return NewManager(cfg, rec, sw, lease, quietLogger(), nil), s, engine
}

func TestRunGuardedSkipsOverlappingRuns(t *testing.T) {
	m, _, _ := newManagerFixture(t, Config{}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.runGuarded(context.Background(), "slow", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := m.runGuarded(context.Background(), "slow", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrJobRunning)

	close(release)
	require.NoError(t, <-done)

	require.NoError(t, m.runGuarded(context.Background(), "slow", func(context.Context) error { return nil }))
}

func TestRunGuardedHonoursRedisLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	lease := bursarredis.NewLease(client, "bursar:jobs:")

	m, _, _ := newManagerFixture(t, Config{LeaseTTL: time.Minute}, lease)

	otherRelease, ok, err := lease.TryAcquire(context.Background(), JobSweep, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, m.RunSweep(context.Background()), ErrJobRunning)

	require.NoError(t, otherRelease(context.Background()))
	require.NoError(t, m.RunSweep(context.Background()))
	require.False(t, mr.Exists("bursar:jobs:"+JobSweep), "lease must be released after the run")
}

func TestRunReconcileRepairsWhenConfigured(t *testing.T) {
	m, s, engine := newManagerFixture(t, Config{RepairOnReconcile: true}, nil)
	ctx := context.Background()

	_, err := engine.ReportUsage(ctx, billing.UsageReport{SessionID: "sess-1", AccountID: "acct-1", ElapsedSeconds: 120})
	require.NoError(t, err)
	rec, err := s.GetUsage(ctx, "sess-1")
	require.NoError(t, err)
	rec.CreditsDeducted = 50
	s.PutUsage(*rec)

	require.NoError(t, m.RunReconcile(ctx))

	rec, err = s.GetUsage(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.CreditsDeducted)
}

func TestStartRunsScheduledJobsUntilStopped(t *testing.T) {
	m, s, engine := newManagerFixture(t, Config{
		ReconcileInterval: time.Hour,
		SweepInterval:     10 * time.Millisecond,
	}, nil)
	ctx := context.Background()

	_, err := engine.ReportUsage(ctx, billing.UsageReport{SessionID: "sess-1", AccountID: "acct-1", ElapsedSeconds: 60})
	require.NoError(t, err)

	m.Start(ctx)
	require.Eventually(t, func() bool {
		rec, err := s.GetUsage(ctx, "sess-1")
		return err == nil && rec.Finalized()
	}, 2*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	m.Stop()
}

type countingLease struct {
	acquired int32
}

func (c *countingLease) TryAcquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	atomic.AddInt32(&c.acquired, 1)
	return func(context.Context) error { return nil }, true, nil
}

func TestRunGuardedAcquiresLeasePerRun(t *testing.T) {
	lease := &countingLease{}
	m, _, _ := newManagerFixture(t, Config{}, lease)

	require.NoError(t, m.RunSweep(context.Background()))
	require.NoError(t, m.RunReconcile(context.Background()))
	require.Equal(t, int32(2), atomic.LoadInt32(&lease.acquired))
}
