package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestLease(t *testing.T) (*Lease, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLease(client, "bursar:lease:"), mr
}

func TestLeaseIsExclusive(t *testing.T) {
	lease, _ := newTestLease(t)
	ctx := context.Background()

	release, ok, err := lease.TryAcquire(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := lease.TryAcquire(ctx, "sweep", time.Minute); err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := lease.TryAcquire(ctx, "reconcile", time.Minute); !ok {
		t.Fatal("different names must not conflict")
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := lease.TryAcquire(ctx, "sweep", time.Minute); !ok {
		t.Fatal("expected acquire after release")
	}
}

func TestLeaseExpiredHolderCannotReleaseNewOwner(t *testing.T) {
	lease, mr := newTestLease(t)
	ctx := context.Background()

	staleRelease, ok, _ := lease.TryAcquire(ctx, "sweep", time.Second)
	if !ok {
		t.Fatal("expected first acquire")
	}
	mr.FastForward(2 * time.Second)

	_, ok, _ = lease.TryAcquire(ctx, "sweep", time.Minute)
	if !ok {
		t.Fatal("expected acquire after expiry")
	}
	if err := staleRelease(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists("bursar:lease:sweep") {
		t.Fatal("stale holder released the new owner's lease")
	}
}

func TestNewClientFromURLValidates(t *testing.T) {
	if _, err := NewClientFromURL(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty url")
	}
	mr := miniredis.RunT(t)
	client, err := NewClientFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = client.Close()
}
