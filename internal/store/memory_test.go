package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"frameworks/pkg/pagination"
)

func sessionEntry(id, account, session string, delta int64) *LedgerEntry {
	rt, rid := ResourceSession, session
	return &LedgerEntry{
		EntryID: id, AccountID: account, CreditsDelta: delta,
		TransactionType: TransactionUsage, ResourceType: &rt, ResourceID: &rid,
	}
}

func TestMemoryStoreRollbackDiscardsWrites(t *testing.T) {
	s := NewMemoryStore(time.Second)
	s.SetBalance("acct-1", 10)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Tx) error {
		if _, _, err := tx.LockUsage(ctx, UsageRecord{SessionID: "sess-1", AccountID: "acct-1"}); err != nil {
			return err
		}
		if err := tx.SetAccountCredits(ctx, "acct-1", 7); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, sessionEntry("e1", "acct-1", "sess-1", -3)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	acct, _ := s.GetAccount(ctx, "acct-1")
	if acct.AvailableCredits != 10 {
		t.Fatalf("balance changed after rollback: %d", acct.AvailableCredits)
	}
	if _, err := s.GetUsage(ctx, "sess-1"); !errors.Is(err, ErrUsageNotFound) {
		t.Fatalf("usage row survived rollback: %v", err)
	}
	if len(s.Entries()) != 0 {
		t.Fatalf("ledger entries survived rollback")
	}
}

func TestMemoryStoreLockTimeoutIsConflict(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	s.SetBalance("acct-1", 10)
	ctx := context.Background()

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithTx(ctx, func(tx Tx) error {
			if _, err := tx.LockAccount(ctx, "acct-1"); err != nil {
				return err
			}
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	err := s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.LockAccount(ctx, "acct-1")
		return err
	})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
}

func TestMemoryStoreLockUsageRequiresAccount(t *testing.T) {
	s := NewMemoryStore(time.Second)
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx Tx) error {
		_, _, err := tx.LockUsage(ctx, UsageRecord{SessionID: "sess-1", AccountID: "ghost"})
		return err
	})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestMemoryStoreRejectsNegativeBalance(t *testing.T) {
	s := NewMemoryStore(time.Second)
	s.SetBalance("acct-1", 1)
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.SetAccountCredits(ctx, "acct-1", -1)
	})
	if !errors.Is(err, ErrInvalidLedgerEntry) {
		t.Fatalf("expected ErrInvalidLedgerEntry, got %v", err)
	}
}

func TestMemoryStoreFindUsageDrift(t *testing.T) {
	s := NewMemoryStore(time.Second)
	s.SetBalance("acct-1", 100)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx Tx) error {
		for _, id := range []string{"sess-a", "sess-b"} {
			rec, _, err := tx.LockUsage(ctx, UsageRecord{SessionID: id, AccountID: "acct-1"})
			if err != nil {
				return err
			}
			rec.CreditsDeducted = 2
			rec.LastBilledMinutes = 2
			if err := tx.SaveUsage(ctx, rec); err != nil {
				return err
			}
			if err := tx.InsertLedgerEntry(ctx, sessionEntry("e-"+id, "acct-1", id, -2)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	drifts, _ := s.FindUsageDrift(ctx, 0)
	if len(drifts) != 0 {
		t.Fatalf("expected no drift, got %+v", drifts)
	}

	rec, _ := s.GetUsage(ctx, "sess-a")
	rec.CreditsDeducted = 9
	s.PutUsage(*rec)
	s.DeleteUsage("sess-b")

	drifts, _ = s.FindUsageDrift(ctx, 0)
	if len(drifts) != 2 {
		t.Fatalf("expected 2 drifts, got %+v", drifts)
	}
	if drifts[0].SessionID != "sess-a" || drifts[0].Difference() != 7 {
		t.Fatalf("unexpected first drift: %+v", drifts[0])
	}
	if drifts[1].SessionID != "sess-b" || !drifts[1].MissingCache || drifts[1].LedgerCredits != 2 {
		t.Fatalf("unexpected second drift: %+v", drifts[1])
	}

	if drifts, _ := s.FindUsageDrift(ctx, 7); len(drifts) != 0 {
		t.Fatalf("expected tolerance to hide drift, got %+v", drifts)
	}
}

func TestMemoryStoreListLedgerEntriesPaginates(t *testing.T) {
	s := NewMemoryStore(time.Second)
	s.SetBalance("acct-1", 100)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	ctx := context.Background()

	for i, id := range []string{"e1", "e2", "e3"} {
		err := s.WithTx(ctx, func(tx Tx) error {
			return tx.InsertLedgerEntry(ctx, &LedgerEntry{
				EntryID: id, AccountID: "acct-1", CreditsDelta: int64(i + 1), TransactionType: TransactionPurchase,
			})
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	page, _ := s.ListLedgerEntries(ctx, "acct-1", LedgerFilter{Limit: 2})
	if len(page) != 2 || page[0].EntryID != "e3" || page[1].EntryID != "e2" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	last := page[1]
	page, _ = s.ListLedgerEntries(ctx, "acct-1", LedgerFilter{
		Limit: 2,
		After: &pagination.Cursor{Timestamp: last.CreatedAt, ID: last.EntryID},
	})
	if len(page) != 1 || page[0].EntryID != "e1" {
		t.Fatalf("unexpected second page: %+v", page)
	}

	filtered, _ := s.ListLedgerEntries(ctx, "acct-1", LedgerFilter{TransactionType: TransactionRefund})
	if len(filtered) != 0 {
		t.Fatalf("expected type filter to exclude purchases")
	}
}

func TestMemoryStoreListStaleUsage(t *testing.T) {
	s := NewMemoryStore(time.Second)
	now := time.Now().UTC()
	finalized := now
	s.PutUsage(UsageRecord{SessionID: "old", AccountID: "a", LastUpdatedAt: now.Add(-3 * time.Hour)})
	s.PutUsage(UsageRecord{SessionID: "older", AccountID: "a", LastUpdatedAt: now.Add(-5 * time.Hour)})
	s.PutUsage(UsageRecord{SessionID: "fresh", AccountID: "a", LastUpdatedAt: now})
	s.PutUsage(UsageRecord{SessionID: "done", AccountID: "a", LastUpdatedAt: now.Add(-5 * time.Hour), FinalizedAt: &finalized})

	recs, _ := s.ListStaleUsage(context.Background(), now.Add(-2*time.Hour), 10)
	if len(recs) != 2 || recs[0].SessionID != "older" || recs[1].SessionID != "old" {
		t.Fatalf("unexpected stale records: %+v", recs)
	}
}

func TestMemoryStoreTimestampsAndDefaultLimit(t *testing.T) {
	s := NewMemoryStore(time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 123456789, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	ctx := context.Background()

	acct, err := s.EnsureAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if acct.CreatedAt.Nanosecond()%1000 != 0 || acct.UpdatedAt.Nanosecond()%1000 != 0 {
		t.Fatalf("expected microsecond timestamps, got %v", acct.CreatedAt)
	}

	for i := 0; i < pagination.DefaultLimit+5; i++ {
		err := s.WithTx(ctx, func(tx Tx) error {
			return tx.InsertLedgerEntry(ctx, &LedgerEntry{
				EntryID: fmt.Sprintf("e%03d", i), AccountID: "acct-1", CreditsDelta: 1, TransactionType: TransactionPurchase,
			})
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	page, err := s.ListLedgerEntries(ctx, "acct-1", LedgerFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != pagination.DefaultLimit {
		t.Fatalf("expected %d entries, got %d", pagination.DefaultLimit, len(page))
	}
}
