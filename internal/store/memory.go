package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"frameworks/pkg/pagination"
)

// MemoryStore is an in-process Store with the same locking and atomicity
// semantics as PostgresStore. Row locks are per-key and held until the
// transaction ends; writes are staged and applied only on commit.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]Account
	usage    map[string]UsageRecord
	entries  []LedgerEntry

	lockMu sync.Mutex
	locks  map[string]chan struct{}

	lockTimeout time.Duration
	now         func() time.Time

	// BeforeLedgerInsert, when set, runs before each ledger insert and can
	// fail the enclosing transaction.
	BeforeLedgerInsert func(entry *LedgerEntry) error
}

// NewMemoryStore returns an empty store. A zero lockTimeout waits for locks
// until the context is done.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]Account),
		usage:       make(map[string]UsageRecord),
		locks:       make(map[string]chan struct{}),
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetBalance sets an account balance directly, creating the account if needed.
func (s *MemoryStore) SetBalance(accountID string, credits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		acct = Account{AccountID: accountID, CreatedAt: s.stamp()}
	}
	acct.AvailableCredits = credits
	acct.UpdatedAt = s.stamp()
	s.accounts[accountID] = acct
}

// PutUsage overwrites a usage row outside of any transaction.
func (s *MemoryStore) PutUsage(rec UsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[rec.SessionID] = rec
}

// DeleteUsage removes a usage row outside of any transaction.
func (s *MemoryStore) DeleteUsage(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.usage, sessionID)
}

// Entries returns a copy of every ledger entry in insertion order.
func (s *MemoryStore) Entries() []LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LedgerEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *MemoryStore) lockChan(key string) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

func (s *MemoryStore) acquire(ctx context.Context, key string) error {
	ch := s.lockChan(key)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	var timeout <-chan time.Time
	if s.lockTimeout > 0 {
		timer := time.NewTimer(s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		return nil
	case <-timeout:
		return fmt.Errorf("%w: lock wait timeout on %s", ErrConcurrencyConflict, key)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, ctx.Err())
	}
}

func (s *MemoryStore) release(key string) {
	<-s.lockChan(key)
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		store:    s,
		held:     make(map[string]bool),
		accounts: make(map[string]Account),
		usage:    make(map[string]UsageRecord),
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}
	tx.commit()
	return nil
}

type memTx struct {
	store *MemoryStore
	held  map[string]bool
	order []string

	accounts map[string]Account
	usage    map[string]UsageRecord
	entries  []LedgerEntry
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.store.acquire(ctx, key); err != nil {
		return err
	}
	t.held[key] = true
	t.order = append(t.order, key)
	return nil
}

func (t *memTx) releaseAll() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.store.release(t.order[i])
	}
	t.order = nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, acct := range t.accounts {
		s.accounts[id] = acct
	}
	for id, rec := range t.usage {
		s.usage[id] = rec
	}
	s.entries = append(s.entries, t.entries...)
}

func (t *memTx) readUsage(sessionID string) (UsageRecord, bool) {
	if rec, ok := t.usage[sessionID]; ok {
		return rec, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	rec, ok := t.store.usage[sessionID]
	return rec, ok
}

func (t *memTx) readAccount(accountID string) (Account, bool) {
	if acct, ok := t.accounts[accountID]; ok {
		return acct, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	acct, ok := t.store.accounts[accountID]
	return acct, ok
}

func (t *memTx) LockUsage(ctx context.Context, seed UsageRecord) (*UsageRecord, bool, error) {
	if err := t.lock(ctx, "usage:"+seed.SessionID); err != nil {
		return nil, false, err
	}
	if rec, ok := t.readUsage(seed.SessionID); ok {
		return &rec, false, nil
	}
	if _, ok := t.readAccount(seed.AccountID); !ok {
		return nil, false, ErrAccountNotFound
	}
	now := t.store.clock()
	rec := UsageRecord{
		SessionID:     seed.SessionID,
		AccountID:     seed.AccountID,
		TenantID:      seed.TenantID,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	t.usage[rec.SessionID] = rec
	return &rec, true, nil
}

func (t *memTx) LockExistingUsage(ctx context.Context, sessionID string) (*UsageRecord, error) {
	if err := t.lock(ctx, "usage:"+sessionID); err != nil {
		return nil, err
	}
	rec, ok := t.readUsage(sessionID)
	if !ok {
		return nil, ErrUsageNotFound
	}
	return &rec, nil
}

func (t *memTx) LockAccount(ctx context.Context, accountID string) (*Account, error) {
	if err := t.lock(ctx, "account:"+accountID); err != nil {
		return nil, err
	}
	acct, ok := t.readAccount(accountID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &acct, nil
}

func (t *memTx) SetAccountCredits(_ context.Context, accountID string, credits int64) error {
	if credits < 0 {
		return invalidEntry("available_credits must not be negative")
	}
	acct, ok := t.readAccount(accountID)
	if !ok {
		return ErrAccountNotFound
	}
	acct.AvailableCredits = credits
	acct.UpdatedAt = t.store.clock()
	t.accounts[accountID] = acct
	return nil
}

func (t *memTx) SaveUsage(_ context.Context, rec *UsageRecord) error {
	if _, ok := t.readUsage(rec.SessionID); !ok {
		return ErrUsageNotFound
	}
	if rec.CreditsDeducted < 0 || rec.LastBilledMinutes < 0 {
		return invalidEntry("usage totals must not be negative")
	}
	saved := *rec
	saved.LastUpdatedAt = t.store.clock()
	t.usage[rec.SessionID] = saved
	rec.LastUpdatedAt = saved.LastUpdatedAt
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, entry *LedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if hook := t.store.BeforeLedgerInsert; hook != nil {
		if err := hook(entry); err != nil {
			return err
		}
	}
	if _, ok := t.readAccount(entry.AccountID); !ok {
		return ErrAccountNotFound
	}
	entry.CreatedAt = t.store.clock()
	stored := *entry
	stored.Metadata = entry.Metadata.Clone()
	t.entries = append(t.entries, stored)
	return nil
}

func (t *memTx) SessionLedgerCredits(_ context.Context, sessionID string) (int64, error) {
	t.store.mu.Lock()
	total := sessionSum(t.store.entries, sessionID)
	t.store.mu.Unlock()
	total += sessionSum(t.entries, sessionID)
	if total < 0 {
		total = -total
	}
	return total, nil
}

func sessionSum(entries []LedgerEntry, sessionID string) int64 {
	var sum int64
	for _, e := range entries {
		if isSessionUsage(e) && *e.ResourceID == sessionID {
			sum += e.CreditsDelta
		}
	}
	return sum
}

func isSessionUsage(e LedgerEntry) bool {
	return e.TransactionType == TransactionUsage &&
		e.ResourceType != nil && *e.ResourceType == ResourceSession && e.ResourceID != nil
}

// stamp matches Postgres timestamptz precision so cursors round-trip.
// Callers hold s.mu.
func (s *MemoryStore) stamp() time.Time {
	return s.now().Truncate(time.Microsecond)
}

func (s *MemoryStore) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stamp()
}

func (s *MemoryStore) EnsureAccount(_ context.Context, accountID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		now := s.stamp()
		acct = Account{AccountID: accountID, CreatedAt: now, UpdatedAt: now}
		s.accounts[accountID] = acct
	}
	return &acct, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &acct, nil
}

func (s *MemoryStore) GetUsage(_ context.Context, sessionID string) (*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.usage[sessionID]
	if !ok {
		return nil, ErrUsageNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, accountID string, filter LedgerFilter) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []LedgerEntry
	for _, e := range s.entries {
		if e.AccountID != accountID || !matchesFilter(e, filter) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].EntryID > out[j].EntryID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilter(e LedgerEntry, f LedgerFilter) bool {
	if f.TransactionType != "" && e.TransactionType != f.TransactionType {
		return false
	}
	if f.ResourceType != "" && (e.ResourceType == nil || *e.ResourceType != f.ResourceType) {
		return false
	}
	if f.ResourceID != "" && (e.ResourceID == nil || *e.ResourceID != f.ResourceID) {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	if f.After != nil {
		if e.CreatedAt.After(f.After.Timestamp) {
			return false
		}
		if e.CreatedAt.Equal(f.After.Timestamp) && e.EntryID >= f.After.ID {
			return false
		}
	}
	return true
}

func (s *MemoryStore) FindUsageDrift(_ context.Context, tolerance int64) ([]Drift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type total struct {
		account string
		credits int64
	}
	totals := make(map[string]*total)
	for _, e := range s.entries {
		if !isSessionUsage(e) {
			continue
		}
		t, ok := totals[*e.ResourceID]
		if !ok {
			t = &total{account: e.AccountID}
			totals[*e.ResourceID] = t
		}
		t.credits += e.CreditsDelta
	}

	var drifts []Drift
	for id, rec := range s.usage {
		var ledger int64
		if t, ok := totals[id]; ok {
			ledger = abs(t.credits)
		}
		d := Drift{SessionID: id, AccountID: rec.AccountID, CachedCredits: rec.CreditsDeducted, LedgerCredits: ledger}
		if abs(d.Difference()) > tolerance {
			drifts = append(drifts, d)
		}
	}
	for id, t := range totals {
		if _, ok := s.usage[id]; ok {
			continue
		}
		d := Drift{SessionID: id, AccountID: t.account, LedgerCredits: abs(t.credits), MissingCache: true}
		if abs(d.Difference()) > tolerance {
			drifts = append(drifts, d)
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].SessionID < drifts[j].SessionID })
	return drifts, nil
}

func (s *MemoryStore) ListStaleUsage(_ context.Context, before time.Time, limit int) ([]UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []UsageRecord
	for _, rec := range s.usage {
		if rec.FinalizedAt == nil && rec.LastUpdatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdatedAt.Before(out[j].LastUpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
