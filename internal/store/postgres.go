package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"frameworks/pkg/logging"
	"frameworks/pkg/models"
	"frameworks/pkg/pagination"
)

// PostgresStore is the production Store backed by the ledger schema.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
	logger      logging.Logger
}

// NewPostgresStore wraps an open connection pool. lockTimeout bounds how long
// a transaction waits for a row lock before failing with ErrConcurrencyConflict.
func NewPostgresStore(db *sql.DB, lockTimeout time.Duration, logger logging.Logger) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout, logger: logger}
}

const usageColumns = `session_id, account_id, tenant_id, credits_deducted, last_billed_minutes,
	last_reported_seconds, created_at, last_updated_at, finalized_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUsage(row rowScanner) (*UsageRecord, error) {
	var rec UsageRecord
	var finalized sql.NullTime
	if err := row.Scan(&rec.SessionID, &rec.AccountID, &rec.TenantID, &rec.CreditsDeducted,
		&rec.LastBilledMinutes, &rec.LastReportedSeconds, &rec.CreatedAt, &rec.LastUpdatedAt, &finalized); err != nil {
		return nil, err
	}
	if finalized.Valid {
		t := finalized.Time
		rec.FinalizedAt = &t
	}
	return &rec, nil
}

func scanAccount(row rowScanner) (*Account, error) {
	var acct Account
	if err := row.Scan(&acct.AccountID, &acct.AvailableCredits, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return nil, err
	}
	return &acct, nil
}

// WithTx runs fn inside a READ COMMITTED transaction with a bounded lock wait.
// Any error from fn rolls back every write made through tx.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyError(fmt.Errorf("begin transaction: %w", err))
	}
	defer sqlTx.Rollback() //nolint:errcheck // no-op after commit

	if s.lockTimeout > 0 {
		if _, err := sqlTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
			return classifyError(fmt.Errorf("set lock timeout: %w", err))
		}
	}

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		err = classifyError(err)
		if errors.Is(err, ErrConcurrencyConflict) && s.logger != nil {
			s.logger.WithError(err).Debug("Ledger transaction hit a lock conflict")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classifyError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockUsage(ctx context.Context, seed UsageRecord) (*UsageRecord, bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger.usage_records (session_id, account_id, tenant_id, last_updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (session_id) DO NOTHING`,
		seed.SessionID, seed.AccountID, seed.TenantID)
	if err != nil {
		return nil, false, fmt.Errorf("create usage record: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create usage record: %w", err)
	}

	rec, err := t.LockExistingUsage(ctx, seed.SessionID)
	if err != nil {
		return nil, false, err
	}
	return rec, inserted == 1, nil
}

func (t *pgTx) LockExistingUsage(ctx context.Context, sessionID string) (*UsageRecord, error) {
	rec, err := scanUsage(t.tx.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM ledger.usage_records WHERE session_id = $1 FOR UPDATE`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUsageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock usage record: %w", err)
	}
	return rec, nil
}

func (t *pgTx) LockAccount(ctx context.Context, accountID string) (*Account, error) {
	acct, err := scanAccount(t.tx.QueryRowContext(ctx, `
		SELECT account_id, available_credits, created_at, updated_at
		FROM ledger.accounts WHERE account_id = $1 FOR UPDATE`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	return acct, nil
}

func (t *pgTx) SetAccountCredits(ctx context.Context, accountID string, credits int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ledger.accounts SET available_credits = $1, updated_at = NOW()
		WHERE account_id = $2`, credits, accountID)
	if err != nil {
		return fmt.Errorf("update account credits: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) SaveUsage(ctx context.Context, rec *UsageRecord) error {
	var finalized interface{}
	if rec.FinalizedAt != nil {
		finalized = *rec.FinalizedAt
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ledger.usage_records
		SET credits_deducted = $1, last_billed_minutes = $2, last_reported_seconds = $3,
		    last_updated_at = NOW(), finalized_at = $4
		WHERE session_id = $5`,
		rec.CreditsDeducted, rec.LastBilledMinutes, rec.LastReportedSeconds, finalized, rec.SessionID)
	if err != nil {
		return fmt.Errorf("update usage record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUsageNotFound
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, entry *LedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	metadata := entry.Metadata
	if metadata == nil {
		metadata = models.JSONB{}
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO ledger.ledger_entries
			(entry_id, account_id, credits_delta, balance_after, transaction_type,
			 resource_type, resource_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING created_at`,
		entry.EntryID, entry.AccountID, entry.CreditsDelta, entry.BalanceAfter, string(entry.TransactionType),
		entry.ResourceType, entry.ResourceID, metadata).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (t *pgTx) SessionLedgerCredits(ctx context.Context, sessionID string) (int64, error) {
	var total int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(ABS(SUM(credits_delta)), 0)
		FROM ledger.ledger_entries
		WHERE transaction_type = 'usage' AND resource_type = 'session' AND resource_id = $1`,
		sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum session ledger: %w", err)
	}
	return total, nil
}

// EnsureAccount creates an account with a zero balance if it does not exist.
func (s *PostgresStore) EnsureAccount(ctx context.Context, accountID string) (*Account, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger.accounts (account_id) VALUES ($1)
		ON CONFLICT (account_id) DO NOTHING`, accountID); err != nil {
		return nil, classifyError(fmt.Errorf("ensure account: %w", err))
	}
	return s.GetAccount(ctx, accountID)
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT account_id, available_credits, created_at, updated_at
		FROM ledger.accounts WHERE account_id = $1`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

func (s *PostgresStore) GetUsage(ctx context.Context, sessionID string) (*UsageRecord, error) {
	rec, err := scanUsage(s.db.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM ledger.usage_records WHERE session_id = $1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUsageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage record: %w", err)
	}
	return rec, nil
}

var ledgerKeyset = pagination.KeysetBuilder{TimestampColumn: "created_at", IDColumn: "entry_id"}

// ListLedgerEntries returns an account's entries newest first. It fetches at
// most filter.Limit rows; callers wanting a has-more signal pass limit+1.
func (s *PostgresStore) ListLedgerEntries(ctx context.Context, accountID string, filter LedgerFilter) ([]LedgerEntry, error) {
	where := []string{"account_id = $1"}
	args := []interface{}{accountID}
	argIdx := 2

	if filter.TransactionType != "" {
		where = append(where, fmt.Sprintf("transaction_type = $%d", argIdx))
		args = append(args, string(filter.TransactionType))
		argIdx++
	}
	if filter.ResourceType != "" {
		where = append(where, fmt.Sprintf("resource_type = $%d", argIdx))
		args = append(args, filter.ResourceType)
		argIdx++
	}
	if filter.ResourceID != "" {
		where = append(where, fmt.Sprintf("resource_id = $%d", argIdx))
		args = append(args, filter.ResourceID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		where = append(where, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}
	if !filter.Until.IsZero() {
		where = append(where, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, filter.Until)
		argIdx++
	}
	if cond, condArgs := ledgerKeyset.Condition(filter.After, argIdx); cond != "" {
		where = append(where, cond)
		args = append(args, condArgs...)
		argIdx += len(condArgs)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT entry_id, account_id, credits_delta, balance_after, transaction_type,
		       resource_type, resource_id, metadata, created_at
		FROM ledger.ledger_entries
		WHERE %s
		%s
		LIMIT $%d`, strings.Join(where, " AND "), ledgerKeyset.OrderBy(), argIdx)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var txType string
		var resourceType, resourceID sql.NullString
		if err := rows.Scan(&e.EntryID, &e.AccountID, &e.CreditsDelta, &e.BalanceAfter, &txType,
			&resourceType, &resourceID, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.TransactionType = TransactionType(txType)
		if resourceType.Valid {
			e.ResourceType = &resourceType.String
		}
		if resourceID.Valid {
			e.ResourceID = &resourceID.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindUsageDrift joins the usage cache against per-session ledger sums. The
// FULL OUTER JOIN also surfaces sessions charged in the ledger whose cache
// row is missing.
func (s *PostgresStore) FindUsageDrift(ctx context.Context, tolerance int64) ([]Drift, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH ledger_totals AS (
			SELECT resource_id AS session_id, MIN(account_id) AS account_id,
			       ABS(SUM(credits_delta)) AS ledger_credits
			FROM ledger.ledger_entries
			WHERE transaction_type = 'usage' AND resource_type = 'session'
			GROUP BY resource_id
		)
		SELECT COALESCE(u.session_id, l.session_id),
		       COALESCE(u.account_id, l.account_id),
		       COALESCE(u.credits_deducted, 0),
		       COALESCE(l.ledger_credits, 0),
		       u.session_id IS NULL
		FROM ledger.usage_records u
		FULL OUTER JOIN ledger_totals l ON l.session_id = u.session_id
		WHERE ABS(COALESCE(u.credits_deducted, 0) - COALESCE(l.ledger_credits, 0)) > $1
		ORDER BY 1`, tolerance)
	if err != nil {
		return nil, fmt.Errorf("find usage drift: %w", err)
	}
	defer rows.Close()

	var drifts []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.SessionID, &d.AccountID, &d.CachedCredits, &d.LedgerCredits, &d.MissingCache); err != nil {
			return nil, fmt.Errorf("scan usage drift: %w", err)
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

func (s *PostgresStore) ListStaleUsage(ctx context.Context, before time.Time, limit int) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+usageColumns+`
		FROM ledger.usage_records
		WHERE finalized_at IS NULL AND last_updated_at < $1
		ORDER BY last_updated_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale usage: %w", err)
	}
	defer rows.Close()

	var recs []UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
