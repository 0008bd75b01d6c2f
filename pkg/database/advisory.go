package database

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"
)

// AdvisoryLease implements a cross-instance job lease with Postgres session
// advisory locks. Each held lease pins one pooled connection until released.
type AdvisoryLease struct {
	db        *sql.DB
	namespace string
}

func NewAdvisoryLease(db *sql.DB, namespace string) *AdvisoryLease {
	return &AdvisoryLease{db: db, namespace: namespace}
}

func advisoryKey(namespace, name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace + ":" + name))
	return int64(h.Sum64())
}

// TryAcquire takes the lock without waiting. The ttl is ignored: the lock
// lives exactly as long as the session holding it.
func (l *AdvisoryLease) TryAcquire(ctx context.Context, name string, _ time.Duration) (func(context.Context) error, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("advisory lease conn: %w", err)
	}

	key := advisoryKey(l.namespace, name)
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("advisory lease %s: %w", name, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			return fmt.Errorf("release advisory lease %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}
