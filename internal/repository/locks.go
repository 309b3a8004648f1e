package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// lockNotAvailable and serializationFailure mean another writer raced us.
const (
	lockNotAvailable     = "55P03"
	serializationFailure = "40001"
)

// PostgresLockBackend keeps vault lock leases in the vault_locks table. It
// implements lock.Backend so several server replicas sharing one database
// serialize their writes to the same vault.
type PostgresLockBackend struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewPostgresLockBackend creates a lock backend over db.
func NewPostgresLockBackend(db *sql.DB) *PostgresLockBackend {
	return &PostgresLockBackend{DB: db, Now: time.Now}
}

// TryAcquire takes key for lease when it is free or its previous lease
// expired.
func (b *PostgresLockBackend) TryAcquire(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	now := b.Now()
	res, err := b.DB.ExecContext(ctx, `
		INSERT INTO vault_locks (id, token, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		WHERE vault_locks.expires_at < $4
	`, key, token, now.Add(lease), now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && (pqErr.Code == lockNotAvailable || pqErr.Code == serializationFailure) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return n == 1, nil
}

// Extend moves the expiry of key forward while token holds an unexpired
// lease on it.
func (b *PostgresLockBackend) Extend(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	now := b.Now()
	res, err := b.DB.ExecContext(ctx, `
		UPDATE vault_locks SET expires_at = $3
		WHERE id = $1 AND token = $2 AND expires_at >= $4
	`, key, token, now.Add(lease), now)
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return n == 1, nil
}

// Release frees key when token still holds it.
func (b *PostgresLockBackend) Release(ctx context.Context, key, token string) error {
	if _, err := b.DB.ExecContext(ctx,
		`DELETE FROM vault_locks WHERE id = $1 AND token = $2`, key, token); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
