package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLocker serializes work per key with PostgreSQL session advisory
// locks. The lock lives on a dedicated pooled connection until unlock.
type AdvisoryLocker struct {
	db *pgxpool.Pool
}

// NewAdvisoryLocker constructs an AdvisoryLocker.
func NewAdvisoryLocker(db *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// Lock blocks until the key's advisory lock is held or ctx ends.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return func() {
		// Unlock on a fresh context: the caller's may already be cancelled.
		_, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, key)
		if err != nil {
			// The session still holds the lock; drop the connection so it is freed.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}
