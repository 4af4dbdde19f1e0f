package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SQLiteLocker is a lease lock kept in the task_locks table, so every process
// sharing the database file sees the same leases
type SQLiteLocker struct {
	store    *SQLiteStore
	holderID string
	mu       sync.Mutex
	held     map[string]bool
}

// NewSQLiteLocker creates a locker identified by a fresh holder id
func NewSQLiteLocker(store *SQLiteStore) *SQLiteLocker {
	return &SQLiteLocker{
		store:    store,
		holderID: uuid.New().String(),
		held:     make(map[string]bool),
	}
}

// TryLock replaces an expired lease or inserts a new one; a live lease held by
// anyone, including this holder, is not taken
func (l *SQLiteLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	now := time.Now()
	acquired := false

	err := l.store.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM task_locks WHERE resource_id = ? AND expires_at <= ?", key, utc(now)); err != nil {
			return fmt.Errorf("failed to clear expired lease: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO task_locks (resource_id, holder_id, expires_at) VALUES (?, ?, ?)",
			key, l.holderID, utc(now.Add(ttl)))
		if err != nil {
			return fmt.Errorf("failed to insert lease: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		acquired = affected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	if acquired {
		l.mu.Lock()
		l.held[key] = true
		l.mu.Unlock()
	}
	return acquired, nil
}

// Unlock releases a lease held by this locker
func (l *SQLiteLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	held := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !held {
		return nil
	}

	_, err := l.store.db.ExecContext(ctx,
		"DELETE FROM task_locks WHERE resource_id = ? AND holder_id = ?", key, l.holderID)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}
