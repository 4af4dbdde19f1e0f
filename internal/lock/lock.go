// Package lock provides the lease locks that keep a task from running on two
// workers or two processes at once.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockNotAcquired is returned by callers that require the lease and did not get it
var ErrLockNotAcquired = errors.New("lock not acquired")

// DefaultTTL bounds how long a crashed holder can block a key
const DefaultTTL = 300 * time.Second

// Locker is a lease lock keyed by string. A lease expires after ttl even if
// never released.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// TaskKey returns the lock key guarding a task's execution.
func TaskKey(taskID string) string {
	return "task:" + taskID
}

// Local is an in-process Locker
type Local struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewLocal creates a new in-process locker
func NewLocal() *Local {
	return &Local{
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiresAt, ok := l.leases[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	l.leases[key] = now.Add(ttl)
	return true, nil
}

func (l *Local) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.leases, key)
	l.mu.Unlock()
	return nil
}
