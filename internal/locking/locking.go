// Package locking coordinates document access with the writer process
// through a Redlock-style service. The key derivation is an inter-process
// contract: both sides must produce identical bytes for the same document.
package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// DefaultTries bounds lock acquisition attempts before giving up.
const DefaultTries = 10

// KeyFor derives the lock key of one data document. The writer holds the same
// key while mutating the document; the format must match byte-for-byte.
func KeyFor(db, collection, identifier string, start, end int64) string {
	return fmt.Sprintf("lock__%s__%s__%s__%d__%d", db, collection, identifier, start, end)
}

// Handle is an acquired lock. Release goes through the Locker that issued it.
type Handle interface {
	Name() string
}

// Locker acquires and releases distributed locks.
type Locker interface {
	// Acquire blocks through the service's internal retry schedule and fails
	// once the attempt limit is exhausted.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error)

	// Release frees a held lock. Releasing an already-expired lock is not an
	// error.
	Release(ctx context.Context, h Handle) error
}

// RedisLocker implements Locker with redsync mutexes over a go-redis client.
type RedisLocker struct {
	rs    *redsync.Redsync
	tries int
}

// NewRedisLocker wraps an established redis client. tries <= 0 falls back to
// DefaultTries.
func NewRedisLocker(client redis.UniversalClient, tries int) *RedisLocker {
	if tries <= 0 {
		tries = DefaultTries
	}
	return &RedisLocker{
		rs:    redsync.New(goredis.NewPool(client)),
		tries: tries,
	}
}

// Acquire takes a mutex on the key with the given TTL.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(l.tries),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return mutex, nil
}

// Release unlocks the mutex. Expired locks release cleanly: the TTL already
// freed them on the service side.
func (l *RedisLocker) Release(ctx context.Context, h Handle) error {
	mutex, ok := h.(*redsync.Mutex)
	if !ok {
		return fmt.Errorf("release lock %s: foreign handle type %T", h.Name(), h)
	}
	if _, err := mutex.UnlockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) {
			return nil
		}
		return fmt.Errorf("release lock %s: %w", h.Name(), err)
	}
	return nil
}

// Manager retains the handles acquired during a policy pass in one flat list.
// The scheduler releases them after publishing, and defensively once per
// iteration in case an error path left some held.
type Manager struct {
	locker Locker
	held   []Handle
}

// NewManager creates an empty manager over the given locker.
func NewManager(locker Locker) *Manager {
	return &Manager{locker: locker}
}

// Acquire takes a lock and tracks the handle for later ReleaseAll.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	h, err := m.locker.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	m.held = append(m.held, h)
	return nil
}

// Held reports how many handles are currently tracked.
func (m *Manager) Held() int {
	return len(m.held)
}

// ReleaseAll frees every tracked handle and clears the list. Individual
// release failures are warned and do not stop the sweep.
func (m *Manager) ReleaseAll(ctx context.Context) {
	for _, h := range m.held {
		if err := m.locker.Release(ctx, h); err != nil {
			slog.Warn("[Locking] Failed to release lock", "key", h.Name(), "error", err)
		}
	}
	m.held = m.held[:0]
}
