// Package locks serializes work per idea inside one process and, when a
// distributed locker is configured, across replicas.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UnlockFunc releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker acquires a lock shared by every process using the same
// backend. Lock blocks until the lock is held or ctx is done.
type DistributedLocker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// Manager hands out one mutex per key. Entries are reference counted and
// dropped once no caller holds or waits on them.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	locker DistributedLocker
	ttl    time.Duration
	logger *zap.Logger
}

type Option func(*Manager)

// WithDistributed adds a cross-process lock taken after the local one.
func WithDistributed(locker DistributedLocker, ttl time.Duration) Option {
	return func(m *Manager) {
		m.locker = locker
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries: make(map[string]*entry),
		ttl:     10 * time.Minute,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.entries, key)
	}
}

// Held returns the number of keys with a holder or waiter.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// WithLock runs fn while holding the lock for key.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	e := m.acquire(key)
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		m.release(key)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, key, m.ttl)
		if err != nil {
			return fmt.Errorf("acquire distributed lock %s: %w", key, err)
		}
		defer func() {
			// Release even when ctx was cancelled by fn.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("release distributed lock failed; it will expire via ttl",
					zap.String("key", key), zap.Error(err))
			}
		}()
	}
	return fn(ctx)
}
