package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erp/collector/internal/domain/extraction"
)

// InMemoryRunLock implements extraction.RunLock inside one process.
// WARNING: it does not coordinate separate instances.
type InMemoryRunLock struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

// NewInMemoryRunLock creates a new in-memory run lock. A zero ttl never expires.
func NewInMemoryRunLock(ttl time.Duration) *InMemoryRunLock {
	return &InMemoryRunLock{ttl: ttl, now: time.Now}
}

// TryAcquire takes the lock unless another holder's lease is still valid
func (l *InMemoryRunLock) TryAcquire(_ context.Context, owner string) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.token != "" && (l.ttl <= 0 || now.Before(l.expiresAt)) {
		return nil, false, nil
	}
	token := owner + ":" + uuid.NewString()
	l.token = token
	l.expiresAt = now.Add(l.ttl)

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.token == token {
			l.token = ""
		}
		return nil
	}
	return release, true, nil
}

// Held reports whether the lock is currently held
func (l *InMemoryRunLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token != "" && (l.ttl <= 0 || l.now().Before(l.expiresAt))
}

// Ensure InMemoryRunLock implements RunLock
var _ extraction.RunLock = (*InMemoryRunLock)(nil)
