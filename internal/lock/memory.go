package lock

import (
	"context"
	"sync"
	"time"

	"github.com/atinyakov/GophVault/internal/clock"
)

// MemoryBackend is an in-process Backend for single-instance deployments
// and tests.
type MemoryBackend struct {
	mu     sync.Mutex
	clock  clock.Clock
	leases map[string]memoryLease
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemoryBackend returns an empty MemoryBackend. A nil clock means
// clock.Real().
func NewMemoryBackend(c clock.Clock) *MemoryBackend {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryBackend{clock: c, leases: make(map[string]memoryLease)}
}

// TryAcquire implements Backend.
func (b *MemoryBackend) TryAcquire(_ context.Context, key, token string, lease time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if held, ok := b.leases[key]; ok && now.Before(held.expires) {
		return false, nil
	}
	b.leases[key] = memoryLease{token: token, expires: now.Add(lease)}
	return true, nil
}

// Extend implements Backend.
func (b *MemoryBackend) Extend(_ context.Context, key, token string, lease time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	held, ok := b.leases[key]
	if !ok || held.token != token || !now.Before(held.expires) {
		return false, nil
	}
	b.leases[key] = memoryLease{token: token, expires: now.Add(lease)}
	return true, nil
}

// Release implements Backend.
func (b *MemoryBackend) Release(_ context.Context, key, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if held, ok := b.leases[key]; ok && held.token == token {
		delete(b.leases, key)
	}
	return nil
}
