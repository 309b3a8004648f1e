// Package lock serializes backend file operations per vault id across
// processes. A Service wraps a Backend (in-process memory, Redis or the
// Postgres lease table in internal/repository) with bounded acquisition
// retries, a fixed delay and randomized jitter.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/GophVault/internal/clock"
)

// DefaultLease is the lease used when a caller passes zero.
const DefaultLease = 5000 * time.Millisecond

var (
	// ErrNotAcquired is returned when the retry budget is exhausted.
	ErrNotAcquired = errors.New("lock: not acquired")
	// ErrLeaseLost is returned when a held lease expired and another
	// token took the key.
	ErrLeaseLost = errors.New("lock: lease lost")
)

// Backend is a lock store. TryAcquire must be atomic: it sets key to token
// with the given lease only when key is free or its lease has expired.
// Extend re-arms the lease and Release deletes key, both only while key
// still holds token.
type Backend interface {
	TryAcquire(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	Extend(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// Options tunes the acquisition retry loop.
type Options struct {
	// Retries is the number of additional attempts after the first one.
	Retries int
	// Delay is the fixed pause between attempts.
	Delay time.Duration
	// Jitter is the upper bound of the random extra pause added to Delay.
	Jitter time.Duration
	// Clock drives the pauses. Defaults to clock.Real().
	Clock clock.Clock
	// Logger receives retry and failure logs. Defaults to a no-op logger.
	Logger *zap.Logger
	// RenewEvery is how often WithLease extends a held lease. Defaults to
	// a third of the lease.
	RenewEvery time.Duration
}

// DefaultOptions returns the retry settings used by the server.
func DefaultOptions() Options {
	return Options{Retries: 10, Delay: 200 * time.Millisecond, Jitter: 200 * time.Millisecond}
}

// Service acquires and releases leases on a Backend. It is stateless with
// respect to vault content and safe to share across vaults and goroutines.
type Service struct {
	backend Backend
	opts    Options
}

// NewService returns a Service over backend.
func NewService(backend Backend, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Service{backend: backend, opts: opts}
}

// Lease is a held lock.
type Lease struct {
	service *Service
	key     string
	token   string
	ttl     time.Duration
}

// Key returns the locked key.
func (l *Lease) Key() string { return l.key }

// Release gives the lock back.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.service.backend.Release(ctx, l.key, l.token); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// Extend re-arms the lease for its original duration. It fails with
// ErrLeaseLost when the lease expired and the key moved to another token.
func (l *Lease) Extend(ctx context.Context) error {
	ok, err := l.service.backend.Extend(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	}
	return nil
}

// keepAlive extends l until ctx is done. A lost lease cancels ctx with
// ErrLeaseLost; backend errors are retried on the next tick.
func (l *Lease) keepAlive(ctx context.Context, lost context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	every := l.service.opts.RenewEvery
	if every <= 0 {
		every = l.ttl / 3
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.Extend(ctx)
			if errors.Is(err, ErrLeaseLost) {
				l.service.opts.Logger.Warn("lock lease lost", zap.String("key", l.key))
				lost(err)
				return
			}
			if err != nil {
				l.service.opts.Logger.Debug("lock renewal failed", zap.String("key", l.key), zap.Error(err))
			}
		}
	}
}

// Acquire takes the lock on key for lease, retrying while the lock is held
// elsewhere or the backend is unavailable.
func (s *Service) Acquire(ctx context.Context, key string, lease time.Duration) (*Lease, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	token := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			s.opts.Clock.Sleep(s.pause())
		}

		ok, err := s.backend.TryAcquire(ctx, key, token, lease)
		if err != nil {
			lastErr = err
			s.opts.Logger.Debug("lock backend error", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if ok {
			return &Lease{service: s, key: key, token: token, ttl: lease}, nil
		}
		s.opts.Logger.Debug("lock busy", zap.String("key", key), zap.Int("attempt", attempt))
	}

	s.opts.Logger.Warn("lock not acquired", zap.String("key", key), zap.Int("attempts", s.opts.Retries+1), zap.Error(lastErr))
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
}

// WithLock runs fn while holding the lock on key. A release failure is
// reported only when fn itself succeeded.
func (s *Service) WithLock(ctx context.Context, key string, lease time.Duration, fn func(context.Context) error) error {
	return s.WithLease(ctx, key, lease, func(ctx context.Context, _ *Lease) error { return fn(ctx) })
}

// WithLease is WithLock handing fn the held lease. The lease is extended
// in the background while fn runs. If it is lost anyway, fn's context is
// canceled and the call fails with ErrLeaseLost.
func (s *Service) WithLease(ctx context.Context, key string, lease time.Duration, fn func(context.Context, *Lease) error) (err error) {
	l, err := s.Acquire(ctx, key, lease)
	if err != nil {
		return err
	}

	held, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go l.keepAlive(held, cancel, done)

	defer func() {
		lost := context.Cause(held)
		cancel(nil)
		<-done
		if errors.Is(lost, ErrLeaseLost) && !errors.Is(err, ErrLeaseLost) {
			if err == nil {
				err = lost
			} else {
				err = fmt.Errorf("%w: %w", lost, err)
			}
		}
		if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(held, l)
}

func (s *Service) pause() time.Duration {
	d := s.opts.Delay
	if s.opts.Jitter > 0 {
		d += rand.N(s.opts.Jitter)
	}
	return d
}
