// Package coordinator receives execution intents and routes them through
// evaluation, locking, idempotency checks, and the order lifecycle.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"optionsrunner/internal/core"
	apperrors "optionsrunner/pkg/errors"
)

// KeyedLockService provides per-key mutual exclusion with bounded waits,
// backed by one capacity-1 channel per key. Keys are never removed; the key
// space (strategy x intent type) is small and bounded.
type KeyedLockService struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

var _ core.LockService = (*KeyedLockService)(nil)

// NewKeyedLockService creates an empty lock service.
func NewKeyedLockService() *KeyedLockService {
	return &KeyedLockService{locks: make(map[string]chan struct{})}
}

func (s *KeyedLockService) lockChan(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

// Acquire takes the lock for key, waiting at most wait. On success the
// returned release func must be called exactly once.
func (s *KeyedLockService) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	ch := s.lockChan(key)

	select {
	case ch <- struct{}{}:
	default:
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case ch <- struct{}{}:
		case <-timer.C:
			return nil, fmt.Errorf("%w: lock %q held past wait budget", apperrors.ErrAlreadyInFlight, key)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-ch })
	}
	return release, nil
}
