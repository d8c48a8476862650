package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "optionsrunner/pkg/errors"
)

func TestAcquireAndRelease(t *testing.T) {
	locks := NewKeyedLockService()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "strat-1:ENTRY", time.Millisecond)
	require.NoError(t, err)

	// Second acquire on the same key times out.
	_, err = locks.Acquire(ctx, "strat-1:ENTRY", 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyInFlight))

	// A different key is independent.
	release2, err := locks.Acquire(ctx, "strat-1:EXIT", time.Millisecond)
	require.NoError(t, err)
	release2()

	release()
	release3, err := locks.Acquire(ctx, "strat-1:ENTRY", time.Millisecond)
	require.NoError(t, err)
	release3()
}

func TestReleaseIsIdempotent(t *testing.T) {
	locks := NewKeyedLockService()

	release, err := locks.Acquire(context.Background(), "k", time.Millisecond)
	require.NoError(t, err)
	release()
	release() // must not free a lock someone else now holds

	release2, err := locks.Acquire(context.Background(), "k", time.Millisecond)
	require.NoError(t, err)

	_, err = locks.Acquire(context.Background(), "k", 5*time.Millisecond)
	assert.Error(t, err)
	release2()
}

func TestAcquireRespectsContext(t *testing.T) {
	locks := NewKeyedLockService()

	release, err := locks.Acquire(context.Background(), "k", time.Millisecond)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = locks.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMutualExclusionUnderContention(t *testing.T) {
	locks := NewKeyedLockService()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		max     int
		granted int
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(context.Background(), "k", 500*time.Millisecond)
			if err != nil {
				return
			}
			mu.Lock()
			granted++
			holders++
			if holders > max {
				max = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, max, "at most one holder at a time")
	assert.Greater(t, granted, 0)
}
