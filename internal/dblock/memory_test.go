package dblock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockMutualExclusion(t *testing.T) {
	c := NewMemoryCoordinator()
	defer c.Close()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
	)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.WithLock(context.Background(), "shared", time.Second, func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}

func TestWithLockTimeout(t *testing.T) {
	c := NewMemoryCoordinator()
	defer c.Close()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = c.WithLock(context.Background(), "shared", time.Second, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := c.WithLock(context.Background(), "shared", 20*time.Millisecond, func(ctx context.Context) error {
		t.Fatal("callback ran while lock was held elsewhere")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestWithLockDistinctNamesIndependent(t *testing.T) {
	c := NewMemoryCoordinator()
	defer c.Close()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = c.WithLock(context.Background(), "lock-a", time.Second, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ran := false
	err := c.WithLock(context.Background(), "lock-b", 50*time.Millisecond, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockReturnsCallbackError(t *testing.T) {
	c := NewMemoryCoordinator()
	defer c.Close()

	err := c.WithLock(context.Background(), "shared", time.Second, func(ctx context.Context) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NotErrorIs(t, err, ErrLockTimeout)

	// The lock was released despite the error.
	err = c.WithLock(context.Background(), "shared", 20*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestTryWithLockNeverBlocks(t *testing.T) {
	c := NewMemoryCoordinator()
	defer c.Close()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = c.WithLock(context.Background(), "shared", time.Second, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	start := time.Now()
	err := c.TryWithLock(context.Background(), "shared", func(ctx context.Context) error {
		t.Fatal("callback ran while lock was held elsewhere")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)

	// Once free, the non-blocking path succeeds.
	assert.Eventually(t, func() bool {
		return c.TryWithLock(context.Background(), "shared", func(ctx context.Context) error {
			return nil
		}) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestWithLockContextCancelled(t *testing.T) {
	c := NewMemoryCoordinator()
	defer c.Close()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = c.WithLock(context.Background(), "shared", time.Second, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.WithLock(ctx, "shared", time.Minute, func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestKeyForStable(t *testing.T) {
	assert.Equal(t, keyFor("task-broker:stale-task-reaper"), keyFor("task-broker:stale-task-reaper"))
	assert.NotEqual(t, keyFor("lock-a"), keyFor("lock-b"))
}
