package dblock

import (
	"context"
	"sync"
	"time"
)

// MemoryCoordinator implements Coordinator for single-instance deployments
// and tests. Semantics match the postgres backend within one process.
type MemoryCoordinator struct {
	mu    sync.Mutex
	locks map[int64]chan struct{}
}

// NewMemoryCoordinator creates an in-process lock coordinator.
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		locks: make(map[int64]chan struct{}),
	}
}

// slot returns the single-permit channel for a lock key.
func (c *MemoryCoordinator) slot(key int64) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		c.locks[key] = ch
	}
	return ch
}

// WithLock blocks until the named lock is acquired or timeout elapses.
func (c *MemoryCoordinator) WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ch := c.slot(keyFor(name))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ErrLockTimeout
	}
	defer func() { <-ch }()

	return fn(ctx)
}

// TryWithLock runs fn only if the lock is immediately free.
func (c *MemoryCoordinator) TryWithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ch := c.slot(keyFor(name))

	select {
	case ch <- struct{}{}:
	default:
		return ErrLockHeld
	}
	defer func() { <-ch }()

	return fn(ctx)
}

// Close is a no-op for the in-memory backend.
func (c *MemoryCoordinator) Close() error {
	return nil
}
