// Package dblock provides a named advisory lock scoped to a unit of work.
// In a horizontally scaled deployment exactly one broker instance must
// perform certain singleton duties; the coordinator guarantees at most one
// holder per lock name at a time, across processes when backed by postgres.
package dblock

import (
	"context"
	"errors"
	"hash/fnv"
	"time"
)

var (
	// ErrLockTimeout indicates a blocking acquisition did not succeed within
	// the caller's timeout. Distinguishable from any error returned by the
	// callback itself.
	ErrLockTimeout = errors.New("dblock: acquisition timed out")

	// ErrLockHeld indicates a non-blocking acquisition found the lock held
	// elsewhere.
	ErrLockHeld = errors.New("dblock: lock already held")
)

// Coordinator executes callbacks under a named exclusive lock. The lock is
// held only for the duration of the callback and is released on every exit
// path.
type Coordinator interface {
	// WithLock blocks until the named lock is acquired or timeout elapses,
	// then runs fn while holding it. Returns ErrLockTimeout if the lock
	// could not be acquired in time; otherwise returns fn's error.
	WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error

	// TryWithLock runs fn if the named lock is immediately available and
	// returns ErrLockHeld otherwise. It never waits for the lock.
	TryWithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error

	// Close releases backend resources.
	Close() error
}

// keyFor maps a lock name to the integer key space advisory locks use.
func keyFor(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
