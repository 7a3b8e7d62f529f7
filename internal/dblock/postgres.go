package dblock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresCoordinator implements Coordinator on postgres advisory locks.
// Locks are transaction scoped (pg_advisory_xact_lock): the database releases
// them when the transaction ends, including when the connection is torn down
// mid-callback, so a crashed holder can never leave a lock dangling.
type PostgresCoordinator struct {
	db *sql.DB
}

// NewPostgresCoordinator opens a connection pool for the given DSN.
func NewPostgresCoordinator(dsn string) (*PostgresCoordinator, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresCoordinator{db: db}, nil
}

// WithLock acquires the named lock inside a fresh transaction, blocking up to
// timeout, and runs fn while the transaction is open.
func (c *PostgresCoordinator) WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lock transaction: %w", err)
	}
	// Rollback after commit is a no-op; on every other path it ends the
	// transaction and with it the advisory lock.
	defer tx.Rollback()

	if _, err := tx.ExecContext(acquireCtx, "SELECT pg_advisory_xact_lock($1)", keyFor(name)); err != nil {
		if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			return ErrLockTimeout
		}
		return fmt.Errorf("acquire advisory lock %q: %w", name, err)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lock transaction: %w", err)
	}
	return nil
}

// TryWithLock acquires the named lock only if it is immediately free.
func (c *PostgresCoordinator) TryWithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lock transaction: %w", err)
	}
	defer tx.Rollback()

	var acquired bool
	if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", keyFor(name)).Scan(&acquired); err != nil {
		return fmt.Errorf("try advisory lock %q: %w", name, err)
	}
	if !acquired {
		return ErrLockHeld
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lock transaction: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (c *PostgresCoordinator) Close() error {
	return c.db.Close()
}
