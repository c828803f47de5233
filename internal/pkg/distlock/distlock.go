package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/portal28/academy/internal/pkg/logger"
)

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Extender is a lock with an expiry that must be refreshed while held.
// Session-scoped locks such as PGAdvisoryLock do not implement it.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
	TTL() time.Duration
}

// NewLock creates a distributed lock using the best available backend.
// If redisClient is non-nil, uses Redis (preferred for cross-host locking).
// Otherwise falls back to PostgreSQL advisory locks.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// Uses pg_try_advisory_lock / pg_advisory_unlock which are session-scoped.
// The lock is automatically released if the DB connection drops, providing
// crash-safety similar to Redis TTL expiration.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks. The
// lock lives on one pooled connection, held from Acquire until Release.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock. Returns true if successful.
// Uses pg_try_advisory_lock which returns immediately (non-blocking).
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return false, nil
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the advisory lock and returns its connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}

// WithLock runs fn while holding lock. ran is false when another holder has
// it; fn is not called and no error is returned in that case.
//
// Locks that implement Extender are refreshed every ttl/3 while fn runs. If
// the lock is lost, fn's context is cancelled and WithLock returns
// ErrLockLost unless fn already failed.
func WithLock(ctx context.Context, lock DistLock, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		// release even when ctx is already cancelled
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := lock.Release(relCtx); rerr != nil && err == nil {
			err = fmt.Errorf("release lock: %w", rerr)
		}
	}()

	ext, ok := lock.(Extender)
	if !ok || ext.TTL() <= 0 {
		return true, fn(ctx)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		heartbeat(runCtx, ext, cancel)
	}()

	err = fn(runCtx)
	cancel(nil)
	<-done
	if cause := context.Cause(runCtx); errors.Is(cause, ErrLockLost) {
		switch {
		case err == nil:
			err = cause
		case errors.Is(err, context.Canceled):
			err = fmt.Errorf("%w: %w", cause, err)
		}
	}
	return true, err
}

func heartbeat(ctx context.Context, ext Extender, lost context.CancelCauseFunc) {
	log := logger.With("component", "distlock")
	ttl := ext.TTL()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ext.Extend(ctx, ttl)
			switch {
			case err == nil:
			case errors.Is(err, ErrLockLost):
				log.Warn("lock lost while held, cancelling work", "err", err)
				lost(err)
				return
			case ctx.Err() != nil:
				return
			default:
				// transient: the key still has up to two thirds of its ttl left
				log.Warn("lock heartbeat failed", "err", err)
			}
		}
	}
}
