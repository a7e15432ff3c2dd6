// Package distlock serializes the dispatch job across hosts. Two
// scheduler invocations racing the same send queue would double-deliver;
// the conditional claim in the store already prevents that, so the lock
// only exists to stop the losing run from doing wasted work.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a best-effort cross-host mutex. Instances are not safe
// for concurrent use; each goroutine takes its own.
type DistLock interface {
	// Acquire is non-blocking and reports whether the lock was taken.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock picks the backend: Redis when a client is available, else a
// Postgres advisory lock on the job's own database connection.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock wraps pg_try_advisory_lock. Advisory locks are
// session-scoped, so a crashed holder releases the lock as soon as its
// connection drops, much like a Redis TTL lapsing.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock derives the 64-bit advisory lock id from the key
// with FNV-1a, so every host computes the same id for the same job.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
