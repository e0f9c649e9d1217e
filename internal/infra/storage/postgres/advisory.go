package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"
)

const advisoryUnlockTimeout = 5 * time.Second

// AdvisoryLocker is the fallback distributed-lock backend: a session
// advisory lock keyed by a 63-bit hash of the lock name. Two unrelated
// keys can in principle collide and serialize against each other; the
// full key is logged next to the derived id so a collision is at least
// visible in the logs.
type AdvisoryLocker struct {
	db  *DB
	log *slog.Logger
}

// NewAdvisoryLocker creates an advisory-lock backend.
func NewAdvisoryLocker(db *DB, log *slog.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, log: log}
}

// LockID folds a lock key into the positive int64 space pg advisory
// locks use.
func LockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// TryLock attempts a non-blocking advisory lock. Session locks live on
// one connection, so the connection is pinned from the pool until the
// returned release func runs. Release must be called exactly once when
// ok is true.
func (a *AdvisoryLocker) TryLock(ctx context.Context, key string) (release func(), ok bool, err error) {
	id := LockID(key)

	conn, err := a.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	a.log.Debug("advisory lock acquired", "key", key, "lock_id", id)

	release = func() {
		// Unlock on the same session; background context so release
		// still works when the caller's context is already done.
		unlockCtx, cancel := context.WithTimeout(context.Background(), advisoryUnlockTimeout)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, id); err != nil {
			a.log.Error("advisory unlock failed", "key", key, "lock_id", id, "error", err)
		}
		conn.Release()
	}
	return release, true, nil
}
