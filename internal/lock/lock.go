// Package lock implements the distributed mutual-exclusion primitive
// used by the nonce coordinator and by higher-level business flows.
//
// Acquisition tries the shared cache first (conditional set-if-absent
// with expiry), falls back to a relational advisory lock when the
// cache is unreachable, and finally to a process-local mutex when
// neither shared backend is available. The local fallback is an
// explicitly weaker guarantee: it only excludes holders inside this
// process.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencustody/settler/internal/settlement/metrics"
)

// ErrNotAcquired is returned when a blocking acquire times out or a
// non-blocking acquire finds the lock held.
var ErrNotAcquired = errors.New("lock: not acquired")

const pollInterval = 100 * time.Millisecond

// CacheBackend is the shared-cache lock surface (redis).
type CacheBackend interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}

// AdvisoryBackend is the relational advisory-lock surface (postgres).
type AdvisoryBackend interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

type backendKind int

const (
	backendCache backendKind = iota
	backendAdvisory
	backendLocal
)

func (k backendKind) String() string {
	switch k {
	case backendCache:
		return "cache"
	case backendAdvisory:
		return "advisory"
	default:
		return "local"
	}
}

// Lease is a held lock. Release mirrors whichever backend acquired it.
type Lease struct {
	key     string
	token   string
	kind    backendKind
	release func()
	lock    *DistributedLock

	once sync.Once
}

// DistributedLock coordinates mutual exclusion across processes. Any
// of the shared backends may be nil; with both nil every acquisition
// degrades to the in-process mutex.
type DistributedLock struct {
	cache    CacheBackend
	advisory AdvisoryBackend
	log      *slog.Logger

	mu     sync.Mutex
	local  map[string]chan struct{}
	warned bool
}

// New creates a distributed lock over the given backends.
func New(cache CacheBackend, advisory AdvisoryBackend, log *slog.Logger) *DistributedLock {
	return &DistributedLock{
		cache:    cache,
		advisory: advisory,
		log:      log,
		local:    make(map[string]chan struct{}),
	}
}

// Acquire takes the lock for key. The ttl bounds how long a crashed
// holder can wedge the key; it is a safety net, not the release
// mechanism. In non-blocking mode contention returns ErrNotAcquired
// immediately; in blocking mode the acquire polls every 100ms until it
// wins or blockingTimeout elapses.
func (d *DistributedLock) Acquire(
	ctx context.Context,
	key string,
	ttl time.Duration,
	blocking bool,
	blockingTimeout time.Duration,
) (*Lease, error) {
	deadline := time.Now().Add(blockingTimeout)

	for {
		lease, err := d.tryAcquire(ctx, key, ttl)
		if err == nil {
			metrics.LockAcquisitions.WithLabelValues(lease.kind.String(), "acquired").Inc()
			return lease, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		if !blocking || time.Now().After(deadline) {
			metrics.LockAcquisitions.WithLabelValues("", "timeout").Inc()
			if blocking {
				return nil, fmt.Errorf("lock %s: blocking timeout after %s: %w", key, blockingTimeout, ErrNotAcquired)
			}
			return nil, fmt.Errorf("lock %s: held elsewhere: %w", key, ErrNotAcquired)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (d *DistributedLock) tryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if d.cache != nil {
		token := uuid.NewString()
		ok, err := d.cache.AcquireLock(ctx, key, token, ttl)
		if err == nil {
			if !ok {
				return nil, ErrNotAcquired
			}
			return &Lease{key: key, token: token, kind: backendCache, lock: d}, nil
		}
		d.log.Warn("cache lock backend unavailable, falling back", "key", key, "error", err)
	}

	if d.advisory != nil {
		release, ok, err := d.advisory.TryLock(ctx, key)
		if err == nil {
			if !ok {
				return nil, ErrNotAcquired
			}
			return &Lease{key: key, kind: backendAdvisory, release: release, lock: d}, nil
		}
		d.log.Warn("advisory lock backend unavailable, falling back", "key", key, "error", err)
	}

	return d.tryLocal(key)
}

func (d *DistributedLock) tryLocal(key string) (*Lease, error) {
	d.mu.Lock()
	if !d.warned {
		d.warned = true
		d.log.Warn("no shared lock backend reachable; using process-local locks, multi-process safety is not guaranteed")
	}
	if _, held := d.local[key]; held {
		d.mu.Unlock()
		return nil, ErrNotAcquired
	}
	d.local[key] = make(chan struct{})
	d.mu.Unlock()

	release := func() {
		d.mu.Lock()
		if ch, ok := d.local[key]; ok {
			close(ch)
			delete(d.local, key)
		}
		d.mu.Unlock()
	}
	return &Lease{key: key, kind: backendLocal, release: release, lock: d}, nil
}

// Release gives the lock back through the backend that granted it.
// Safe to call more than once.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		switch l.kind {
		case backendCache:
			ok, err := l.lock.cache.ReleaseLock(ctx, l.key, l.token)
			if err != nil {
				l.lock.log.Error("cache lock release failed", "key", l.key, "error", err)
				return
			}
			if !ok {
				l.lock.log.Warn("lock expired before release", "key", l.key)
			}
		default:
			l.release()
		}
	})
}

// WithLock runs fn while holding the lock and guarantees release on
// every exit path.
func (d *DistributedLock) WithLock(
	ctx context.Context,
	key string,
	ttl time.Duration,
	blockingTimeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	lease, err := d.Acquire(ctx, key, ttl, true, blockingTimeout)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)
	return fn(ctx)
}
