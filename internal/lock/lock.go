// Package lock provides a Redis-backed distributed lock the Scheduler uses
// to enforce single-flight, non-overlapping dispatch of a Schedule across
// replicas (§4.D "non-overlap enforcement").
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release/Extend when the caller no longer holds
// the lock (it expired or was never acquired).
var ErrNotHeld = errors.New("lock not held")

// Locker acquires short-lived, fencing-token-free Redis locks (SET NX PX +
// a Lua compare-and-delete on release), one per key; the Scheduler takes a
// single tick-wide key. A nil rdb
// falls back to a process-local mutex table, for single-replica/dev
// deployments that run without Redis: correctness is identical since
// there is only ever one process contending.
type Locker struct {
	rdb *redis.Client

	localMu   sync.Mutex
	localHeld map[string]string
}

// NewLocker wraps an existing Redis client, or nil for the in-process
// fallback.
func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb, localHeld: make(map[string]string)}
}

// Lock is a held lease; call Release when the critical section ends.
type Lock struct {
	key   string
	token string
	rdb   *redis.Client
	l     *Locker // set instead of rdb for the in-process fallback
}

// TryAcquire attempts to acquire key for ttl, returning (nil, nil) — not an
// error — when another holder already has it, matching the Scheduler's
// "skip this tick, someone else has it" non-overlap semantics.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()

	if l.rdb == nil {
		l.localMu.Lock()
		defer l.localMu.Unlock()
		if _, held := l.localHeld[key]; held {
			return nil, nil
		}
		l.localHeld[key] = token
		return &Lock{key: key, token: token, l: l}, nil
	}

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{key: key, token: token, rdb: l.rdb}, nil
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// Release drops the lock if this Lock still holds it (compare-and-delete by
// token, so a lease that already expired and was re-acquired by someone
// else is never clobbered).
func (l *Lock) Release(ctx context.Context) error {
	if l.l != nil {
		l.l.localMu.Lock()
		defer l.l.localMu.Unlock()
		if held, ok := l.l.localHeld[l.key]; !ok || held != l.token {
			return ErrNotHeld
		}
		delete(l.l.localHeld, l.key)
		return nil
	}

	res, err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.key, err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrNotHeld
	}
	return nil
}

const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`

// Extend refreshes the lease's TTL, for long-running dispatch cycles that
// outlive the original ttl.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if l.l != nil {
		l.l.localMu.Lock()
		defer l.l.localMu.Unlock()
		if held, ok := l.l.localHeld[l.key]; !ok || held != l.token {
			return ErrNotHeld
		}
		return nil
	}

	res, err := l.rdb.Eval(ctx, extendScript, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("extending lock %s: %w", l.key, err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrNotHeld
	}
	return nil
}
