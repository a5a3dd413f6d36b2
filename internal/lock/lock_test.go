package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocker_LocalFallback_TryAcquireThenSecondCallerIsBlocked(t *testing.T) {
	l := NewLocker(nil)
	ctx := context.Background()

	first, err := l.TryAcquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := l.TryAcquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second, "a held key must not be acquirable by a second caller")
}

func TestLocker_LocalFallback_ReleaseFreesTheKeyForReacquisition(t *testing.T) {
	l := NewLocker(nil)
	ctx := context.Background()

	held, err := l.TryAcquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))

	reacquired, err := l.TryAcquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, reacquired)
}

func TestLocker_LocalFallback_ReleaseTwiceReturnsErrNotHeld(t *testing.T) {
	l := NewLocker(nil)
	ctx := context.Background()

	held, err := l.TryAcquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))

	assert.ErrorIs(t, held.Release(ctx), ErrNotHeld)
}

func TestLocker_LocalFallback_ExtendFailsAfterRelease(t *testing.T) {
	l := NewLocker(nil)
	ctx := context.Background()

	held, err := l.TryAcquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))

	assert.ErrorIs(t, held.Extend(ctx, time.Minute), ErrNotHeld)
}

func TestLocker_LocalFallback_DistinctKeysDoNotContend(t *testing.T) {
	l := NewLocker(nil)
	ctx := context.Background()

	a, err := l.TryAcquire(ctx, "key-a", time.Minute)
	require.NoError(t, err)
	b, err := l.TryAcquire(ctx, "key-b", time.Minute)
	require.NoError(t, err)

	assert.NotNil(t, a)
	assert.NotNil(t, b)
}

func newMiniredisLocker(t *testing.T) *Locker {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLocker(rdb)
}

func TestLocker_Redis_TryAcquireThenSecondCallerIsBlocked(t *testing.T) {
	l := newMiniredisLocker(t)
	ctx := context.Background()

	first, err := l.TryAcquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := l.TryAcquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestLocker_Redis_ReleaseIsCompareAndDeleteByToken(t *testing.T) {
	l := newMiniredisLocker(t)
	ctx := context.Background()

	held, err := l.TryAcquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))

	reacquired, err := l.TryAcquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, reacquired)
}

func TestLocker_Redis_ReleaseAfterExpiryAndReacquisitionIsRejected(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := NewLocker(rdb)
	ctx := context.Background()

	held, err := l.TryAcquire(ctx, "key-1", time.Second)
	require.NoError(t, err)

	// Simulate the lease expiring and a different holder re-acquiring it.
	srv.FastForward(2 * time.Second)
	reacquired, err := l.TryAcquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reacquired)

	// The original holder's compare-and-delete must not clobber the new one.
	assert.ErrorIs(t, held.Release(ctx), ErrNotHeld)
}

func TestLocker_Redis_ExtendRefreshesTTL(t *testing.T) {
	l := newMiniredisLocker(t)
	ctx := context.Background()

	held, err := l.TryAcquire(ctx, "key-1", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, held.Extend(ctx, time.Minute))
}

func TestLocker_Redis_ExtendFailsWhenNotHeld(t *testing.T) {
	l := newMiniredisLocker(t)
	ctx := context.Background()

	held, err := l.TryAcquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))

	assert.ErrorIs(t, held.Extend(ctx, time.Minute), ErrNotHeld)
}
