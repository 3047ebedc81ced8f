package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBackend(client), mr
}

func TestRedisBackendAcquireRelease(t *testing.T) {
	ctx := context.Background()
	backend, _ := newTestRedisBackend(t)

	t.Run("second acquire is busy", func(t *testing.T) {
		fencing, stolen, err := backend.TryAcquire(ctx, testRelayer, "holder-1", time.Minute)
		require.NoError(t, err)
		require.False(t, stolen)
		require.Equal(t, uint64(1), fencing)

		_, _, err = backend.TryAcquire(ctx, testRelayer, "holder-2", time.Minute)
		require.ErrorIs(t, err, ErrBusy)
	})

	t.Run("release frees the key", func(t *testing.T) {
		require.NoError(t, backend.Release(ctx, testRelayer, 1))

		fencing, _, err := backend.TryAcquire(ctx, testRelayer, "holder-2", time.Minute)
		require.NoError(t, err)
		require.Equal(t, uint64(2), fencing)
	})

	t.Run("release of absent key is a no-op", func(t *testing.T) {
		require.NoError(t, backend.Release(ctx, testRelayer, 2))
		require.NoError(t, backend.Release(ctx, testRelayer, 2))
	})
}

func TestRedisBackendFencingMonotonic(t *testing.T) {
	ctx := context.Background()
	backend, _ := newTestRedisBackend(t)

	var last uint64
	for i := 0; i < 10; i++ {
		fencing, _, err := backend.TryAcquire(ctx, testRelayer, "holder", time.Minute)
		require.NoError(t, err)
		require.Greater(t, fencing, last)
		last = fencing
		require.NoError(t, backend.Release(ctx, testRelayer, fencing))
	}
}

func TestRedisBackendExpiredLease(t *testing.T) {
	ctx := context.Background()
	backend, mr := newTestRedisBackend(t)

	oldFencing, _, err := backend.TryAcquire(ctx, testRelayer, "crashed-holder", 50*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(100 * time.Millisecond)

	// redis expires the key server-side, so the relayer just looks free
	newFencing, stolen, err := backend.TryAcquire(ctx, testRelayer, "new-holder", time.Minute)
	require.NoError(t, err)
	require.False(t, stolen)
	require.Greater(t, newFencing, oldFencing)

	t.Run("stale renew fails", func(t *testing.T) {
		err := backend.Renew(ctx, testRelayer, oldFencing, time.Minute)
		require.ErrorIs(t, err, ErrLeaseExpired)
	})

	t.Run("stale release does not free the new lease", func(t *testing.T) {
		err := backend.Release(ctx, testRelayer, oldFencing)
		require.ErrorIs(t, err, ErrLeaseExpired)

		_, _, err = backend.TryAcquire(ctx, testRelayer, "third-holder", time.Minute)
		require.ErrorIs(t, err, ErrBusy)
	})

	t.Run("current fencing still renews", func(t *testing.T) {
		require.NoError(t, backend.Renew(ctx, testRelayer, newFencing, time.Minute))
	})
}

func TestRedisBackendRenewExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	backend, mr := newTestRedisBackend(t)

	fencing, _, err := backend.TryAcquire(ctx, testRelayer, "holder", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, backend.Renew(ctx, testRelayer, fencing, time.Minute))

	mr.FastForward(100 * time.Millisecond)

	_, _, err = backend.TryAcquire(ctx, testRelayer, "other", time.Minute)
	require.ErrorIs(t, err, ErrBusy)
}

func TestRedisBackendLocked(t *testing.T) {
	ctx := context.Background()
	backend, mr := newTestRedisBackend(t)

	other := common.HexToAddress("0x0000000000000000000000000000000000000aa2")
	_, _, err := backend.TryAcquire(ctx, testRelayer, "h", time.Minute)
	require.NoError(t, err)
	_, _, err = backend.TryAcquire(ctx, other, "h", 50*time.Millisecond)
	require.NoError(t, err)

	// foreign keys under the prefix are ignored
	require.NoError(t, mr.Set(lockKeyPrefix+"not-an-address", "1:h"))

	mr.FastForward(100 * time.Millisecond)

	locked, err := backend.Locked(ctx)
	require.NoError(t, err)
	require.Equal(t, []common.Address{testRelayer}, locked)
}
