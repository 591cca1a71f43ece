package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

func TestRedisRoomLocker(t *testing.T) {
	s, client := setupRedis(t)
	locker := NewRedisRoomLocker(client, time.Second)
	ctx := context.Background()

	t.Run("LockAndUnlock", func(t *testing.T) {
		unlock, err := locker.Lock(ctx, "T101")
		require.NoError(t, err)
		assert.True(t, s.Exists("room_lock:T101"))

		unlock()
		assert.False(t, s.Exists("room_lock:T101"))

		// second call is a no-op
		unlock()
	})

	t.Run("HeldLockTimesOut", func(t *testing.T) {
		unlock, err := locker.Lock(ctx, "T102")
		require.NoError(t, err)
		defer unlock()

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(waitCtx, "T102")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("RoomsAreIndependent", func(t *testing.T) {
		unlockA, err := locker.Lock(ctx, "A1")
		require.NoError(t, err)
		defer unlockA()

		unlockB, err := locker.Lock(ctx, "B1")
		require.NoError(t, err)
		unlockB()
	})

	t.Run("ExpiredLeaseIsNotReleasedByOldHolder", func(t *testing.T) {
		unlock, err := locker.Lock(ctx, "T103")
		require.NoError(t, err)

		s.FastForward(2 * time.Second)
		require.False(t, s.Exists("room_lock:T103"))

		unlock2, err := locker.Lock(ctx, "T103")
		require.NoError(t, err)

		unlock()
		assert.True(t, s.Exists("room_lock:T103"))
		unlock2()
		assert.False(t, s.Exists("room_lock:T103"))
	})

	t.Run("MutualExclusion", func(t *testing.T) {
		var (
			wg     sync.WaitGroup
			inside atomic.Int32
			maxIn  atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := locker.Lock(ctx, "T200")
				if !assert.NoError(t, err) {
					return
				}
				n := inside.Add(1)
				for {
					cur := maxIn.Load()
					if n <= cur || maxIn.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxIn.Load())
	})

	t.Run("ConnectionFailure", func(t *testing.T) {
		broken := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		defer broken.Close()

		_, err := NewRedisRoomLocker(broken, time.Second).Lock(ctx, "T101")
		assert.Error(t, err)
	})

	t.Run("NilClient", func(t *testing.T) {
		_, err := NewRedisRoomLocker(nil, 0).Lock(ctx, "T101")
		assert.EqualError(t, err, "redis client is nil")
	})
}

func TestPingAndClose(t *testing.T) {
	_, client := setupRedis(t)
	assert.NoError(t, Ping(context.Background(), client))
	assert.Error(t, Ping(context.Background(), nil))
	assert.NoError(t, Close(nil))
}
