package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, opts Options) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client, opts), mr
}

func TestRedisConcurrentClaimsAreExclusive(t *testing.T) {
	r, _ := newTestRedis(t, noWait())

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		losers  atomic.Int32
	)

	for i := 0; i < 32; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, err := r.Acquire(context.Background(), "olt-1", "worker-"+string(rune('a'+i%26)), time.Minute)
			if err == nil {
				winners.Add(1)
				return
			}

			if errors.Is(err, model.ErrLeaseContention) {
				losers.Add(1)
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(31), losers.Load())
}

func TestRedisReleaseAndExpiry(t *testing.T) {
	r, mr := newTestRedis(t, noWait())
	ctx := context.Background()

	first, err := r.Acquire(ctx, "olt-1", "w1/0", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "w1/0", first.Holder)
	assert.True(t, mr.Exists(keyPrefix+"olt-1"))

	holder, held, err := r.Holder(ctx, "olt-1")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "w1/0", holder, "holder names may contain the token separator")

	_, err = r.Acquire(ctx, "olt-1", "w2/0", 30*time.Second)
	assert.True(t, errors.Is(err, model.ErrLeaseContention))

	mr.FastForward(31 * time.Second)

	_, held, err = r.Holder(ctx, "olt-1")
	require.NoError(t, err)
	assert.False(t, held)

	second, err := r.Acquire(ctx, "olt-1", "w2/0", 30*time.Second)
	require.NoError(t, err)

	// the expired holder releasing late must not drop the new lease
	require.NoError(t, r.Release(ctx, first))

	holder, held, err = r.Holder(ctx, "olt-1")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "w2/0", holder)

	require.NoError(t, r.Release(ctx, second))

	_, held, err = r.Holder(ctx, "olt-1")
	require.NoError(t, err)
	assert.False(t, held)

	assert.NoError(t, r.Release(ctx, nil))
}

func TestRedisBoundedWaitSucceedsAfterRelease(t *testing.T) {
	r, _ := newTestRedis(t, Options{AcquireWait: 2 * time.Second, RetryInterval: 5 * time.Millisecond})
	ctx := context.Background()

	first, err := r.Acquire(ctx, "olt-1", "w1", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = r.Release(ctx, first)
	}()

	second, err := r.Acquire(ctx, "olt-1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "w2", second.Holder)
}

func TestRedisUnavailable(t *testing.T) {
	r, mr := newTestRedis(t, noWait())
	ctx := context.Background()

	require.NoError(t, r.Ping(ctx))

	mr.Close()

	_, err := r.Acquire(ctx, "olt-1", "w1", time.Minute)
	require.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrLeaseContention), "a dead redis is not contention")
	assert.Error(t, r.Ping(ctx))
}
