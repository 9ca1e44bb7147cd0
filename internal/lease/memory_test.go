package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func noWait() Options {
	return Options{AcquireWait: 0, RetryInterval: time.Millisecond}
}

func TestMemoryConcurrentClaimsAreExclusive(t *testing.T) {
	m := NewMemory(noWait())

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		losers  atomic.Int32
	)

	for i := 0; i < 64; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, err := m.Acquire(context.Background(), "olt-1", "worker-"+string(rune('a'+i%26)), time.Minute)
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
	assert.Equal(t, int32(63), losers.Load())
}

func TestMemoryDifferentDevicesDoNotContend(t *testing.T) {
	m := NewMemory(noWait())

	_, err := m.Acquire(context.Background(), "olt-1", "w1", time.Minute)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "olt-2", "w1", time.Minute)
	require.NoError(t, err)
}

func TestMemoryExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(noWait()).WithClock(clock.Now)

	first, err := m.Acquire(context.Background(), "olt-1", "w1", 30*time.Second)
	require.NoError(t, err)

	holder, held, err := m.Holder(context.Background(), "olt-1")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "w1", holder)

	_, err = m.Acquire(context.Background(), "olt-1", "w2", 30*time.Second)
	assert.True(t, errors.Is(err, model.ErrLeaseContention))

	clock.Advance(31 * time.Second)

	_, held, err = m.Holder(context.Background(), "olt-1")
	require.NoError(t, err)
	assert.False(t, held)

	second, err := m.Acquire(context.Background(), "olt-1", "w2", 30*time.Second)
	require.NoError(t, err)

	// the expired holder releasing late must not drop the new lease
	require.NoError(t, m.Release(context.Background(), first))

	holder, held, err = m.Holder(context.Background(), "olt-1")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "w2", holder)

	require.NoError(t, m.Release(context.Background(), second))

	_, held, err = m.Holder(context.Background(), "olt-1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestMemoryBoundedWaitSucceedsAfterRelease(t *testing.T) {
	m := NewMemory(Options{AcquireWait: 2 * time.Second, RetryInterval: 5 * time.Millisecond})

	first, err := m.Acquire(context.Background(), "olt-1", "w1", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = m.Release(context.Background(), first)
	}()

	second, err := m.Acquire(context.Background(), "olt-1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "w2", second.Holder)
}

func TestMemoryBoundedWaitGivesUp(t *testing.T) {
	m := NewMemory(Options{AcquireWait: 50 * time.Millisecond, RetryInterval: 10 * time.Millisecond})

	_, err := m.Acquire(context.Background(), "olt-1", "w1", time.Minute)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(context.Background(), "olt-1", "w2", time.Minute)
	assert.True(t, errors.Is(err, model.ErrLeaseContention))
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemoryAcquireValidation(t *testing.T) {
	m := NewMemory(noWait())

	_, err := m.Acquire(context.Background(), "olt-1", "w1", 0)
	assert.True(t, errors.Is(err, ErrInvalidTTL))

	_, err = m.Acquire(context.Background(), "", "w1", time.Second)
	assert.Error(t, err)

	assert.NoError(t, m.Release(context.Background(), nil))
}

func TestHolderFromToken(t *testing.T) {
	assert.Equal(t, "worker/a", holderFromToken(newToken("worker/a")))
	assert.Equal(t, "plain", holderFromToken("plain"))
}
