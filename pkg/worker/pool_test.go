package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	id   int
	slow bool
	fail bool
}

func countingProcessor(processed, failed *int64) func(context.Context, testItem) error {
	return func(_ context.Context, item testItem) error {
		if item.slow {
			time.Sleep(200 * time.Millisecond)
		}
		if item.fail {
			atomic.AddInt64(failed, 1)
			return errors.New("processing failed")
		}
		atomic.AddInt64(processed, 1)
		return nil
	}
}

func TestNewPoolDefaults(t *testing.T) {
	noop := func(context.Context, testItem) error { return nil }

	pool := NewPool(0, 0, noop)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	pool = NewPool(3, 50, noop)
	assert.Equal(t, 3, pool.workers)
	assert.Equal(t, 50, pool.queueSize)

	assert.PanicsWithError(t, ErrNilProcessor.Error(), func() {
		NewPool[testItem](3, 50, nil)
	})
}

func TestPoolLifecycleSentinels(t *testing.T) {
	pool := NewPool(2, 10, func(context.Context, testItem) error { return nil })

	assert.ErrorIs(t, pool.Submit(testItem{id: 1}), ErrPoolNotStarted)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	require.NoError(t, pool.Stop(5*time.Second))
	assert.ErrorIs(t, pool.Submit(testItem{id: 2}), ErrPoolStopped)
}

func TestPoolProcessesAndCountsFailures(t *testing.T) {
	var processed, failed int64
	pool := NewPool(2, 20, countingProcessor(&processed, &failed))

	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(testItem{id: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int64(5), atomic.LoadInt64(&processed))
	assert.Equal(t, int64(5), atomic.LoadInt64(&failed))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	var processed, failed int64
	pool := NewPool(1, 2, countingProcessor(&processed, &failed))

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(5 * time.Second)

	accepted, dropped := 0, 0
	for i := 0; i < 6; i++ {
		err := pool.Submit(testItem{id: i, slow: true})
		if err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			dropped++
			continue
		}
		accepted++
	}

	assert.Positive(t, accepted)
	assert.Positive(t, dropped)
	assert.Equal(t, int64(dropped), pool.Stats().Dropped)
}

func TestPoolConcurrentSubmit(t *testing.T) {
	var processed, failed int64
	pool := NewPool(4, 200, countingProcessor(&processed, &failed))

	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, pool.Submit(testItem{id: base + i}))
			}
		}(g * 10)
	}
	wg.Wait()

	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(100), atomic.LoadInt64(&processed))
}

func TestPoolStopTimeout(t *testing.T) {
	started := make(chan struct{})
	pool := NewPool(1, 10, func(ctx context.Context, _ testItem) error {
		close(started)
		select {
		case <-time.After(10 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testItem{id: 1}))

	<-started
	assert.ErrorIs(t, pool.Stop(50*time.Millisecond), ErrStopTimeout)
}
