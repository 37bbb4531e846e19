package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_BoundedConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var inFlight int64
	var violated atomic.Bool
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		err := pool.Submit(ctx, func(ctx context.Context) error {
			if atomic.AddInt64(&inFlight, 1) > 2 {
				violated.Store(true)
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.False(t, violated.Load(), "concurrency must never exceed pool size")
	m := pool.Metrics()
	assert.Equal(t, int64(8), m.Completed)
	assert.Equal(t, int64(2), m.HighWater)
	assert.LessOrEqual(t, m.HighWater, int64(pool.Size()))
}

func TestWorkerPool_HighWaterSingleTask(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		return nil
	}))
	pool.Wait()
	assert.Equal(t, int64(1), pool.Metrics().HighWater)
}

func TestWorkerPool_FailedAndPanicMetrics(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()
	ctx := context.Background()

	require.NoError(t, pool.Submit(ctx, func(ctx context.Context) error {
		return errors.New("nope")
	}))
	require.NoError(t, pool.Submit(ctx, func(ctx context.Context) error {
		panic("boom")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(0), m.Active)
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	pool.Wait()
}
