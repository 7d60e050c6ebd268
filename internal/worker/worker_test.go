package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorpulse/internal/worker"
)

func TestWorkerPool_RunsAllJobs(t *testing.T) {
	pool := worker.NewPool(worker.Config{Workers: 3, QueueSize: 4})
	pool.Start()

	var done atomic.Int64
	for i := 0; i < 25; i++ {
		key := string(rune('a' + i%5))
		require.NoError(t, pool.Submit(context.Background(), key, func() error {
			done.Add(1)
			return nil
		}))
	}
	pool.Stop()

	assert.Equal(t, int64(25), done.Load())
	stats := pool.Stats()
	assert.Equal(t, uint64(25), stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestWorkerPool_SameKeyRunsInOrder(t *testing.T) {
	pool := worker.NewPool(worker.Config{Workers: 4, QueueSize: 2})
	pool.Start()

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 20; i++ {
		i := i
		require.NoError(t, pool.Submit(context.Background(), "measurement.TEMP-1", func() error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	pool.Stop()

	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestWorkerPool_FailuresAndPanics(t *testing.T) {
	pool := worker.NewPool(worker.Config{Workers: 1})
	pool.Start()

	ctx := context.Background()
	require.NoError(t, pool.Submit(ctx, "k", func() error { return errors.New("boom") }))
	require.NoError(t, pool.Submit(ctx, "k", func() error { panic("bad job") }))
	require.NoError(t, pool.Submit(ctx, "k", func() error { return nil }))
	pool.Stop()

	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Equal(t, uint64(2), stats.Failed)
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	pool := worker.NewPool(worker.Config{Workers: 1})
	pool.Start()
	pool.Stop()
	pool.Stop()

	err := pool.Submit(context.Background(), "k", func() error { return nil })
	assert.ErrorIs(t, err, worker.ErrPoolStopped)
}

func TestWorkerPool_SubmitHonoursContext(t *testing.T) {
	pool := worker.NewPool(worker.Config{Workers: 1, QueueSize: 1})
	pool.Start()

	release := make(chan struct{})
	ctx := context.Background()
	require.NoError(t, pool.Submit(ctx, "k", func() error { <-release; return nil }))
	require.NoError(t, pool.Submit(ctx, "k", func() error { return nil }))

	// the worker is busy and its queue is full
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(short, "k", func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Stop()
}

func TestWorkerPool_StopReleasesBlockedSubmit(t *testing.T) {
	pool := worker.NewPool(worker.Config{Workers: 1, QueueSize: 1})
	pool.Start()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "k", func() error {
		close(started)
		<-release
		return nil
	}))
	<-started

	var drained atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), "k", func() error {
		drained.Store(true)
		return nil
	}))

	// the queue is full, so this submit blocks
	blocked := make(chan error, 1)
	go func() {
		blocked <- pool.Submit(context.Background(), "k", func() error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, worker.ErrPoolStopped)
	case <-time.After(time.Second):
		t.Fatal("blocked submit was not released by Stop")
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
	assert.True(t, drained.Load(), "queued job runs before stop returns")
}
