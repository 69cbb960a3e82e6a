package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T, workers int) *WorkerPool {
	p := NewWorkerPool(&Config{Name: "test", MaxWorkers: workers, QueueSize: 4, Logger: zap.NewNop()})
	t.Cleanup(func() { _ = p.Stop(time.Second) })
	return p
}

func TestRun_ReturnsTaskResult(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	require.NoError(t, p.Run(ctx, "ok", func(context.Context) error { return nil }))

	err := p.Run(ctx, "fail", func(context.Context) error { return fmt.Errorf("flush failed") })
	assert.EqualError(t, err, "flush failed")

	err = p.Run(ctx, "panic", func(context.Context) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.CompletedTasks)
	assert.Equal(t, uint64(2), stats.FailedTasks)
}

func TestRun_BoundsConcurrency(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	var running, peak int32
	done := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func(i int) {
			done <- p.Run(ctx, fmt.Sprintf("t%d", i), func(context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
		}(i)
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, <-done)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRun_AfterStop(t *testing.T) {
	p := NewWorkerPool(&Config{Name: "stopped", MaxWorkers: 1})
	require.NoError(t, p.Stop(time.Second))

	assert.Error(t, p.Run(context.Background(), "late", func(context.Context) error { return nil }))
	assert.Equal(t, uint64(1), p.Stats().RejectedTasks)
}
