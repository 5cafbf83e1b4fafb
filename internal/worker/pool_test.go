package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/stockpilot/internal/queue"
	"github.com/kiranshivaraju/stockpilot/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(kind queue.Kind) queue.Task {
	return queue.Task{Kind: kind, JobID: uuid.New(), CompanyID: uuid.New(), ProductID: uuid.New()}
}

func newPool(t *testing.T, b queue.Broker, concurrency int) *worker.Pool {
	t.Helper()
	p, err := worker.NewPool(b, worker.Config{
		Concurrency:     concurrency,
		TaskTimeout:     time.Second,
		ShutdownTimeout: time.Second,
		ErrorBackoff:    10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return p
}

// runPool starts the pool and returns a stop func that waits for Run to return.
func runPool(t *testing.T, p *worker.Pool) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestNewPool_InvalidConfig(t *testing.T) {
	_, err := worker.NewPool(queue.NewMemoryBroker(), worker.Config{Concurrency: 0}, nil)
	assert.Error(t, err)
}

func TestPool_DispatchesByKindAndAcks(t *testing.T) {
	b := queue.NewMemoryBroker()
	p := newPool(t, b, 2)

	var ingests, forecasts atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)
	p.Register(queue.KindIngestSales, worker.HandlerFunc(func(_ context.Context, _ queue.Task) error {
		ingests.Add(1)
		wg.Done()
		return nil
	}))
	p.Register(queue.KindForecast, worker.HandlerFunc(func(_ context.Context, _ queue.Task) error {
		forecasts.Add(1)
		wg.Done()
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, task(queue.KindIngestSales)))
	require.NoError(t, b.Enqueue(ctx, task(queue.KindForecast)))
	require.NoError(t, b.Enqueue(ctx, task(queue.KindForecast)))

	stop := runPool(t, p)
	wg.Wait()
	stop()

	assert.Equal(t, int32(1), ingests.Load())
	assert.Equal(t, int32(2), forecasts.Load())
	assert.Equal(t, int64(3), p.Metrics().Processed)
	assert.Equal(t, 0, b.Pending())
}

func TestPool_HandlerErrorRejects(t *testing.T) {
	b := queue.NewMemoryBroker()
	p := newPool(t, b, 1)

	done := make(chan struct{})
	p.Register(queue.KindForecast, worker.HandlerFunc(func(_ context.Context, _ queue.Task) error {
		defer close(done)
		return errors.New("model exploded")
	}))

	tk := task(queue.KindForecast)
	require.NoError(t, b.Enqueue(context.Background(), tk))

	stop := runPool(t, p)
	<-done
	require.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	dead := b.DeadLetters()
	assert.Equal(t, tk, dead[0].Task)
	assert.Equal(t, "model exploded", dead[0].Reason)
	assert.Equal(t, int64(1), p.Metrics().Failed)
}

func TestPool_PanicIsRecoveredAndRejected(t *testing.T) {
	b := queue.NewMemoryBroker()
	p := newPool(t, b, 1)

	p.Register(queue.KindForecast, worker.HandlerFunc(func(_ context.Context, _ queue.Task) error {
		panic("nil map")
	}))
	require.NoError(t, b.Enqueue(context.Background(), task(queue.KindForecast)))

	stop := runPool(t, p)
	require.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Contains(t, b.DeadLetters()[0].Reason, "nil map")
	assert.Equal(t, int64(1), p.Metrics().Panics)
}

func TestPool_UnknownKindIsRejected(t *testing.T) {
	b := queue.NewMemoryBroker()
	p := newPool(t, b, 1)
	require.NoError(t, b.Enqueue(context.Background(), task(queue.KindIngestSales)))

	stop := runPool(t, p)
	require.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Contains(t, b.DeadLetters()[0].Reason, "unknown task kind")
}

func TestPool_RetryLaterReleasesDelivery(t *testing.T) {
	b := queue.NewMemoryBroker(queue.WithReleaseDelay(10 * time.Millisecond))
	p := newPool(t, b, 1)

	var calls atomic.Int32
	p.Register(queue.KindForecast, worker.HandlerFunc(func(_ context.Context, _ queue.Task) error {
		if calls.Add(1) == 1 {
			return queue.ErrRetryLater
		}
		return nil
	}))
	require.NoError(t, b.Enqueue(context.Background(), task(queue.KindForecast)))

	stop := runPool(t, p)
	require.Eventually(t, func() bool { return p.Metrics().Processed == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), p.Metrics().Released)
	assert.Empty(t, b.DeadLetters())
}

func TestPool_RunsTasksConcurrently(t *testing.T) {
	b := queue.NewMemoryBroker()
	p := newPool(t, b, 3)

	release := make(chan struct{})
	var running, peak atomic.Int32
	p.Register(queue.KindForecast, worker.HandlerFunc(func(_ context.Context, _ queue.Task) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Enqueue(context.Background(), task(queue.KindForecast)))
	}

	stop := runPool(t, p)
	require.Eventually(t, func() bool { return peak.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return p.Metrics().Processed == 3 }, 2*time.Second, 5*time.Millisecond)
	stop()
}

func TestPool_ShutdownLetsInFlightTaskFinish(t *testing.T) {
	b := queue.NewMemoryBroker()
	p := newPool(t, b, 1)

	started := make(chan struct{})
	var finished atomic.Bool
	p.Register(queue.KindForecast, worker.HandlerFunc(func(ctx context.Context, _ queue.Task) error {
		close(started)
		select {
		case <-time.After(100 * time.Millisecond):
			finished.Store(true)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	require.NoError(t, b.Enqueue(context.Background(), task(queue.KindForecast)))

	stop := runPool(t, p)
	<-started
	stop()

	assert.True(t, finished.Load())
	assert.Equal(t, 0, b.Pending())
}
