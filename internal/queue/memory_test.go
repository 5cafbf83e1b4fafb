package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/stockpilot/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dequeueWithin(t *testing.T, b queue.Broker, d time.Duration) *queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	del, err := b.Dequeue(ctx)
	require.NoError(t, err)
	return del
}

func TestMemoryBroker_EnqueueDequeueAck(t *testing.T) {
	b := queue.NewMemoryBroker()
	ctx := context.Background()
	task := forecastTask()

	require.NoError(t, b.Enqueue(ctx, task))
	d := dequeueWithin(t, b, time.Second)
	assert.Equal(t, task, d.Task)
	assert.False(t, d.Redelivered)

	require.NoError(t, b.Ack(ctx, d))
	assert.Equal(t, 0, b.Pending())
}

func TestMemoryBroker_RejectsInvalidTask(t *testing.T) {
	b := queue.NewMemoryBroker()
	err := b.Enqueue(context.Background(), queue.Task{Kind: queue.KindForecast})
	assert.ErrorIs(t, err, queue.ErrInvalidTask)
}

func TestMemoryBroker_RedeliversUnackedAfterVisibilityTimeout(t *testing.T) {
	b := queue.NewMemoryBroker(queue.WithVisibilityTimeout(20 * time.Millisecond))
	ctx := context.Background()
	task := forecastTask()
	require.NoError(t, b.Enqueue(ctx, task))

	// First consumer "crashes" without settling.
	first := dequeueWithin(t, b, time.Second)

	second := dequeueWithin(t, b, time.Second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, task, second.Task)
	assert.True(t, second.Redelivered)

	require.NoError(t, b.Ack(ctx, second))
	assert.Equal(t, 0, b.Pending())
}

func TestMemoryBroker_RejectDeadLetters(t *testing.T) {
	b := queue.NewMemoryBroker()
	ctx := context.Background()
	task := forecastTask()
	require.NoError(t, b.Enqueue(ctx, task))

	d := dequeueWithin(t, b, time.Second)
	require.NoError(t, b.Reject(ctx, d, "boom"))

	dead := b.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, task, dead[0].Task)
	assert.Equal(t, "boom", dead[0].Reason)
	assert.Equal(t, 0, b.Pending())
}

func TestMemoryBroker_ReleaseRequeuesLater(t *testing.T) {
	b := queue.NewMemoryBroker(queue.WithReleaseDelay(10 * time.Millisecond))
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, forecastTask()))

	d := dequeueWithin(t, b, time.Second)
	require.NoError(t, b.Release(ctx, d))

	again := dequeueWithin(t, b, time.Second)
	assert.Equal(t, d.Task, again.Task)
	assert.True(t, again.Redelivered)
}

func TestMemoryBroker_DequeueHonoursContext(t *testing.T) {
	b := queue.NewMemoryBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBroker_Closed(t *testing.T) {
	b := queue.NewMemoryBroker()
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Enqueue(context.Background(), forecastTask()), queue.ErrClosed)
	_, err := b.Dequeue(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.ErrorIs(t, b.Ping(context.Background()), queue.ErrClosed)
}
