package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ojp-io/ojp/wire"
)

func TestWorkerPoolProcessesSubmittedTasks(t *testing.T) {
	var mu sync.Mutex
	seen := make([]string, 0)

	pool := NewWorkerPool(WorkerPoolConfig{WorkerCount: 2, QueueSize: 10}, func(ctx context.Context, task MessageTask) {
		mu.Lock()
		seen = append(seen, task.Envelope.Action)
		mu.Unlock()
	})
	pool.Start()
	defer pool.Stop()

	require.True(t, pool.SubmitTask(MessageTask{Envelope: wire.Envelope{Action: "executeQuery"}}))
	require.True(t, pool.SubmitTask(MessageTask{Envelope: wire.Envelope{Action: "executeUpdate"}}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerPoolSubmitFailsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewWorkerPool(WorkerPoolConfig{WorkerCount: 1, QueueSize: 1}, func(ctx context.Context, task MessageTask) {
		<-block
	})
	pool.Start()
	defer func() {
		close(block)
		pool.Stop()
	}()

	require.True(t, pool.SubmitTask(MessageTask{}))
	require.Eventually(t, func() bool {
		return pool.GetStats().QueueDepth == 0
	}, time.Second, time.Millisecond, "the worker takes the first task off the queue")
	require.True(t, pool.SubmitTask(MessageTask{}))

	require.Eventually(t, func() bool {
		return !pool.SubmitTask(MessageTask{})
	}, time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, pool.GetStats().TasksDropped, int64(1))
}

func TestWorkerPoolRecoversFromPanicAndReplies(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{WorkerCount: 1, QueueSize: 1}, func(ctx context.Context, task MessageTask) {
		panic("boom")
	})
	pool.Start()
	defer pool.Stop()

	replied := make(chan wire.OpResult, 1)
	pool.SubmitTask(MessageTask{
		Envelope: wire.Envelope{Action: "executeQuery"},
		Reply: func(corrID, replyTo string, result wire.OpResult, final bool) {
			replied <- result
		},
	})

	select {
	case res := <-replied:
		require.NotNil(t, res.Error)
		assert.Equal(t, "InternalError", res.Error.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for panic reply")
	}

	assert.Equal(t, int64(1), pool.GetStats().PanicsRecovered)
}
