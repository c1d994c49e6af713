package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webimporter/internal/jobs"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 2)}
	var running atomic.Int32
	runner := runnerFunc(func(ctx context.Context) {
		running.Add(1)
		_, _ = queue.Dequeue(ctx)
	})
	dispatch := New(queue, []Runner{runner, runner})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	dispatch := New(&errorQueue{err: errors.New("boom")}, nil)
	err := dispatch.Enqueue(context.Background(), jobs.QueueItem{JobID: "job"})
	require.EqualError(t, err, "queue enqueue: boom")
}

type runnerFunc func(ctx context.Context)

func (f runnerFunc) Run(ctx context.Context) { f(ctx) }

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(context.Context, jobs.QueueItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (jobs.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return jobs.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, jobs.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (jobs.QueueItem, error) {
	return jobs.QueueItem{}, nil
}
