package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chainsafe/transfer-relay/pkg/config"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		TransferWorkers:    2,
		BidWorkers:         1,
		TransactionWorkers: 2,
		PollInterval:       5 * time.Millisecond,
		VisibilityTimeout:  time.Minute,
		LeaseTTL:           time.Minute,
		LeaseRetryDelay:    time.Second,
	}
}

func newTestDispatcher(q *MemoryQueue, c *clock) *Dispatcher {
	d := NewDispatcher(q, q, testQueueConfig(), zap.NewNop())
	d.now = c.Now
	return d
}

func TestMemoryQueue_EnqueueIsIdempotentPerTransfer(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Enqueue(ctx, NewTask(Transfers, "t-1", "validate", time.Now())))
	require.NoError(t, q.Enqueue(ctx, NewTask(Transactions, "t-1", "poll", time.Now())))

	n, err := q.Depth(ctx, Transfers)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = q.Depth(ctx, Transactions)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryQueue_DequeueHonoursRunAtAndVisibility(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(WithClock(c.Now))

	require.NoError(t, q.Enqueue(ctx, NewTask(Transactions, "t-1", "poll", c.Now().Add(10*time.Second))))

	task, err := q.Dequeue(ctx, Transactions, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task, "task is not due yet")

	c.Advance(10 * time.Second)
	task, err = q.Dequeue(ctx, Transactions, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 1, task.Attempts)

	again, err := q.Dequeue(ctx, Transactions, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again, "claimed task is invisible")

	// the first worker crashed; the task reappears after the visibility timeout
	c.Advance(time.Minute + time.Second)
	again, err = q.Dequeue(ctx, Transactions, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)

	assert.ErrorIs(t, q.Complete(ctx, task), ErrLockLost)
	assert.NoError(t, q.Complete(ctx, again))
}

func TestProcessNext_DoneCompletesTask(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	q := NewMemoryQueue(WithClock(c.Now))
	d := newTestDispatcher(q, c)

	require.NoError(t, q.Enqueue(ctx, NewTask(Transfers, "t-1", "validate", c.Now())))

	handled, err := d.ProcessNext(ctx, Transfers, "w", HandlerFunc(func(context.Context, Task) (Result, error) {
		return Done(), nil
	}))
	require.NoError(t, err)
	assert.True(t, handled)

	_, pending := q.Pending("t-1")
	assert.False(t, pending)
}

func TestProcessNext_NextMovesTask(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	q := NewMemoryQueue(WithClock(c.Now))
	d := newTestDispatcher(q, c)

	require.NoError(t, q.Enqueue(ctx, NewTask(Transfers, "t-1", "validate", c.Now())))

	_, err := d.ProcessNext(ctx, Transfers, "w", HandlerFunc(func(context.Context, Task) (Result, error) {
		return Next(Transactions, "submit", 3*time.Second), nil
	}))
	require.NoError(t, err)

	task, ok := q.Pending("t-1")
	require.True(t, ok)
	assert.Equal(t, Transactions, task.Queue)
	assert.Equal(t, "submit", task.Kind)
	assert.Equal(t, c.Now().Add(3*time.Second), task.RunAt)
	assert.Zero(t, task.Attempts)
	assert.Empty(t, task.LockedBy)
}

func TestProcessNext_HandlerErrorRetriesSameStep(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	q := NewMemoryQueue(WithClock(c.Now))
	d := newTestDispatcher(q, c)

	require.NoError(t, q.Enqueue(ctx, NewTask(Transactions, "t-1", "poll", c.Now())))

	handled, err := d.ProcessNext(ctx, Transactions, "w", HandlerFunc(func(context.Context, Task) (Result, error) {
		return Result{}, errors.New("store unavailable")
	}))
	require.NoError(t, err)
	assert.True(t, handled)

	task, ok := q.Pending("t-1")
	require.True(t, ok)
	assert.Equal(t, Transactions, task.Queue)
	assert.Equal(t, "poll", task.Kind)
	assert.Equal(t, c.Now().Add(errorRetryDelay), task.RunAt)
	assert.Zero(t, task.Attempts, "a handler error is not a step attempt")
}

func TestProcessNext_DeferralsKeepAttempts(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	q := NewMemoryQueue(WithClock(c.Now))
	d := newTestDispatcher(q, c)

	require.NoError(t, q.Enqueue(ctx, NewTask(Transactions, "t-1", "poll/retry", c.Now())))
	again := HandlerFunc(func(context.Context, Task) (Result, error) {
		return Next(Transactions, "poll/retry", 0), nil
	})
	for i := 0; i < 2; i++ {
		_, err := d.ProcessNext(ctx, Transactions, "w", again)
		require.NoError(t, err)
	}
	task, ok := q.Pending("t-1")
	require.True(t, ok)
	require.Equal(t, 2, task.Attempts)

	// lease contention and handler errors leave the count alone
	ok, err := q.Acquire(ctx, "t-1", "other-worker", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = d.ProcessNext(ctx, Transactions, "w", again)
	require.NoError(t, err)

	c.Advance(2 * time.Second)
	_, err = d.ProcessNext(ctx, Transactions, "w", HandlerFunc(func(context.Context, Task) (Result, error) {
		return Result{}, errors.New("store unavailable")
	}))
	require.NoError(t, err)

	task, ok = q.Pending("t-1")
	require.True(t, ok)
	assert.Equal(t, 2, task.Attempts)

	c.Advance(errorRetryDelay)
	var seen int
	_, err = d.ProcessNext(ctx, Transactions, "w", HandlerFunc(func(_ context.Context, task Task) (Result, error) {
		seen = task.Attempts
		return Done(), nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, seen)
}

type failingLeaser struct{ err error }

func (l failingLeaser) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, l.err
}

func (failingLeaser) Release(context.Context, string, string) error { return nil }

// lostLockQueue rejects every bookkeeping update on a claimed task
type lostLockQueue struct {
	*MemoryQueue
}

func (lostLockQueue) Defer(context.Context, *Task, time.Time) error { return ErrLockLost }

func TestProcessNext_LeaseErrorDefersTask(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	q := NewMemoryQueue(WithClock(c.Now))
	d := NewDispatcher(q, failingLeaser{err: errors.New("connection reset")}, testQueueConfig(), zap.NewNop())
	d.now = c.Now

	require.NoError(t, q.Enqueue(ctx, NewTask(Transactions, "t-1", "poll", c.Now())))
	handled, err := d.ProcessNext(ctx, Transactions, "w", HandlerFunc(func(context.Context, Task) (Result, error) {
		t.Fatal("handler must not run without the lease")
		return Result{}, nil
	}))
	require.Error(t, err)
	assert.True(t, handled)

	task, ok := q.Pending("t-1")
	require.True(t, ok)
	assert.Equal(t, c.Now().Add(time.Second), task.RunAt)
	assert.Empty(t, task.LockedBy)
	assert.Zero(t, task.Attempts)
}

func TestProcessNext_LeaseErrorLogsDeferFailure(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	q := NewMemoryQueue(WithClock(c.Now))
	core, logs := observer.New(zap.WarnLevel)
	d := NewDispatcher(lostLockQueue{q}, failingLeaser{err: errors.New("connection reset")}, testQueueConfig(), zap.New(core))
	d.now = c.Now

	require.NoError(t, q.Enqueue(ctx, NewTask(Transactions, "t-1", "poll", c.Now())))
	_, err := d.ProcessNext(ctx, Transactions, "w", HandlerFunc(func(context.Context, Task) (Result, error) {
		return Done(), nil
	}))
	require.ErrorContains(t, err, "connection reset")

	entries := logs.FilterMessage("Failed to defer task").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "t-1", entries[0].ContextMap()["transfer_id"])
	assert.Equal(t, ErrLockLost.Error(), entries[0].ContextMap()["error"])
}

func TestProcessNext_LeaseBlocksConcurrentWorker(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	q := NewMemoryQueue(WithClock(c.Now))
	d := newTestDispatcher(q, c)

	ok, err := q.Acquire(ctx, "t-1", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Enqueue(ctx, NewTask(Transactions, "t-1", "poll", c.Now())))

	called := false
	handled, err := d.ProcessNext(ctx, Transactions, "w", HandlerFunc(func(context.Context, Task) (Result, error) {
		called = true
		return Done(), nil
	}))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.False(t, called)

	task, ok := q.Pending("t-1")
	require.True(t, ok)
	assert.Equal(t, c.Now().Add(time.Second), task.RunAt)

	// the lease expires and the task is handled
	c.Advance(time.Minute + time.Second)
	_, err = d.ProcessNext(ctx, Transactions, "w", HandlerFunc(func(context.Context, Task) (Result, error) {
		called = true
		return Done(), nil
	}))
	require.NoError(t, err)
	assert.True(t, called)
}

func TestMemoryQueue_LeaseReentrantForHolder(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	ok, err := q.Acquire(ctx, "t-1", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.Acquire(ctx, "t-1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Acquire(ctx, "t-1", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Release(ctx, "t-1", "b"))
	ok, _ = q.Acquire(ctx, "t-1", "b", time.Minute)
	assert.False(t, ok, "release by a non-holder is ignored")

	require.NoError(t, q.Release(ctx, "t-1", "a"))
	ok, _ = q.Acquire(ctx, "t-1", "b", time.Minute)
	assert.True(t, ok)
}

func TestDispatcher_RunDrainsQueues(t *testing.T) {
	q := NewMemoryQueue()
	d := NewDispatcher(q, q, testQueueConfig(), zap.NewNop())

	var validated, submitted atomic.Int32
	d.Register(Transfers, 2, HandlerFunc(func(context.Context, Task) (Result, error) {
		validated.Add(1)
		return Next(Transactions, "submit", 0), nil
	}))
	d.Register(Transactions, 2, HandlerFunc(func(context.Context, Task) (Result, error) {
		submitted.Add(1)
		return Done(), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"t-1", "t-2", "t-3", "t-4"} {
		require.NoError(t, q.Enqueue(ctx, NewTask(Transfers, id, "validate", time.Now())))
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return submitted.Load() == 4 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(4), validated.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
