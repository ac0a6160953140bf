// Package queue implements the durable work queues that drive transfers.
//
// There are three queues: transfers (new intents), bids (bid re-checks) and
// transactions (submission, confirmation polling and retries). Each transfer
// has at most one pending task across all queues; a handler moves it between
// queues by returning the next step. Delivery is at least once. A per-transfer
// lease keeps two workers from handling the same transfer at once.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Name identifies a queue
type Name string

const (
	Transfers    Name = "transfers"
	Bids         Name = "bids"
	Transactions Name = "transactions"
)

// ErrLockLost is returned when a worker's claim on a task has expired and
// the task was taken by someone else.
var ErrLockLost = errors.New("task lock lost")

// Task is one unit of pending work for a transfer
type Task struct {
	ID         uuid.UUID
	Queue      Name
	TransferID string
	Kind       string
	RunAt      time.Time
	Attempts   int
	LockedBy   string
}

// NewTask creates a task that is due at runAt
func NewTask(q Name, transferID, kind string, runAt time.Time) Task {
	return Task{
		ID:         uuid.New(),
		Queue:      q,
		TransferID: transferID,
		Kind:       kind,
		RunAt:      runAt,
	}
}

// Queue stores tasks
type Queue interface {
	// Enqueue adds task unless the transfer already has one pending
	Enqueue(ctx context.Context, task Task) error
	// Dequeue claims the earliest due task on q for worker until the
	// visibility timeout passes. It returns nil when nothing is due.
	Dequeue(ctx context.Context, q Name, worker string, visibility time.Duration) (*Task, error)
	// Reschedule moves a claimed task to queue q as kind, due at runAt, and unlocks it
	Reschedule(ctx context.Context, task *Task, q Name, kind string, runAt time.Time) error
	// Defer unlocks a claimed task, due at runAt, without counting the claim
	// as an attempt
	Defer(ctx context.Context, task *Task, runAt time.Time) error
	// Complete removes a claimed task
	Complete(ctx context.Context, task *Task) error
	// Depth returns the number of tasks on q
	Depth(ctx context.Context, q Name) (int, error)
}

// Leaser grants exclusive, expiring ownership of a transfer
type Leaser interface {
	// Acquire takes the lease when it is free, expired or already held by holder
	Acquire(ctx context.Context, transferID, holder string, ttl time.Duration) (bool, error)
	// Release gives the lease up if holder still owns it
	Release(ctx context.Context, transferID, holder string) error
}

// Result is what a handler wants done with its task
type Result struct {
	Done  bool
	Queue Name
	Kind  string
	Delay time.Duration
}

// Done reports that the transfer needs no further work
func Done() Result { return Result{Done: true} }

// Next schedules the transfer's next step on q after delay
func Next(q Name, kind string, delay time.Duration) Result {
	return Result{Queue: q, Kind: kind, Delay: delay}
}

// Handler processes tasks of one queue
type Handler interface {
	Handle(ctx context.Context, task Task) (Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task Task) (Result, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, task Task) (Result, error) {
	return f(ctx, task)
}
