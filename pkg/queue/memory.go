package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryTask struct {
	Task
	lockedUntil time.Time
}

// MemoryQueue is an in-memory Queue and Leaser (for testing)
type MemoryQueue struct {
	mu     sync.Mutex
	now    func() time.Time
	tasks  map[uuid.UUID]*memoryTask
	byID   map[string]uuid.UUID
	leases map[string]memoryLease
}

type memoryLease struct {
	holder    string
	expiresAt time.Time
}

var (
	_ Queue  = (*MemoryQueue)(nil)
	_ Leaser = (*MemoryQueue)(nil)
)

// MemoryOption configures a MemoryQueue
type MemoryOption func(*MemoryQueue)

// WithClock overrides the queue's time source
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		now:    time.Now,
		tasks:  make(map[uuid.UUID]*memoryTask),
		byID:   make(map[string]uuid.UUID),
		leases: make(map[string]memoryLease),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue implements Queue
func (q *MemoryQueue) Enqueue(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[task.TransferID]; exists {
		return nil
	}
	task.LockedBy = ""
	q.tasks[task.ID] = &memoryTask{Task: task}
	q.byID[task.TransferID] = task.ID
	return nil
}

// Dequeue implements Queue
func (q *MemoryQueue) Dequeue(_ context.Context, name Name, worker string, visibility time.Duration) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next *memoryTask
	for _, t := range q.tasks {
		if t.Queue != name || t.RunAt.After(now) || t.lockedUntil.After(now) {
			continue
		}
		if next == nil || t.RunAt.Before(next.RunAt) {
			next = t
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Attempts++
	next.LockedBy = worker
	next.lockedUntil = now.Add(visibility)
	claimed := next.Task
	return &claimed, nil
}

func (q *MemoryQueue) owned(task *Task) (*memoryTask, error) {
	t, ok := q.tasks[task.ID]
	if !ok || t.LockedBy != task.LockedBy {
		return nil, ErrLockLost
	}
	return t, nil
}

// Reschedule implements Queue
func (q *MemoryQueue) Reschedule(_ context.Context, task *Task, name Name, kind string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.owned(task)
	if err != nil {
		return err
	}
	if t.Queue != name || t.Kind != kind {
		t.Attempts = 0
	}
	t.Queue = name
	t.Kind = kind
	t.RunAt = runAt
	t.LockedBy = ""
	t.lockedUntil = time.Time{}
	return nil
}

// Defer implements Queue
func (q *MemoryQueue) Defer(_ context.Context, task *Task, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.owned(task)
	if err != nil {
		return err
	}
	t.Attempts = max(t.Attempts-1, 0)
	t.RunAt = runAt
	t.LockedBy = ""
	t.lockedUntil = time.Time{}
	return nil
}

// Complete implements Queue
func (q *MemoryQueue) Complete(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.owned(task)
	if err != nil {
		return err
	}
	delete(q.tasks, t.ID)
	delete(q.byID, t.TransferID)
	return nil
}

// Depth implements Queue
func (q *MemoryQueue) Depth(_ context.Context, name Name) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, t := range q.tasks {
		if t.Queue == name {
			n++
		}
	}
	return n, nil
}

// Pending returns the task for a transfer, if any (for testing)
func (q *MemoryQueue) Pending(transferID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.byID[transferID]
	if !ok {
		return Task{}, false
	}
	return q.tasks[id].Task, true
}

// Acquire implements Leaser
func (q *MemoryQueue) Acquire(_ context.Context, transferID, holder string, ttl time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if l, ok := q.leases[transferID]; ok && l.holder != holder && l.expiresAt.After(now) {
		return false, nil
	}
	q.leases[transferID] = memoryLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release implements Leaser
func (q *MemoryQueue) Release(_ context.Context, transferID, holder string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l, ok := q.leases[transferID]; ok && l.holder == holder {
		delete(q.leases, transferID)
	}
	return nil
}
