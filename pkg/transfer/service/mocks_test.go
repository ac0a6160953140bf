package service

import (
	"context"

	"github.com/chainsafe/transfer-relay/pkg/queue"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
	"github.com/chainsafe/transfer-relay/pkg/transferstore"
)

// MockService is a func-field Service for HTTP tests
type MockService struct {
	SubmitFunc  func(ctx context.Context, intent *transfer.Intent) (*SubmitResponse, error)
	StatusFunc  func(ctx context.Context, transferID string) (*StatusResponse, error)
	HistoryFunc func(ctx context.Context, transferID string) ([]EventResponse, error)
	CancelFunc  func(ctx context.Context, transferID string) (*StatusResponse, error)
}

func (m *MockService) Submit(ctx context.Context, intent *transfer.Intent) (*SubmitResponse, error) {
	return m.SubmitFunc(ctx, intent)
}

func (m *MockService) Status(ctx context.Context, transferID string) (*StatusResponse, error) {
	return m.StatusFunc(ctx, transferID)
}

func (m *MockService) History(ctx context.Context, transferID string) ([]EventResponse, error) {
	return m.HistoryFunc(ctx, transferID)
}

func (m *MockService) Cancel(ctx context.Context, transferID string) (*StatusResponse, error) {
	return m.CancelFunc(ctx, transferID)
}

// MockStore wraps a memory store and lets a test intercept updates
type MockStore struct {
	*transferstore.MemoryStore
	UpdateFunc func(ctx context.Context, rec *transfer.Record, events []transfer.Event, opts ...transferstore.UpdateOption) error
}

func (m *MockStore) Update(ctx context.Context, rec *transfer.Record, events []transfer.Event, opts ...transferstore.UpdateOption) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, rec, events, opts...)
	}
	return m.MemoryStore.Update(ctx, rec, events, opts...)
}

// MockEnqueuer records enqueued tasks
type MockEnqueuer struct {
	EnqueueFunc func(ctx context.Context, task queue.Task) error
	tasks       []queue.Task
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, task queue.Task) error {
	m.tasks = append(m.tasks, task)
	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(ctx, task)
	}
	return nil
}
