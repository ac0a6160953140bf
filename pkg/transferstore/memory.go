package transferstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

// MemoryStore is an in-memory Store (for testing)
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*transfer.Record
	events  map[string][]transfer.Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*transfer.Record),
		events:  make(map[string][]transfer.Event),
	}
}

// Create implements Store
func (s *MemoryStore) Create(_ context.Context, rec *transfer.Record) (*transfer.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.TransferID]; ok {
		if !existing.SameAs(rec.Intent) {
			return existing.Clone(), false, ErrConflict
		}
		return existing.Clone(), false, nil
	}
	s.records[rec.TransferID] = rec.Clone()
	s.events[rec.TransferID] = append(s.events[rec.TransferID],
		transfer.Event{TransferID: rec.TransferID, To: rec.State, At: rec.UpdatedAt})
	return rec, true, nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, id string) (*transfer.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Update implements Store
func (s *MemoryStore) Update(_ context.Context, rec *transfer.Record, events []transfer.Event, opts ...UpdateOption) error {
	options := buildOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.TransferID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != rec.Version {
		return ErrStale
	}
	for _, kind := range options.UnpinnedLegs {
		if current.Leg(kind).TxHash != nil {
			return ErrStale
		}
	}

	rec.Version++
	s.records[rec.TransferID] = rec.Clone()
	s.events[rec.TransferID] = append(s.events[rec.TransferID], events...)
	return nil
}

// ListStale implements Store
func (s *MemoryStore) ListStale(_ context.Context, before time.Time, limit int) ([]*transfer.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*transfer.Record
	for _, rec := range s.records {
		if !rec.State.Terminal() && rec.UpdatedAt.Before(before) {
			stale = append(stale, rec.Clone())
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// History implements Store
func (s *MemoryStore) History(_ context.Context, id string) ([]transfer.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transfer.Event(nil), s.events[id]...), nil
}
