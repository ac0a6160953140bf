package nonce

import (
	"context"
	"sort"
	"sync"
)

// Key identifies one nonce sequence
type Key struct {
	Signer string
	Chain  string
}

// Gap is an allocated nonce that its original owner will never get mined.
// Broadcast gaps had a transaction sent with the nonce, signed with FeeBumps
// fee bumps, so only a replacement priced above it can consume the nonce.
type Gap struct {
	Key
	Nonce     uint64
	Broadcast bool
	FeeBumps  int
}

// Store persists nonce counters and reclaimable gaps
type Store interface {
	// TakeGap removes and returns the lowest gap for key that was never broadcast
	TakeGap(ctx context.Context, key Key) (uint64, bool, error)
	// Increment allocates max(next, floor) for key and advances the counter past it
	Increment(ctx context.Context, key Key, floor uint64) (uint64, error)
	// Exists reports whether a counter has been created for key
	Exists(ctx context.Context, key Key) (bool, error)
	// Rollback moves the counter from nonce+1 back to nonce. It reports false
	// when a later nonce has already been handed out.
	Rollback(ctx context.Context, key Key, nonce uint64) (bool, error)
	// AddGap records a gap, overwriting any existing gap at the same nonce
	AddGap(ctx context.Context, gap Gap) error
	// DeleteGap forgets a gap
	DeleteGap(ctx context.Context, key Key, nonce uint64) error
	// ReplacementGaps lists every open gap, ordered by nonce within a sequence
	ReplacementGaps(ctx context.Context) ([]Gap, error)
	// Resync raises the counter to at least onChain and drops gaps below it
	Resync(ctx context.Context, key Key, onChain uint64) error
}

type memoryCounter struct {
	next uint64
	gaps map[uint64]Gap
}

// MemoryStore is an in-memory Store (for testing)
type MemoryStore struct {
	mu       sync.Mutex
	counters map[Key]*memoryCounter
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[Key]*memoryCounter)}
}

func (s *MemoryStore) counter(key Key) *memoryCounter {
	c, ok := s.counters[key]
	if !ok {
		c = &memoryCounter{gaps: make(map[uint64]Gap)}
		s.counters[key] = c
	}
	return c
}

// TakeGap implements Store
func (s *MemoryStore) TakeGap(_ context.Context, key Key) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		return 0, false, nil
	}
	var (
		lowest uint64
		found  bool
	)
	for n, gap := range c.gaps {
		if gap.Broadcast {
			continue
		}
		if !found || n < lowest {
			lowest, found = n, true
		}
	}
	if found {
		delete(c.gaps, lowest)
	}
	return lowest, found, nil
}

// Increment implements Store
func (s *MemoryStore) Increment(_ context.Context, key Key, floor uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counter(key)
	n := max(c.next, floor)
	c.next = n + 1
	return n, nil
}

// Exists implements Store
func (s *MemoryStore) Exists(_ context.Context, key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.counters[key]
	return ok, nil
}

// Rollback implements Store
func (s *MemoryStore) Rollback(_ context.Context, key Key, nonce uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || c.next != nonce+1 {
		return false, nil
	}
	c.next = nonce
	return true, nil
}

// AddGap implements Store
func (s *MemoryStore) AddGap(_ context.Context, gap Gap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter(gap.Key).gaps[gap.Nonce] = gap
	return nil
}

// DeleteGap implements Store
func (s *MemoryStore) DeleteGap(_ context.Context, key Key, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[key]; ok {
		delete(c.gaps, nonce)
	}
	return nil
}

// ReplacementGaps implements Store
func (s *MemoryStore) ReplacementGaps(_ context.Context) ([]Gap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gaps []Gap
	for _, c := range s.counters {
		for _, gap := range c.gaps {
			gaps = append(gaps, gap)
		}
	}
	sort.Slice(gaps, func(i, j int) bool {
		switch {
		case gaps[i].Chain != gaps[j].Chain:
			return gaps[i].Chain < gaps[j].Chain
		case gaps[i].Signer != gaps[j].Signer:
			return gaps[i].Signer < gaps[j].Signer
		}
		return gaps[i].Nonce < gaps[j].Nonce
	})
	return gaps, nil
}

// Resync implements Store
func (s *MemoryStore) Resync(_ context.Context, key Key, onChain uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counter(key)
	c.next = max(c.next, onChain)
	for n := range c.gaps {
		if n < onChain {
			delete(c.gaps, n)
		}
	}
	return nil
}

// Next returns the counter value for key (for testing)
func (s *MemoryStore) Next(key Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[key]; ok {
		return c.next
	}
	return 0
}
