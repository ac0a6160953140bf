// Package bid validates transfer intents against the published bid table.
package bid

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pair is a directed chain pair
type Pair struct {
	Source      string
	Destination string
}

// Bid is one fee schedule entry for a chain pair
type Bid struct {
	Pair       Pair
	Version    uint64
	MinFee     decimal.Decimal
	ValidFrom  time.Time
	ValidUntil time.Time
}

// Active reports whether now lies inside the bid's validity window
func (b Bid) Active(now time.Time) bool {
	return !now.Before(b.ValidFrom) && now.Before(b.ValidUntil)
}

// Snapshot is an immutable view of the bid table taken at load time.
// Every validation call works on exactly one snapshot.
type Snapshot struct {
	Generation uint64
	LoadedAt   time.Time
	bids       map[Pair]map[uint64]Bid
}

// NewSnapshot indexes bids by pair and version. Later duplicates win.
func NewSnapshot(generation uint64, loadedAt time.Time, bids []Bid) *Snapshot {
	s := &Snapshot{
		Generation: generation,
		LoadedAt:   loadedAt,
		bids:       make(map[Pair]map[uint64]Bid),
	}
	for _, b := range bids {
		versions, ok := s.bids[b.Pair]
		if !ok {
			versions = make(map[uint64]Bid)
			s.bids[b.Pair] = versions
		}
		versions[b.Version] = b
	}
	return s
}

// HasPair reports whether the table carries any bid for the pair
func (s *Snapshot) HasPair(p Pair) bool {
	_, ok := s.bids[p]
	return ok
}

// Lookup returns the bid for pair and version
func (s *Snapshot) Lookup(p Pair, version uint64) (Bid, bool) {
	b, ok := s.bids[p][version]
	return b, ok
}

// Len returns the number of bid entries in the snapshot
func (s *Snapshot) Len() int {
	n := 0
	for _, versions := range s.bids {
		n += len(versions)
	}
	return n
}

// Source supplies the current bid table snapshot.
// A nil snapshot means no table has been loaded yet.
type Source interface {
	Snapshot() *Snapshot
}

// StaticSource serves a fixed snapshot
type StaticSource struct {
	snap *Snapshot
}

// NewStaticSource returns a Source that always serves snap
func NewStaticSource(snap *Snapshot) *StaticSource {
	return &StaticSource{snap: snap}
}

// Snapshot implements Source
func (s *StaticSource) Snapshot() *Snapshot {
	return s.snap
}
