// Package transferstore persists transfer records and their audit history.
// Every update is a compare-and-set on the record version.
package transferstore

import (
	"context"
	"errors"
	"time"

	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

var (
	// ErrNotFound is returned when no record exists for a transfer id
	ErrNotFound = errors.New("transfer not found")
	// ErrConflict is returned when a transfer id is reused for a different intent
	ErrConflict = errors.New("transfer id already used for a different intent")
	// ErrStale is returned when a compare-and-set update loses to a concurrent writer
	ErrStale = errors.New("transfer record was modified concurrently")
)

// Store is the durable home of transfer records
type Store interface {
	// Create inserts a new record. If the id exists with the same intent the
	// existing record is returned with created=false.
	Create(ctx context.Context, rec *transfer.Record) (existing *transfer.Record, created bool, err error)
	// Get returns the record for id
	Get(ctx context.Context, id string) (*transfer.Record, error)
	// Update persists rec if its version is still current and appends the
	// events in the same transaction. On success rec.Version is advanced.
	Update(ctx context.Context, rec *transfer.Record, events []transfer.Event, opts ...UpdateOption) error
	// ListStale returns non-terminal records not updated since before
	ListStale(ctx context.Context, before time.Time, limit int) ([]*transfer.Record, error)
	// History returns the audit events of a transfer in order
	History(ctx context.Context, id string) ([]transfer.Event, error)
}

// UpdateOptions are extra conditions an update must satisfy
type UpdateOptions struct {
	UnpinnedLegs []transfer.LegKind
}

// UpdateOption is a functional option for updates
type UpdateOption func(*UpdateOptions)

// WithUnpinnedLeg requires that no transaction is pinned on the stored leg
func WithUnpinnedLeg(kind transfer.LegKind) UpdateOption {
	return func(opts *UpdateOptions) {
		opts.UnpinnedLegs = append(opts.UnpinnedLegs, kind)
	}
}

func buildOptions(opts []UpdateOption) *UpdateOptions {
	options := &UpdateOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
