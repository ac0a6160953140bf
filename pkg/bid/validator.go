package bid

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

// ErrNoSnapshot is returned when no bid table is loaded yet.
// The transfer is not rejected, it is re-checked later.
var ErrNoSnapshot = errors.New("bid table not loaded")

// ValidationError is a terminal bid rejection carrying a stable reason code
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "bid validation failed: " + e.Reason
}

// Accepted is the bid a transfer was validated against.
// It is pinned to the transfer record.
type Accepted struct {
	Version    uint64
	MinFee     decimal.Decimal
	Generation uint64
}

// Validator checks an intent against a bid table snapshot.
// It has no side effects.
type Validator struct {
	chains map[string]struct{}
	now    func() time.Time
}

// Option configures a Validator
type Option func(*Validator)

// WithClock overrides the time source used for validity windows
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator returns a Validator that supports the given chain ids
func NewValidator(chains []string, opts ...Option) *Validator {
	v := &Validator{
		chains: make(map[string]struct{}, len(chains)),
		now:    time.Now,
	}
	for _, c := range chains {
		v.chains[c] = struct{}{}
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the checks in order and stops at the first failure:
//  1. the chain pair is supported
//  2. the referenced bid exists
//  3. the bid's validity window contains now
//  4. the offered fee covers the bid's minimum fee
func (v *Validator) Validate(snap *Snapshot, intent transfer.Intent) (Accepted, error) {
	if snap == nil {
		return Accepted{}, ErrNoSnapshot
	}

	pair := Pair{Source: intent.SourceChain, Destination: intent.DestinationChain}
	if !v.supports(pair) || !snap.HasPair(pair) {
		return Accepted{}, &ValidationError{Reason: transfer.ReasonUnsupportedChainPair}
	}

	b, ok := snap.Lookup(pair, intent.BidVersion)
	if !ok {
		return Accepted{}, &ValidationError{Reason: transfer.ReasonBidNotFound}
	}

	now := v.now()
	if now.Before(b.ValidFrom) {
		return Accepted{}, &ValidationError{Reason: transfer.ReasonBidNotYetValid}
	}
	if !b.Active(now) {
		return Accepted{}, &ValidationError{Reason: transfer.ReasonBidExpired}
	}

	if intent.Fee.LessThan(b.MinFee) {
		return Accepted{}, &ValidationError{Reason: transfer.ReasonFeeBelowMinimum}
	}

	return Accepted{Version: b.Version, MinFee: b.MinFee, Generation: snap.Generation}, nil
}

func (v *Validator) supports(p Pair) bool {
	if p.Source == p.Destination {
		return false
	}
	_, src := v.chains[p.Source]
	_, dst := v.chains[p.Destination]
	return src && dst
}

// String is used in log fields
func (a Accepted) String() string {
	return fmt.Sprintf("v%d(min_fee=%s)", a.Version, a.MinFee)
}
