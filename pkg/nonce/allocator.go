// Package nonce allocates transaction nonces per (signer, chain).
//
// Nonces are handed out from a durable counter that only moves forward,
// except for an explicit rollback of the most recent allocation. Any other
// released nonce is consumed at once by a replacement transaction. When that
// fails it is recorded as a gap for the replacement sweep, and gaps that were
// never broadcast are also handed out again before the counter advances.
package nonce

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/internal/metrics"
)

// Outcome tells the allocator what happened to an allocated nonce
type Outcome int

const (
	// OutcomeBroadcast means the nonce reached the chain. Nothing to reclaim.
	OutcomeBroadcast Outcome = iota
	// OutcomePermanentlyFailed means no transaction was ever broadcast with the nonce
	OutcomePermanentlyFailed
	// OutcomeAbandoned means a transaction was broadcast but will not be
	// confirmed, so the nonce must be consumed by a replacement.
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBroadcast:
		return "broadcast"
	case OutcomePermanentlyFailed:
		return "permanently_failed"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Seeder reports the next nonce the chain expects from a signer.
// It seeds counters that have never been used.
type Seeder interface {
	OnChainNonce(ctx context.Context, signer, chain string) (uint64, error)
}

// Replacer consumes a nonce with a transaction that has no effect. The
// replacement must outbid a transaction signed with displacedBumps fee bumps.
type Replacer interface {
	Replace(ctx context.Context, signer, chain string, nonce uint64, displacedBumps int) error
}

// Allocator hands out nonces from a Store
type Allocator struct {
	store    Store
	seeder   Seeder
	replacer Replacer
	logger   *zap.Logger
}

// Option configures an Allocator
type Option func(*Allocator)

// WithSeeder seeds new counters from the chain
func WithSeeder(s Seeder) Option {
	return func(a *Allocator) { a.seeder = s }
}

// WithReplacer sets the replacer used for abandoned nonces
func WithReplacer(r Replacer) Option {
	return func(a *Allocator) { a.replacer = r }
}

// NewAllocator creates a new allocator
func NewAllocator(store Store, logger *zap.Logger, opts ...Option) *Allocator {
	a := &Allocator{store: store, logger: logger.Named("nonce")}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetReplacer sets the replacer after construction, for wiring where the
// replacer itself depends on the allocator.
func (a *Allocator) SetReplacer(r Replacer) { a.replacer = r }

// Allocate returns a nonce no other caller holds for (signer, chain)
func (a *Allocator) Allocate(ctx context.Context, signer, chain string) (uint64, error) {
	key := Key{Signer: signer, Chain: chain}

	n, ok, err := a.store.TakeGap(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to take nonce gap: %w", err)
	}
	if ok {
		metrics.NonceAllocations.WithLabelValues(chain, "gap").Inc()
		a.logger.Debug("Reusing nonce gap", zap.String("signer", signer), zap.String("chain", chain), zap.Uint64("nonce", n))
		return n, nil
	}

	floor, err := a.seed(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err = a.store.Increment(ctx, key, floor)
	if err != nil {
		return 0, fmt.Errorf("failed to increment nonce counter: %w", err)
	}
	metrics.NonceAllocations.WithLabelValues(chain, "counter").Inc()
	return n, nil
}

func (a *Allocator) seed(ctx context.Context, key Key) (uint64, error) {
	if a.seeder == nil {
		return 0, nil
	}
	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to check nonce counter: %w", err)
	}
	if exists {
		return 0, nil
	}
	n, err := a.seeder.OnChainNonce(ctx, key.Signer, key.Chain)
	if err != nil {
		return 0, fmt.Errorf("failed to seed nonce counter: %w", err)
	}
	a.logger.Info("Seeding nonce counter from chain",
		zap.String("signer", key.Signer), zap.String("chain", key.Chain), zap.Uint64("on_chain", n))
	return n, nil
}

// ReleaseOption describes the last transaction signed with a released nonce
type ReleaseOption func(*Gap)

// WithFeeBumps records the fee bump count of the last transaction signed
// with the nonce
func WithFeeBumps(n int) ReleaseOption {
	return func(g *Gap) { g.FeeBumps = max(n, 0) }
}

// Release returns an allocated nonce with its outcome
func (a *Allocator) Release(ctx context.Context, signer, chain string, nonce uint64, outcome Outcome, opts ...ReleaseOption) error {
	key := Key{Signer: signer, Chain: chain}
	metrics.NonceReleases.WithLabelValues(chain, outcome.String()).Inc()

	gap := Gap{Key: key, Nonce: nonce}
	for _, opt := range opts {
		opt(&gap)
	}

	switch outcome {
	case OutcomeBroadcast:
		return nil

	case OutcomePermanentlyFailed:
		rolledBack, err := a.store.Rollback(ctx, key, nonce)
		if err != nil {
			return fmt.Errorf("failed to roll back nonce: %w", err)
		}
		if rolledBack {
			a.logger.Debug("Rolled back nonce", zap.String("signer", signer), zap.String("chain", chain), zap.Uint64("nonce", nonce))
			return nil
		}
		// a later nonce may already be in a mempool behind this one
		gap.Broadcast, gap.FeeBumps = false, 0
		return a.fill(ctx, gap)

	case OutcomeAbandoned:
		gap.Broadcast = true
		return a.fill(ctx, gap)

	default:
		return fmt.Errorf("unknown nonce outcome %d", int(outcome))
	}
}

// fill consumes gap with a replacement, recording it for the sweep when the
// replacement cannot be sent now.
func (a *Allocator) fill(ctx context.Context, gap Gap) error {
	err := a.replace(ctx, gap)
	if err == nil {
		return nil
	}
	a.logger.Warn("Replacement failed, deferring to sweep",
		zap.String("signer", gap.Signer), zap.String("chain", gap.Chain), zap.Uint64("nonce", gap.Nonce),
		zap.Bool("broadcast", gap.Broadcast), zap.Error(err))
	if gerr := a.store.AddGap(ctx, gap); gerr != nil {
		return fmt.Errorf("failed to record nonce gap: %w", gerr)
	}
	return nil
}

func (a *Allocator) replace(ctx context.Context, gap Gap) error {
	if a.replacer == nil {
		return fmt.Errorf("no replacer configured")
	}
	return a.replacer.Replace(ctx, gap.Signer, gap.Chain, gap.Nonce, gap.FeeBumps)
}

// Resync raises the counter to the chain's view after a nonce conflict
func (a *Allocator) Resync(ctx context.Context, signer, chain string, onChain uint64) error {
	if err := a.store.Resync(ctx, Key{Signer: signer, Chain: chain}, onChain); err != nil {
		return fmt.Errorf("failed to resync nonce counter: %w", err)
	}
	a.logger.Info("Resynced nonce counter",
		zap.String("signer", signer), zap.String("chain", chain), zap.Uint64("on_chain", onChain))
	return nil
}

// SweepReplacements retries replacement transactions for recorded gaps and
// returns how many were filled.
func (a *Allocator) SweepReplacements(ctx context.Context) (int, error) {
	gaps, err := a.store.ReplacementGaps(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list nonce gaps: %w", err)
	}

	filled := 0
	for _, g := range gaps {
		if ctx.Err() != nil {
			return filled, ctx.Err()
		}
		if err := a.replace(ctx, g); err != nil {
			a.logger.Warn("Replacement still failing",
				zap.String("signer", g.Signer), zap.String("chain", g.Chain), zap.Uint64("nonce", g.Nonce), zap.Error(err))
			continue
		}
		if err := a.store.DeleteGap(ctx, g.Key, g.Nonce); err != nil {
			return filled, fmt.Errorf("failed to clear nonce gap: %w", err)
		}
		filled++
	}
	return filled, nil
}
