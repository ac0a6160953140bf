// Package relayer drives transfer records through their lifecycle.
//
// The Orchestrator is the queue handler: every task is resolved against the
// persisted record, so redelivered or stale tasks are harmless. The Engine
// runs the dispatcher and the recovery sweep.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/internal/metrics"
	"github.com/chainsafe/transfer-relay/pkg/bid"
	"github.com/chainsafe/transfer-relay/pkg/chain"
	"github.com/chainsafe/transfer-relay/pkg/config"
	"github.com/chainsafe/transfer-relay/pkg/nonce"
	"github.com/chainsafe/transfer-relay/pkg/queue"
	"github.com/chainsafe/transfer-relay/pkg/submitter"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
	"github.com/chainsafe/transfer-relay/pkg/transferstore"
)

// NonceAllocator hands out and reclaims nonces per (signer, chain)
type NonceAllocator interface {
	Allocate(ctx context.Context, signer, chain string) (uint64, error)
	Release(ctx context.Context, signer, chain string, n uint64, outcome nonce.Outcome, opts ...nonce.ReleaseOption) error
	Resync(ctx context.Context, signer, chain string, onChain uint64) error
}

// TxSubmitter builds, broadcasts and tracks leg transactions
type TxSubmitter interface {
	Sign(ctx context.Context, rec *transfer.Record, kind transfer.LegKind, n uint64) (submitter.SubmitResult, error)
	Broadcast(ctx context.Context, leg *transfer.Leg) (string, error)
	Rebroadcast(ctx context.Context, leg *transfer.Leg) (string, error)
	Bump(ctx context.Context, rec *transfer.Record, kind transfer.LegKind) (submitter.SubmitResult, error)
	BroadcastBumped(ctx context.Context, leg *transfer.Leg) (string, error)
	Status(ctx context.Context, leg *transfer.Leg) (chain.TxStatus, error)
	AwaitConfirmation(ctx context.Context, leg *transfer.Leg) (submitter.Confirmation, error)
}

var errTimedOut = errors.New("confirmation timeout")

// Orchestrator applies lifecycle transitions to transfer records
type Orchestrator struct {
	store     transferstore.Store
	bids      bid.Source
	validator *bid.Validator
	nonces    NonceAllocator
	submitter TxSubmitter
	cfg       config.EngineConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(
	store transferstore.Store,
	bids bid.Source,
	validator *bid.Validator,
	nonces NonceAllocator,
	sub TxSubmitter,
	cfg config.EngineConfig,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:     store,
		bids:      bids,
		validator: validator,
		nonces:    nonces,
		submitter: sub,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		now:       time.Now,
	}
}

// WithClock overrides the time source (for testing)
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Handler returns the queue handler shared by all three queues
func (o *Orchestrator) Handler() queue.Handler {
	return queue.HandlerFunc(o.Handle)
}

// Handle runs the next step of the task's transfer
func (o *Orchestrator) Handle(ctx context.Context, task queue.Task) (queue.Result, error) {
	rec, err := o.store.Get(ctx, task.TransferID)
	if errors.Is(err, transferstore.ErrNotFound) {
		o.logger.Warn("Task for unknown transfer dropped", zap.String("transfer_id", task.TransferID))
		return queue.Done(), nil
	}
	if err != nil {
		return queue.Result{}, fmt.Errorf("failed to load transfer: %w", err)
	}

	q, kind, ok := StepFor(rec)
	if !ok {
		return queue.Done(), nil
	}
	if q == queue.Transfers && task.Queue == queue.Bids {
		q, kind = queue.Bids, task.Kind
	}
	if task.Queue != q {
		o.logger.Debug("Rerouting task",
			zap.String("transfer_id", rec.TransferID),
			zap.String("state", string(rec.State)),
			zap.String("from", string(task.Queue)),
			zap.String("to", string(q)))
		return queue.Next(q, kind, 0), nil
	}

	res, err := o.step(ctx, task, rec)
	if errors.Is(err, transferstore.ErrStale) {
		// Lost a race with another writer, rerun against the fresh record.
		o.logger.Debug("Transfer changed concurrently", zap.String("transfer_id", rec.TransferID))
		return queue.Next(task.Queue, task.Kind, 0), nil
	}
	return res, err
}

func (o *Orchestrator) step(ctx context.Context, task queue.Task, rec *transfer.Record) (queue.Result, error) {
	switch rec.State {
	case transfer.StateReceived:
		return o.validate(ctx, rec)
	case transfer.StateBidValidated:
		return o.submit(ctx, task, rec, transfer.LegSource)
	case transfer.StateSourceConfirmed:
		return o.submit(ctx, task, rec, transfer.LegDestination)
	case transfer.StateSourceSubmitted, transfer.StateDestinationSubmitted:
		return o.confirm(ctx, task, rec, rec.ActiveLeg())
	default:
		return queue.Done(), nil
	}
}

func (o *Orchestrator) validate(ctx context.Context, rec *transfer.Record) (queue.Result, error) {
	accepted, err := o.validator.Validate(o.bids.Snapshot(), rec.Intent)

	var verr *bid.ValidationError
	switch {
	case errors.Is(err, bid.ErrNoSnapshot):
		o.logger.Info("Bid table not loaded, rechecking later", zap.String("transfer_id", rec.TransferID))
		return queue.Next(queue.Bids, KindRecheckBid, o.cfg.BidRecheckDelay), nil

	case errors.As(err, &verr):
		next := rec.Clone()
		ev, err := next.Advance(transfer.StateRejected, verr.Reason, o.now())
		if err != nil {
			return queue.Result{}, err
		}
		if err := o.persist(ctx, next, ev); err != nil {
			return queue.Result{}, fmt.Errorf("failed to record rejection: %w", err)
		}
		o.logger.Info("Transfer rejected",
			zap.String("transfer_id", rec.TransferID),
			zap.String("reason", verr.Reason))
		return queue.Done(), nil

	case err != nil:
		return queue.Result{}, err
	}

	next := rec.Clone()
	next.PinnedBid = &accepted.Version
	next.BidMinFee = accepted.MinFee
	ev, err := next.Advance(transfer.StateBidValidated, transfer.NoteBidValidated, o.now())
	if err != nil {
		return queue.Result{}, err
	}
	if err := o.persist(ctx, next, ev); err != nil {
		return queue.Result{}, fmt.Errorf("failed to record bid validation: %w", err)
	}

	o.logger.Info("Bid validated",
		zap.String("transfer_id", rec.TransferID),
		zap.Uint64("bid_version", accepted.Version),
		zap.String("min_fee", accepted.MinFee.String()))
	return queue.Next(queue.Transactions, KindSubmit, 0), nil
}

// persist writes rec and its events, then records transition metrics
func (o *Orchestrator) persist(ctx context.Context, rec *transfer.Record, events ...transfer.Event) error {
	if err := o.store.Update(ctx, rec, events); err != nil {
		return err
	}
	o.observe(rec, events)
	return nil
}

func (o *Orchestrator) persistPin(ctx context.Context, rec *transfer.Record, kind transfer.LegKind, ev transfer.Event) error {
	if err := o.store.Update(ctx, rec, []transfer.Event{ev}, transferstore.WithUnpinnedLeg(kind)); err != nil {
		return err
	}
	o.observe(rec, []transfer.Event{ev})
	return nil
}

func (o *Orchestrator) observe(rec *transfer.Record, events []transfer.Event) {
	for _, ev := range events {
		if ev.From != ev.To {
			metrics.TransfersTotal.WithLabelValues(string(ev.To)).Inc()
		}
	}
	if rec.State.Terminal() && rec.CompletedAt != nil {
		metrics.TransferDuration.WithLabelValues(string(rec.State)).
			Observe(rec.CompletedAt.Sub(rec.CreatedAt).Seconds())
	}
}

// retryDelay is the wait before transient retry number attempt
func (o *Orchestrator) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.PollInitialInterval
	b.MaxInterval = o.cfg.PollMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
