package relayer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/internal/metrics"
	"github.com/chainsafe/transfer-relay/pkg/chain"
	"github.com/chainsafe/transfer-relay/pkg/nonce"
	"github.com/chainsafe/transfer-relay/pkg/queue"
	"github.com/chainsafe/transfer-relay/pkg/signer"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

// onError maps a chain or signer error onto the lifecycle:
//   - signer and rejection errors fail the transfer
//   - a nonce conflict resyncs the counter and re-pins, once per leg
//   - anything else is retried as transient up to max_transient_attempts
func (o *Orchestrator) onError(ctx context.Context, task queue.Task, rec *transfer.Record, kind transfer.LegKind, err error) (queue.Result, error) {
	if ctx.Err() != nil {
		return queue.Result{}, err
	}

	var (
		signerErr *signer.Error
		rejected  *chain.RejectedError
		conflict  *chain.NonceConflictError
	)
	switch {
	case errors.As(err, &signerErr):
		metrics.ErrorsTotal.WithLabelValues("relayer", "signer").Inc()
		return o.fail(ctx, rec, kind, transfer.ReasonSignerError, err)
	case errors.As(err, &rejected):
		metrics.ErrorsTotal.WithLabelValues("relayer", "rejected").Inc()
		return o.fail(ctx, rec, kind, rejected.Reason, err)
	case errors.As(err, &conflict):
		metrics.ErrorsTotal.WithLabelValues("relayer", "nonce_conflict").Inc()
		return o.resyncNonce(ctx, rec, kind, conflict)
	default:
		metrics.ErrorsTotal.WithLabelValues("relayer", "transient").Inc()
		return o.transient(ctx, task, rec, kind, err)
	}
}

func (o *Orchestrator) transient(ctx context.Context, task queue.Task, rec *transfer.Record, kind transfer.LegKind, err error) (queue.Result, error) {
	attempt := 1
	if isRetry(task.Kind) {
		attempt = task.Attempts + 1
	}

	if attempt >= o.cfg.MaxTransientAttempts {
		next := rec.Clone()
		next.TransientErrors = attempt
		return o.fail(ctx, next, kind, transfer.ReasonChainUnavailable, err)
	}

	delay := o.retryDelay(attempt)
	o.logger.Warn("Transient error, retrying step",
		zap.String("transfer_id", rec.TransferID),
		zap.String("state", string(rec.State)),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
	return queue.Next(task.Queue, retryKind(task.Kind), delay), nil
}

// resyncNonce handles a nonce the chain has already seen from someone else.
// The counter moves up to the chain's view and the leg gets a fresh nonce;
// the old one is not released since it is spent on chain.
func (o *Orchestrator) resyncNonce(ctx context.Context, rec *transfer.Record, kind transfer.LegKind, conflict *chain.NonceConflictError) (queue.Result, error) {
	leg := rec.Leg(kind)
	if rec.State == submittedState(kind) || leg.NonceResyncs > 0 {
		return o.fail(ctx, rec, kind, transfer.ReasonNonceConflict, conflict)
	}

	if err := o.nonces.Resync(ctx, leg.Signer, leg.Chain, conflict.Expected); err != nil {
		return queue.Result{}, fmt.Errorf("failed to resync nonce: %w", err)
	}

	next := rec.Clone()
	nl := next.Leg(kind)
	nl.Unpin()
	nl.NonceResyncs++
	msg := conflict.Error()
	next.LastError = &msg
	if err := o.persist(ctx, next, next.Note(transfer.NoteNonceResync, o.now())); err != nil {
		return queue.Result{}, fmt.Errorf("failed to record nonce resync: %w", err)
	}

	o.logger.Warn("Nonce conflict, resynced to chain",
		zap.String("transfer_id", rec.TransferID),
		zap.String("chain", leg.Chain),
		zap.Uint64("nonce", conflict.Nonce),
		zap.Uint64("on_chain", conflict.Expected))
	return queue.Next(queue.Transactions, KindSubmit, 0), nil
}

// fail moves the transfer to Failed and releases the leg's nonce
func (o *Orchestrator) fail(ctx context.Context, rec *transfer.Record, kind transfer.LegKind, reason string, cause error) (queue.Result, error) {
	next := rec.Clone()
	ev, err := next.Fail(reason, cause, o.now())
	if err != nil {
		return queue.Result{}, err
	}
	if err := o.persist(ctx, next, ev); err != nil {
		return queue.Result{}, fmt.Errorf("failed to record failure: %w", err)
	}

	leg := rec.Leg(kind)
	if leg.Nonce != nil {
		o.release(ctx, leg, *leg.Nonce, releaseOutcome(rec, kind, cause))
	}

	o.logger.Error("Transfer failed",
		zap.String("transfer_id", rec.TransferID),
		zap.String("failed_from", string(rec.State)),
		zap.String("reason", reason),
		zap.Error(cause))
	return queue.Done(), nil
}

// releaseOutcome decides what a failed leg's pinned nonce needs.
// A transaction the node refused outright never consumed its nonce. One that
// reverted or lost to a foreign transaction did. Anything else may still be
// in a mempool and has to be replaced.
func releaseOutcome(rec *transfer.Record, kind transfer.LegKind, cause error) nonce.Outcome {
	var (
		rejected *chain.RejectedError
		conflict *chain.NonceConflictError
	)
	submitted := rec.State == submittedState(kind)
	switch {
	case errors.As(cause, &conflict):
		return nonce.OutcomeBroadcast
	case errors.As(cause, &rejected) && submitted:
		return nonce.OutcomeBroadcast
	case errors.As(cause, &rejected):
		return nonce.OutcomePermanentlyFailed
	default:
		return nonce.OutcomeAbandoned
	}
}
