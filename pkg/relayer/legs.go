package relayer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/pkg/chain"
	"github.com/chainsafe/transfer-relay/pkg/nonce"
	"github.com/chainsafe/transfer-relay/pkg/queue"
	"github.com/chainsafe/transfer-relay/pkg/submitter"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

// submit broadcasts the leg's transaction. The nonce, signed bytes and hash
// are persisted before the broadcast so a redelivered task can only ever
// resend the same transaction.
func (o *Orchestrator) submit(ctx context.Context, task queue.Task, rec *transfer.Record, kind transfer.LegKind) (queue.Result, error) {
	leg := rec.Leg(kind)
	if leg.Pinned() {
		return o.resumePinned(ctx, task, rec, kind)
	}

	n, err := o.nonces.Allocate(ctx, leg.Signer, leg.Chain)
	if err != nil {
		return o.onError(ctx, task, rec, kind, fmt.Errorf("failed to allocate nonce: %w", err))
	}

	res, err := o.submitter.Sign(ctx, rec, kind, n)
	if err != nil {
		o.release(ctx, leg, n, nonce.OutcomePermanentlyFailed)
		return o.onError(ctx, task, rec, kind, err)
	}

	next := rec.Clone()
	next.Leg(kind).Pin(res.Nonce, res.TxHash, res.RawTx)
	ev := next.Note(transfer.NoteTxPinned, o.now())
	if err := o.persistPin(ctx, next, kind, ev); err != nil {
		o.release(ctx, leg, n, nonce.OutcomePermanentlyFailed)
		return queue.Result{}, fmt.Errorf("failed to pin %s transaction: %w", kind, err)
	}

	o.logger.Info("Transaction pinned",
		zap.String("transfer_id", rec.TransferID),
		zap.String("leg", string(kind)),
		zap.String("chain", leg.Chain),
		zap.Uint64("nonce", n),
		zap.String("tx_hash", res.TxHash))

	if _, err := o.submitter.Broadcast(ctx, next.Leg(kind)); err != nil {
		return o.onError(ctx, task, next, kind, err)
	}
	return o.markSubmitted(ctx, next, kind)
}

// resumePinned finishes a submission that stopped between pin and the
// submitted record. The pinned bytes are resent only if no node knows them.
func (o *Orchestrator) resumePinned(ctx context.Context, task queue.Task, rec *transfer.Record, kind transfer.LegKind) (queue.Result, error) {
	leg := rec.Leg(kind)
	st, err := o.submitter.Status(ctx, leg)
	if err != nil {
		return o.onError(ctx, task, rec, kind, err)
	}

	if st.State != chain.TxNotFound {
		o.logger.Info("Pinned transaction already known to chain",
			zap.String("transfer_id", rec.TransferID),
			zap.String("tx_hash", *leg.TxHash),
			zap.String("state", string(st.State)))
		return o.markSubmitted(ctx, rec, kind)
	}

	if _, err := o.submitter.Rebroadcast(ctx, leg); err != nil {
		return o.onError(ctx, task, rec, kind, err)
	}
	return o.markSubmitted(ctx, rec, kind)
}

func (o *Orchestrator) markSubmitted(ctx context.Context, rec *transfer.Record, kind transfer.LegKind) (queue.Result, error) {
	next := rec.Clone()
	leg := next.Leg(kind)
	now := o.now()
	leg.BroadcastAt = &now
	leg.Polls = 0

	ev, err := next.Advance(submittedState(kind), transfer.NoteBroadcast, now)
	if err != nil {
		return queue.Result{}, err
	}
	if err := o.persist(ctx, next, ev); err != nil {
		return queue.Result{}, fmt.Errorf("failed to record %s broadcast: %w", kind, err)
	}
	o.release(ctx, leg, *leg.Nonce, nonce.OutcomeBroadcast)

	o.logger.Info("Transaction broadcast",
		zap.String("transfer_id", rec.TransferID),
		zap.String("leg", string(kind)),
		zap.String("tx_hash", *leg.TxHash))
	return queue.Next(queue.Transactions, KindConfirm, o.cfg.PollInitialInterval), nil
}

// confirm polls the leg's transaction once and schedules the next poll
func (o *Orchestrator) confirm(ctx context.Context, task queue.Task, rec *transfer.Record, kind transfer.LegKind) (queue.Result, error) {
	conf, err := o.submitter.AwaitConfirmation(ctx, rec.Leg(kind))
	if err != nil {
		return o.onError(ctx, task, rec, kind, err)
	}

	switch conf.Outcome {
	case submitter.Confirmed:
		return o.markConfirmed(ctx, rec, kind, conf)

	case submitter.ReorgedOut:
		return o.retry(ctx, task, rec, kind, submitter.ErrReorged)

	case submitter.TimedOut:
		return o.retry(ctx, task, rec, kind, errTimedOut)

	default:
		next := rec.Clone()
		leg := next.Leg(kind)
		leg.Polls++
		if conf.Included {
			block := conf.Block
			leg.IncludedBlock = &block
			leg.Confirmations = conf.Confirmations
		}
		next.UpdatedAt = o.now()
		if err := o.persist(ctx, next); err != nil {
			return queue.Result{}, fmt.Errorf("failed to record poll: %w", err)
		}
		return queue.Next(queue.Transactions, KindConfirm, conf.NextPollIn), nil
	}
}

func (o *Orchestrator) markConfirmed(ctx context.Context, rec *transfer.Record, kind transfer.LegKind, conf submitter.Confirmation) (queue.Result, error) {
	next := rec.Clone()
	leg := next.Leg(kind)
	now := o.now()

	var events []transfer.Event
	if conf.TxHash != *leg.TxHash {
		// A fee-bumped predecessor won. Its bytes are not kept.
		leg.PriorTxHashes = append(leg.PriorTxHashes, *leg.TxHash)
		hash := conf.TxHash
		leg.TxHash = &hash
		leg.RawTx = nil
		events = append(events, next.Note(transfer.NoteAdoptedPrior, now))
	}
	block := conf.Block
	leg.IncludedBlock = &block
	leg.Confirmations = conf.Confirmations
	next.Retrying = false

	ev, err := next.Advance(confirmedState(kind), transfer.NoteConfirmed, now)
	if err != nil {
		return queue.Result{}, err
	}
	if err := o.persist(ctx, next, append(events, ev)...); err != nil {
		return queue.Result{}, fmt.Errorf("failed to record %s confirmation: %w", kind, err)
	}

	o.logger.Info("Transaction confirmed",
		zap.String("transfer_id", rec.TransferID),
		zap.String("leg", string(kind)),
		zap.String("tx_hash", conf.TxHash),
		zap.Uint64("block", conf.Block),
		zap.Uint64("confirmations", conf.Confirmations))

	if kind == transfer.LegSource {
		return queue.Next(queue.Transactions, KindSubmit, 0), nil
	}
	return queue.Done(), nil
}

// retry resubmits a leg at its pinned nonce. A reorged transaction is resent
// byte for byte; a timed out one is re-signed with bumped fees, pinned, and
// then broadcast. Retrying is set only while a pinned resubmission has not
// been broadcast yet.
func (o *Orchestrator) retry(ctx context.Context, task queue.Task, rec *transfer.Record, kind transfer.LegKind, cause error) (queue.Result, error) {
	if rec.RetryCount >= o.cfg.MaxRetries {
		return o.fail(ctx, rec, kind, transfer.ReasonRetryBudgetExhausted, cause)
	}

	next := rec.Clone()
	leg := next.Leg(kind)
	next.RetryCount++
	now := o.now()

	var note string
	if errors.Is(cause, submitter.ErrReorged) {
		note = transfer.NoteReorg
		leg.IncludedBlock = nil
		leg.Confirmations = 0
		if _, err := o.submitter.Rebroadcast(ctx, leg); err != nil {
			return o.onError(ctx, task, rec, kind, err)
		}
	} else {
		note = transfer.NoteTimeout
		res, err := o.submitter.Bump(ctx, next, kind)
		if err != nil {
			return o.onError(ctx, task, rec, kind, err)
		}
		leg.Replace(res.TxHash, res.RawTx)
		leg.FeeBumps++
		next.Retrying = true
		if err := o.persist(ctx, next, next.Note(transfer.NoteTxPinned, now)); err != nil {
			return queue.Result{}, fmt.Errorf("failed to pin bumped transaction: %w", err)
		}
		if _, err := o.submitter.BroadcastBumped(ctx, leg); err != nil {
			return o.onError(ctx, task, next, kind, err)
		}
	}

	leg.BroadcastAt = &now
	leg.Polls = 0
	next.Retrying = false
	ev, err := next.Advance(next.State, note, now)
	if err != nil {
		return queue.Result{}, err
	}
	if err := o.persist(ctx, next, ev); err != nil {
		return queue.Result{}, fmt.Errorf("failed to record retry: %w", err)
	}

	o.logger.Warn("Transaction resubmitted",
		zap.String("transfer_id", rec.TransferID),
		zap.String("leg", string(kind)),
		zap.String("cause", cause.Error()),
		zap.Int("retry_count", next.RetryCount),
		zap.Uint64("nonce", *leg.Nonce),
		zap.String("tx_hash", *leg.TxHash))
	return queue.Next(queue.Transactions, KindConfirm, o.cfg.PollInitialInterval), nil
}

func (o *Orchestrator) release(ctx context.Context, leg *transfer.Leg, n uint64, outcome nonce.Outcome) {
	if err := o.nonces.Release(ctx, leg.Signer, leg.Chain, n, outcome, nonce.WithFeeBumps(leg.FeeBumps)); err != nil {
		o.logger.Error("Failed to release nonce",
			zap.String("signer", leg.Signer),
			zap.String("chain", leg.Chain),
			zap.Uint64("nonce", n),
			zap.String("outcome", outcome.String()),
			zap.Error(err))
	}
}
